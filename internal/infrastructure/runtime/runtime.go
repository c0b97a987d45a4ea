package runtime

import (
	"context"
	"errors"

	"github.com/quillchat/quill/internal/domain/entity"
)

// Load failure sentinels. The local chat adapter maps these onto its own
// error taxonomy.
var (
	// ErrUnsupportedFormat means the model file is not a format any
	// registered runtime can open.
	ErrUnsupportedFormat = errors.New("unsupported model format")

	// ErrInsufficientResources means the host lacks memory (or VRAM) to
	// load the model.
	ErrInsufficientResources = errors.New("insufficient resources to load model")

	// ErrNoRuntime means no runtime backend is wired into this build.
	ErrNoRuntime = errors.New("no local model runtime available")
)

// GenerateRequest is a prompt for a loaded on-device model.
type GenerateRequest struct {
	Messages    []PromptMessage
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// PromptMessage is one turn of the prompt.
type PromptMessage struct {
	Role    string
	Content string
}

// Token is one increment of generated text.
type Token struct {
	Text string
}

// GenerateResult is the accumulated output of a generation.
type GenerateResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// ModelRuntime is a loaded on-device model. Implementations are opaque
// capability providers: chat models implement Generate, embedding models
// implement Embed, and either may reject the calls it does not support.
type ModelRuntime interface {
	// Generate streams tokens over tokenCh and returns the accumulated
	// result. The caller owns tokenCh; the runtime never closes it. A nil
	// tokenCh means the caller only wants the final result.
	Generate(ctx context.Context, req *GenerateRequest, tokenCh chan<- Token) (*GenerateResult, error)

	// Embed returns an embedding vector for the input text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Release frees the model's memory. The runtime is unusable afterwards.
	Release() error
}

// Factory opens a runtime for a downloaded model record. It is called under
// the manager's single-flight lock, at most once per load attempt.
type Factory func(ctx context.Context, model *entity.DownloadedModel) (ModelRuntime, error)
