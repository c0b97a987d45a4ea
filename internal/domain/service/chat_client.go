package service

import (
	"context"
	"strings"

	"github.com/quillchat/quill/internal/domain/entity"
)

// ChatClient is the uniform contract every backend adapter implements.
// It decouples the orchestrator from specific provider wire formats.
type ChatClient interface {
	// SendMessage performs a full, non-streaming completion.
	SendMessage(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// SendMessageStream streams incremental deltas over deltaCh and returns
	// the final accumulated response once the stream ends. The caller owns
	// deltaCh and must drain it; the adapter never closes it. Interruption
	// happens through ctx — after cancellation the adapter stops emitting
	// and returns.
	SendMessageStream(ctx context.Context, req *ChatRequest, deltaCh chan<- StreamChunk) (*ChatResponse, error)
}

// ChatRequest is the uniform request shape. The resolved provider config
// rides along because adapters are stateless: one adapter instance per
// provider kind serves every config of that kind.
type ChatRequest struct {
	Config   *entity.ProviderConfig `json:"-"`
	Messages []ChatMessage          `json:"messages"`

	// Model overrides Config.DefaultModel when set.
	Model string `json:"model,omitempty"`

	// Sampling overrides. Nil means provider default.
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`

	// Thinking requests the model's reasoning side-channel where the
	// backend supports one.
	Thinking bool `json:"thinking,omitempty"`
}

// ResolvedModel returns the per-request override or the config default.
func (r *ChatRequest) ResolvedModel() string {
	if r.Model != "" {
		return r.Model
	}
	if r.Config != nil {
		return r.Config.DefaultModel
	}
	return ""
}

// ChatMessage is one turn in the uniform wire-agnostic shape.
type ChatMessage struct {
	Role    entity.Role    `json:"role"`
	Content string         `json:"content"`
	Images  []entity.Image `json:"images,omitempty"`
}

// StreamChunk is a single delta from a streaming completion.
// Thinking deltas arrive on their own field and must never be folded into
// DeltaText. The terminal chunk carries FinishReason and, when the backend
// reports it, final usage.
type StreamChunk struct {
	DeltaText     string             `json:"delta_text,omitempty"`
	DeltaThinking string             `json:"delta_thinking,omitempty"`
	Images        []entity.Image     `json:"images,omitempty"`
	FinishReason  string             `json:"finish_reason,omitempty"`
	Usage         *entity.TokenUsage `json:"usage,omitempty"`
}

// Terminal reports whether this chunk ends the stream.
func (c StreamChunk) Terminal() bool { return c.FinishReason != "" }

// ChatResponse is the final result of a completion.
type ChatResponse struct {
	Content   string             `json:"content"`
	Thinking  string             `json:"thinking,omitempty"`
	Images    []entity.Image     `json:"images,omitempty"`
	ModelUsed string             `json:"model_used"`
	Usage     *entity.TokenUsage `json:"usage,omitempty"`
}

// JoinSystemPrompt prepends a system message built from a persona, if the
// persona carries one. Post-history instructions are appended after the
// existing history, matching how personas are applied at send time.
func JoinSystemPrompt(p *entity.Persona, history []ChatMessage) []ChatMessage {
	if p == nil {
		return history
	}
	var out []ChatMessage
	if sys := strings.TrimSpace(p.SystemPrompt); sys != "" {
		out = append(out, ChatMessage{Role: entity.RoleSystem, Content: sys})
	}
	out = append(out, history...)
	if post := strings.TrimSpace(p.PostHistory); post != "" {
		out = append(out, ChatMessage{Role: entity.RoleSystem, Content: post})
	}
	return out
}
