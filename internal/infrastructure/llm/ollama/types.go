package ollama

import "github.com/quillchat/quill/internal/domain/entity"

// --- Ollama API Types ---
// Ollama streams newline-delimited JSON over /api/chat rather than SSE.
// Reference: the /api/chat and /api/tags endpoints of a local Ollama daemon.

type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Think    bool           `json:"think,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Thinking appears on responses from reasoning models when think is on.
	Thinking string `json:"thinking,omitempty"`
	// Images are base64-encoded bytes, no data-URI prefix.
	Images []string `json:"images,omitempty"`
}

// ChatResponse is one NDJSON line. Intermediate lines carry message deltas;
// the done line carries eval counters.
type ChatResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// TokenUsage maps the done-line eval counters to domain counters.
func (r *ChatResponse) TokenUsage() *entity.TokenUsage {
	if r.PromptEvalCount+r.EvalCount == 0 {
		return nil
	}
	return &entity.TokenUsage{
		Prompt:     r.PromptEvalCount,
		Completion: r.EvalCount,
		Total:      r.PromptEvalCount + r.EvalCount,
	}
}

// --- Model Discovery (/api/tags) ---

type TagsResponse struct {
	Models []TagEntry `json:"models"`
}

type TagEntry struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}
