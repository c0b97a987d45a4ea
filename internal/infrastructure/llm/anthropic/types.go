package anthropic

import "github.com/quillchat/quill/internal/domain/entity"

// --- Anthropic Messages API Types ---
//
// Key differences from the chat completions format:
// - Messages use content blocks ([]ContentBlock) instead of flat string content
// - System prompt is a separate top-level field, not a message
// - Extended thinking arrives as its own block/delta type
// - max_tokens is required

// Request is the Messages API request format.
type Request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Thinking    *Thinking `json:"thinking,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Thinking enables the extended thinking side-channel.
type Thinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"` // "user" | "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a polymorphic content element.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "image" | "thinking"

	// For type "text"
	Text string `json:"text,omitempty"`

	// For type "image"
	Source *ImageSource `json:"source,omitempty"`

	// For type "thinking"
	Thinking string `json:"thinking,omitempty"`
}

// ImageSource carries inline or URL-referenced image data.
type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Response is the Messages API response.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // "message"
	Role       string         `json:"role"` // "assistant"
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"` // "end_turn" | "max_tokens" | ...
	Usage      Usage          `json:"usage"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToTokenUsage maps wire usage to the domain counters.
func (u *Usage) ToTokenUsage() *entity.TokenUsage {
	if u == nil || u.InputTokens+u.OutputTokens == 0 {
		return nil
	}
	return &entity.TokenUsage{
		Prompt:     u.InputTokens,
		Completion: u.OutputTokens,
		Total:      u.InputTokens + u.OutputTokens,
	}
}

// --- Streaming Types ---
// Anthropic uses event-based SSE with typed events.

// StreamEvent is one typed SSE event from the streaming Messages API.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta and message_delta
	Delta *DeltaBlock `json:"delta,omitempty"`

	// For message_delta
	Usage *Usage `json:"usage,omitempty"`

	// For message_start
	Message *Response `json:"message,omitempty"`
}

// DeltaBlock is incremental content in a stream.
type DeltaBlock struct {
	Type     string `json:"type"` // "text_delta" | "thinking_delta"
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// For message_delta event
	StopReason string `json:"stop_reason,omitempty"`
}

// --- Model Discovery ---

type ModelsResponse struct {
	Data []ModelEntry `json:"data"`
}

type ModelEntry struct {
	ID string `json:"id"`
}

// --- Error Payload ---

type ErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
