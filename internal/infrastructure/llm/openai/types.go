package openai

import "github.com/quillchat/quill/internal/domain/entity"

// --- OpenAI API Request/Response Types ---
// These types represent the chat completions API format. Compatible with:
// OpenAI, DeepSeek, Mistral, Groq, Ollama (openai endpoint), vLLM, LM Studio, etc.

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
}

// Message carries either a plain string or a content-part array in Content.
// Parts are used only when the message has image attachments.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage"`
}

type Choice struct {
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ReasoningContent is the reasoning side-channel emitted by DeepSeek-R1
	// style models behind compatible endpoints.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToTokenUsage maps wire usage to the domain counters. Returns nil when the
// endpoint reported nothing.
func (u *Usage) ToTokenUsage() *entity.TokenUsage {
	if u == nil || u.PromptTokens+u.CompletionTokens+u.TotalTokens == 0 {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &entity.TokenUsage{
		Prompt:     u.PromptTokens,
		Completion: u.CompletionTokens,
		Total:      total,
	}
}

// --- Streaming Types ---

type StreamRequest struct {
	*Request
	Stream        bool           `json:"stream"`
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

type StreamChunkData struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type StreamChoice struct {
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type StreamDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
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
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}
