package entity

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType distinguishes plain-text messages from ones carrying images.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentMixed ContentType = "mixed" // text plus ordered images
)

// Image is an ordered image attached to a message. Either URL or Data is set.
type Image struct {
	URL     string `json:"url,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// TokenUsage holds provider-reported token counters.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Message is one turn in a conversation.
//
// ProviderID and Model are a historical record: for assistant messages, the
// backend that actually produced the content; for user messages, the one in
// effect at send time. They must never be rewritten after creation, even if
// the conversation's active provider later changes.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           Role        `json:"role"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"content_type"`
	Images         []Image     `json:"images,omitempty"`
	ProviderID     string      `json:"provider_id"`
	Model          string      `json:"model"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	Thinking       string      `json:"thinking,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessage creates a message with a generated id and current timestamp.
func NewMessage(conversationID string, role Role, content, providerID, model string) (*Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, ErrInvalidRole
	}
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		ContentType:    ContentText,
		ProviderID:     providerID,
		Model:          model,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// AttachImages sets the ordered image list and flips the content type.
func (m *Message) AttachImages(images []Image) {
	m.Images = images
	if len(images) > 0 {
		m.ContentType = ContentMixed
	}
}
