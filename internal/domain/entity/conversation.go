package entity

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is a chat thread. All messages belong to exactly one
// conversation and are deleted with it.
//
// PersonaID is fixed at creation and never changes afterwards.
// ActiveProviderID/ActiveModel may change between turns; switching them
// never rewrites messages that were already persisted.
type Conversation struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	ActiveProviderID string    `json:"active_provider_id"`
	ActiveModel      string    `json:"active_model"`
	PersonaID        string    `json:"persona_id,omitempty"`
	Thinking         bool      `json:"thinking,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewConversation creates a conversation with a generated id.
func NewConversation(title, providerID, model, personaID string, thinking bool) (*Conversation, error) {
	if providerID == "" {
		return nil, ErrInvalidProviderID
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:               uuid.NewString(),
		Title:            title,
		ActiveProviderID: providerID,
		ActiveModel:      model,
		PersonaID:        personaID,
		Thinking:         thinking,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Touch bumps the updated timestamp.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

// SwitchProvider changes the provider/model used for the next turn.
// Prior messages keep the provenance they were written with.
func (c *Conversation) SwitchProvider(providerID, model string) error {
	if providerID == "" {
		return ErrInvalidProviderID
	}
	c.ActiveProviderID = providerID
	c.ActiveModel = model
	c.Touch()
	return nil
}
