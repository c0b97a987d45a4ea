package entity

import (
	"time"

	"github.com/google/uuid"
)

// Persona is a reusable system-prompt bundle. A conversation records the
// persona id at creation; deleting the persona later leaves that reference
// dangling, which is tolerated, not an error.
type Persona struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Personality  string    `json:"personality,omitempty"`
	Scenario     string    `json:"scenario,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	PostHistory  string    `json:"post_history,omitempty"`
	CreatorNotes string    `json:"creator_notes,omitempty"`
	IsDefault    bool      `json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewPersona creates a persona with a generated id.
func NewPersona(name, systemPrompt string) (*Persona, error) {
	if name == "" {
		return nil, ErrInvalidPersonaName
	}
	now := time.Now().UTC()
	return &Persona{
		ID:           uuid.NewString(),
		Name:         name,
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
