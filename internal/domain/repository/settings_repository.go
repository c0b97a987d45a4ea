package repository

import "context"

// Settings is the single app-wide settings record.
//
// DefaultProviderID and DefaultPersonaID each point at the one entity
// flagged default; exclusivity is enforced here, not in the entity
// repositories.
type Settings struct {
	DefaultProviderID string `json:"default_provider_id,omitempty"`
	DefaultPersonaID  string `json:"default_persona_id,omitempty"`
	ThinkingDefault   bool   `json:"thinking_default,omitempty"`
	// LastAppVersion is the data-shape marker used to trigger one-time
	// migrations on upgrade.
	LastAppVersion string `json:"last_app_version,omitempty"`
}

// SettingsRepository stores the settings record.
type SettingsRepository interface {
	Load(ctx context.Context) (*Settings, error)
	Save(ctx context.Context, s *Settings) error

	// SetDefaultProvider makes id the sole default provider.
	SetDefaultProvider(ctx context.Context, id string) error

	// SetDefaultPersona makes id the sole default persona.
	SetDefaultPersona(ctx context.Context, id string) error
}
