package persistence

import (
	"context"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// SettingsRepo holds the single app-wide settings record. It also owns
// default exclusivity: there is at most one default provider and one
// default persona at a time.
type SettingsRepo struct {
	store storage.Store
}

// NewSettingsRepo creates the repository.
func NewSettingsRepo(store storage.Store) repository.SettingsRepository {
	return &SettingsRepo{store: store}
}

// Load returns the settings record. A missing record yields zero-value
// settings, so first run needs no seeding.
func (r *SettingsRepo) Load(ctx context.Context) (*repository.Settings, error) {
	var s repository.Settings
	if err := getJSON(ctx, r.store, keySettings, &s); err != nil {
		if apperrors.IsNotFound(err) {
			return &repository.Settings{}, nil
		}
		return nil, err
	}
	return &s, nil
}

// Save writes the settings record.
func (r *SettingsRepo) Save(ctx context.Context, s *repository.Settings) error {
	if s == nil {
		return apperrors.NewInvalidInputError("settings required")
	}
	return putJSON(ctx, r.store, keySettings, s)
}

// SetDefaultProvider makes id the sole default provider. The provider must
// exist and be enabled.
func (r *SettingsRepo) SetDefaultProvider(ctx context.Context, id string) error {
	return r.store.Transact(ctx, func(tx storage.Store) error {
		var cfg entity.ProviderConfig
		if err := getJSON(ctx, tx, prefixProvider+id, &cfg); err != nil {
			return err
		}
		if !cfg.IsEnabled {
			return apperrors.NewConflictError("provider is disabled: " + id)
		}
		var s repository.Settings
		if err := getJSON(ctx, tx, keySettings, &s); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		s.DefaultProviderID = id
		return putJSON(ctx, tx, keySettings, &s)
	})
}

// SetDefaultPersona makes id the sole default persona, flipping the
// IsDefault flag off on every other persona record in the same transaction.
func (r *SettingsRepo) SetDefaultPersona(ctx context.Context, id string) error {
	return r.store.Transact(ctx, func(tx storage.Store) error {
		raw, err := tx.List(ctx, prefixPersona)
		if err != nil {
			return err
		}
		if _, ok := raw[prefixPersona+id]; !ok {
			return apperrors.NewNotFoundError("persona not found: " + id)
		}
		for key := range raw {
			var p entity.Persona
			if err := getJSON(ctx, tx, key, &p); err != nil {
				return err
			}
			want := key == prefixPersona+id
			if p.IsDefault == want {
				continue
			}
			p.IsDefault = want
			if err := putJSON(ctx, tx, key, &p); err != nil {
				return err
			}
		}
		var s repository.Settings
		if err := getJSON(ctx, tx, keySettings, &s); err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		s.DefaultPersonaID = id
		return putJSON(ctx, tx, keySettings, &s)
	})
}
