package persistence

import (
	"context"
	"sort"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// ProviderRepo stores backend provider configs.
type ProviderRepo struct {
	store storage.Store
}

// NewProviderRepo creates the repository.
func NewProviderRepo(store storage.Store) repository.ProviderRepository {
	return &ProviderRepo{store: store}
}

// Save creates or updates a provider config.
func (r *ProviderRepo) Save(ctx context.Context, cfg *entity.ProviderConfig) error {
	if cfg == nil || cfg.ID == "" {
		return apperrors.NewInvalidInputError("provider id required")
	}
	if !cfg.Kind.Valid() {
		return apperrors.NewInvalidInputError("unknown provider kind: " + string(cfg.Kind))
	}
	return putJSON(ctx, r.store, prefixProvider+cfg.ID, cfg)
}

// FindByID looks up one provider config.
func (r *ProviderRepo) FindByID(ctx context.Context, id string) (*entity.ProviderConfig, error) {
	var cfg entity.ProviderConfig
	if err := getJSON(ctx, r.store, prefixProvider+id, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FindAll returns all provider configs sorted by name.
func (r *ProviderRepo) FindAll(ctx context.Context) ([]*entity.ProviderConfig, error) {
	cfgs, err := listJSON[entity.ProviderConfig](ctx, r.store, prefixProvider)
	if err != nil {
		return nil, err
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
	return cfgs, nil
}

// Delete removes a provider config. Conversations that referenced it keep
// the id; they fail at send time until switched.
func (r *ProviderRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return r.store.Delete(ctx, prefixProvider+id)
}
