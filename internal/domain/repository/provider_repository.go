package repository

import (
	"context"

	"github.com/quillchat/quill/internal/domain/entity"
)

// ProviderRepository stores backend provider configs.
type ProviderRepository interface {
	Save(ctx context.Context, cfg *entity.ProviderConfig) error
	FindByID(ctx context.Context, id string) (*entity.ProviderConfig, error)
	FindAll(ctx context.Context) ([]*entity.ProviderConfig, error)
	Delete(ctx context.Context, id string) error
}

// PersonaRepository stores system-prompt bundles. Deleting a persona never
// touches conversations that reference it.
type PersonaRepository interface {
	Save(ctx context.Context, p *entity.Persona) error
	FindByID(ctx context.Context, id string) (*entity.Persona, error)
	FindAll(ctx context.Context) ([]*entity.Persona, error)
	Delete(ctx context.Context, id string) error
}

// ModelRepository stores on-device model records.
type ModelRepository interface {
	Save(ctx context.Context, m *entity.DownloadedModel) error
	FindByID(ctx context.Context, id string) (*entity.DownloadedModel, error)
	FindAll(ctx context.Context) ([]*entity.DownloadedModel, error)
	Delete(ctx context.Context, id string) error
}
