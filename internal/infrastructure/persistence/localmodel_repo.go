package persistence

import (
	"context"
	"sort"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// ModelRepo stores on-device model records.
type ModelRepo struct {
	store storage.Store
}

// NewModelRepo creates the repository.
func NewModelRepo(store storage.Store) repository.ModelRepository {
	return &ModelRepo{store: store}
}

// Save creates or updates a model record.
func (r *ModelRepo) Save(ctx context.Context, m *entity.DownloadedModel) error {
	if m == nil || m.ID == "" {
		return apperrors.NewInvalidInputError("model id required")
	}
	return putJSON(ctx, r.store, prefixLocalModel+m.ID, m)
}

// FindByID looks up one model record.
func (r *ModelRepo) FindByID(ctx context.Context, id string) (*entity.DownloadedModel, error) {
	var m entity.DownloadedModel
	if err := getJSON(ctx, r.store, prefixLocalModel+id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindAll returns all model records sorted by name.
func (r *ModelRepo) FindAll(ctx context.Context) ([]*entity.DownloadedModel, error) {
	ms, err := listJSON[entity.DownloadedModel](ctx, r.store, prefixLocalModel)
	if err != nil {
		return nil, err
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
	return ms, nil
}

// Delete removes a model record. The caller is responsible for releasing any
// loaded runtime backed by this record before deleting it.
func (r *ModelRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return r.store.Delete(ctx, prefixLocalModel+id)
}
