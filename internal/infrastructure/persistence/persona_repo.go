package persistence

import (
	"context"
	"sort"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// PersonaRepo stores system-prompt bundles.
type PersonaRepo struct {
	store storage.Store
}

// NewPersonaRepo creates the repository.
func NewPersonaRepo(store storage.Store) repository.PersonaRepository {
	return &PersonaRepo{store: store}
}

// Save creates or updates a persona.
func (r *PersonaRepo) Save(ctx context.Context, p *entity.Persona) error {
	if p == nil || p.ID == "" {
		return apperrors.NewInvalidInputError("persona id required")
	}
	return putJSON(ctx, r.store, prefixPersona+p.ID, p)
}

// FindByID looks up one persona.
func (r *PersonaRepo) FindByID(ctx context.Context, id string) (*entity.Persona, error) {
	var p entity.Persona
	if err := getJSON(ctx, r.store, prefixPersona+id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindAll returns all personas sorted by name.
func (r *PersonaRepo) FindAll(ctx context.Context) ([]*entity.Persona, error) {
	ps, err := listJSON[entity.Persona](ctx, r.store, prefixPersona)
	if err != nil {
		return nil, err
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
	return ps, nil
}

// Delete removes a persona. Conversations referencing it keep their stored
// persona id; the dangling reference is tolerated everywhere it is read.
func (r *PersonaRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return r.store.Delete(ctx, prefixPersona+id)
}
