package persistence

import (
	"context"
	"sort"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// ConversationRepo stores conversations in the key-value namespace.
type ConversationRepo struct {
	store storage.Store
}

// NewConversationRepo creates the repository.
func NewConversationRepo(store storage.Store) repository.ConversationRepository {
	return &ConversationRepo{store: store}
}

// Save creates or updates a conversation record.
func (r *ConversationRepo) Save(ctx context.Context, conv *entity.Conversation) error {
	if conv == nil || conv.ID == "" {
		return apperrors.NewInvalidInputError("conversation id required")
	}
	return putJSON(ctx, r.store, prefixConversation+conv.ID, conv)
}

// FindByID looks up one conversation.
func (r *ConversationRepo) FindByID(ctx context.Context, id string) (*entity.Conversation, error) {
	var conv entity.Conversation
	if err := getJSON(ctx, r.store, prefixConversation+id, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindAll returns all conversations, most recently updated first.
func (r *ConversationRepo) FindAll(ctx context.Context) ([]*entity.Conversation, error) {
	convs, err := listJSON[entity.Conversation](ctx, r.store, prefixConversation)
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// Delete removes the conversation and its message history in one
// transaction.
func (r *ConversationRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return r.store.Transact(ctx, func(tx storage.Store) error {
		if err := tx.Delete(ctx, prefixConversation+id); err != nil {
			return err
		}
		return tx.Delete(ctx, prefixMessages+id)
	})
}
