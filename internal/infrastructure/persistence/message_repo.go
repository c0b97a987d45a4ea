package persistence

import (
	"context"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// MessageRepo stores each conversation's history as one JSON array record,
// so appends are atomic single-record writes and ordering is the append
// order by construction.
type MessageRepo struct {
	store storage.Store
}

// NewMessageRepo creates the repository.
func NewMessageRepo(store storage.Store) repository.MessageRepository {
	return &MessageRepo{store: store}
}

// Append adds a message to the end of its conversation's history.
func (r *MessageRepo) Append(ctx context.Context, msg *entity.Message) error {
	if msg == nil || msg.ConversationID == "" {
		return apperrors.NewInvalidInputError("message conversation id required")
	}
	// Read-modify-write under the store transaction so concurrent appends
	// to the same conversation cannot drop each other.
	return r.store.Transact(ctx, func(tx storage.Store) error {
		msgs, err := r.load(ctx, tx, msg.ConversationID)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return putJSON(ctx, tx, prefixMessages+msg.ConversationID, msgs)
	})
}

// FindByConversationID returns the full history in append order.
func (r *MessageRepo) FindByConversationID(ctx context.Context, conversationID string) ([]*entity.Message, error) {
	return r.load(ctx, r.store, conversationID)
}

// DeleteByConversationID drops the whole history record.
func (r *MessageRepo) DeleteByConversationID(ctx context.Context, conversationID string) error {
	return r.store.Delete(ctx, prefixMessages+conversationID)
}

// Count returns the number of messages in a conversation.
func (r *MessageRepo) Count(ctx context.Context, conversationID string) (int64, error) {
	msgs, err := r.load(ctx, r.store, conversationID)
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

// load reads the history array; a missing record is an empty history.
func (r *MessageRepo) load(ctx context.Context, s storage.Store, conversationID string) ([]*entity.Message, error) {
	var msgs []*entity.Message
	err := getJSON(ctx, s, prefixMessages+conversationID, &msgs)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return msgs, nil
}
