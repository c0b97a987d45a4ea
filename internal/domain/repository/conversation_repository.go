package repository

import (
	"context"

	"github.com/quillchat/quill/internal/domain/entity"
)

// ConversationRepository stores chat threads.
type ConversationRepository interface {
	// Save creates or updates a conversation.
	Save(ctx context.Context, conv *entity.Conversation) error

	// FindByID looks up a conversation by id.
	FindByID(ctx context.Context, id string) (*entity.Conversation, error)

	// FindAll returns all conversations, most recently updated first.
	FindAll(ctx context.Context) ([]*entity.Conversation, error)

	// Delete removes a conversation and cascades to its messages.
	Delete(ctx context.Context, id string) error
}
