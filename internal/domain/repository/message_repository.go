package repository

import (
	"context"

	"github.com/quillchat/quill/internal/domain/entity"
)

// MessageRepository stores messages grouped by conversation. Appends are
// atomic per conversation record.
type MessageRepository interface {
	// Append adds a message to the end of its conversation's history.
	Append(ctx context.Context, msg *entity.Message) error

	// FindByConversationID returns all messages of a conversation in
	// append order.
	FindByConversationID(ctx context.Context, conversationID string) ([]*entity.Message, error)

	// DeleteByConversationID removes the whole history of a conversation.
	DeleteByConversationID(ctx context.Context, conversationID string) error

	// Count returns the number of messages in a conversation.
	Count(ctx context.Context, conversationID string) (int64, error)
}
