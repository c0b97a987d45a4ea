package application

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/domain/repository"
	"github.com/quillchat/quill/internal/infrastructure/persistence"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// ArchiveVersion is the document format this build reads and writes.
const ArchiveVersion = "1"

// ImportMode selects how an archive is applied to existing data.
type ImportMode string

const (
	// ImportMerge keeps existing data; colliding ids are regenerated.
	ImportMerge ImportMode = "merge"
	// ImportReplace wipes chat and provider data first.
	ImportReplace ImportMode = "replace"
)

// Archive is the portable backup document. Provider entries are stored
// redacted: API keys and custom header values never leave the machine.
type Archive struct {
	Version       string                   `json:"version"`
	ExportedAt    time.Time                `json:"exported_at"`
	Conversations []ConversationArchive    `json:"conversations"`
	Providers     []*entity.ProviderConfig `json:"providers,omitempty"`
}

// ConversationArchive pairs a conversation with its full history.
type ConversationArchive struct {
	Conversation *entity.Conversation `json:"conversation"`
	Messages     []*entity.Message    `json:"messages"`
}

// Porter exports and imports archives.
type Porter struct {
	store         storage.Store
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	providers     repository.ProviderRepository
	logger        *zap.Logger
}

// NewPorter creates the export/import service.
func NewPorter(
	store storage.Store,
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	providers repository.ProviderRepository,
	logger *zap.Logger,
) *Porter {
	return &Porter{
		store:         store,
		conversations: conversations,
		messages:      messages,
		providers:     providers,
		logger:        logger.With(zap.String("component", "porter")),
	}
}

// Export walks every conversation and provider into an archive.
func (p *Porter) Export(ctx context.Context) (*Archive, error) {
	convs, err := p.conversations.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	archive := &Archive{
		Version:    ArchiveVersion,
		ExportedAt: time.Now().UTC(),
	}
	for _, conv := range convs {
		msgs, err := p.messages.FindByConversationID(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		archive.Conversations = append(archive.Conversations, ConversationArchive{
			Conversation: conv,
			Messages:     msgs,
		})
	}

	providers, err := p.providers.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, cfg := range providers {
		archive.Providers = append(archive.Providers, cfg.Redacted())
	}

	p.logger.Info("exported archive",
		zap.Int("conversations", len(archive.Conversations)),
		zap.Int("providers", len(archive.Providers)))
	return archive, nil
}

// ExportToFile writes the archive as indented JSON.
func (p *Porter) ExportToFile(ctx context.Context, path string) error {
	archive, err := p.Export(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Import applies an archive. The version tag is validated before anything is
// written; the whole load runs in one transaction, so a bad archive leaves
// the store untouched.
func (p *Porter) Import(ctx context.Context, archive *Archive, mode ImportMode) error {
	if archive.Version != ArchiveVersion {
		return apperrors.NewInvalidInputError(
			fmt.Sprintf("unsupported archive version %q", archive.Version))
	}

	err := p.store.Transact(ctx, func(tx storage.Store) error {
		if mode == ImportReplace {
			if err := persistence.WipeChatData(ctx, tx); err != nil {
				return err
			}
			if err := persistence.WipeProviderData(ctx, tx); err != nil {
				return err
			}
		}

		convRepo := persistence.NewConversationRepo(tx)
		msgRepo := persistence.NewMessageRepo(tx)
		provRepo := persistence.NewProviderRepo(tx)

		for _, cfg := range archive.Providers {
			if mode == ImportMerge {
				if _, err := provRepo.FindByID(ctx, cfg.ID); err == nil {
					continue // existing config wins: it still has its key
				}
			}
			if err := provRepo.Save(ctx, cfg); err != nil {
				return err
			}
		}

		for _, ca := range archive.Conversations {
			conv := *ca.Conversation
			if mode == ImportMerge {
				if _, err := convRepo.FindByID(ctx, conv.ID); err == nil {
					conv.ID = uuid.NewString()
				}
			}
			if err := convRepo.Save(ctx, &conv); err != nil {
				return err
			}
			for _, m := range ca.Messages {
				msg := *m
				msg.ConversationID = conv.ID
				if err := msgRepo.Append(ctx, &msg); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.Info("imported archive",
		zap.String("mode", string(mode)),
		zap.Int("conversations", len(archive.Conversations)),
		zap.Int("providers", len(archive.Providers)))
	return nil
}

// ImportFromFile reads and applies an archive file.
func (p *Porter) ImportFromFile(ctx context.Context, path string, mode ImportMode) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return apperrors.NewInvalidInputError("archive is not valid JSON: " + err.Error())
	}
	return p.Import(ctx, &archive, mode)
}
