package persistence

import (
	"context"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/domain/entity"
	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// CurrentDataVersion marks the data shape this build writes. Bump it when a
// stored record gains a field that existing records must be backfilled with.
const CurrentDataVersion = "1"

// Migrate runs one-time shape fixes when the stored data version is behind
// CurrentDataVersion, then records the new version. It is idempotent and
// safe to run on every start.
func Migrate(ctx context.Context, store storage.Store, log *zap.Logger) error {
	settings := NewSettingsRepo(store)
	s, err := settings.Load(ctx)
	if err != nil {
		return err
	}
	if s.LastAppVersion == CurrentDataVersion {
		return nil
	}

	log.Info("migrating stored data",
		zap.String("from", s.LastAppVersion),
		zap.String("to", CurrentDataVersion))

	if err := store.Transact(ctx, func(tx storage.Store) error {
		return backfillContentType(ctx, tx)
	}); err != nil {
		return apperrors.NewInternalErrorWithCause("data migration failed", err)
	}

	s.LastAppVersion = CurrentDataVersion
	return settings.Save(ctx, s)
}

// backfillContentType fills the ContentType field on message records written
// before it existed. Messages carrying images become mixed, everything else
// is text.
func backfillContentType(ctx context.Context, tx storage.Store) error {
	raw, err := tx.List(ctx, prefixMessages)
	if err != nil {
		return err
	}
	for key := range raw {
		var msgs []*entity.Message
		if err := getJSON(ctx, tx, key, &msgs); err != nil {
			return err
		}
		changed := false
		for _, m := range msgs {
			if m.ContentType != "" {
				continue
			}
			if len(m.Images) > 0 {
				m.ContentType = entity.ContentMixed
			} else {
				m.ContentType = entity.ContentText
			}
			changed = true
		}
		if !changed {
			continue
		}
		if err := putJSON(ctx, tx, key, msgs); err != nil {
			return err
		}
	}
	return nil
}
