package persistence

import (
	"context"
	"encoding/json"

	"github.com/quillchat/quill/internal/infrastructure/storage"
	apperrors "github.com/quillchat/quill/pkg/errors"
)

// Key prefixes of the flat namespace. One JSON record per entity, except
// messages which are stored as one JSON array per conversation so an append
// is a single-record atomic write.
const (
	prefixConversation = "conversation/"
	prefixMessages     = "messages/"
	prefixProvider     = "provider/"
	prefixPersona      = "persona/"
	prefixLocalModel   = "localmodel/"
	keySettings        = "settings/app"
)

// getJSON reads and decodes one record.
func getJSON(ctx context.Context, s storage.Store, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewInternalErrorWithCause("corrupt record "+key, err)
	}
	return nil
}

// putJSON encodes and writes one record.
func putJSON(ctx context.Context, s storage.Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("encode record "+key, err)
	}
	return s.Put(ctx, key, data)
}

// WipeChatData deletes every conversation and message record. Used by
// replace-mode import inside a transaction.
func WipeChatData(ctx context.Context, s storage.Store) error {
	for _, prefix := range []string{prefixConversation, prefixMessages} {
		if err := wipePrefix(ctx, s, prefix); err != nil {
			return err
		}
	}
	return nil
}

// WipeProviderData deletes every provider config record.
func WipeProviderData(ctx context.Context, s storage.Store) error {
	return wipePrefix(ctx, s, prefixProvider)
}

func wipePrefix(ctx context.Context, s storage.Store, prefix string) error {
	raw, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for key := range raw {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// listJSON decodes every record under a prefix into values of type T.
func listJSON[T any](ctx context.Context, s storage.Store, prefix string) ([]*T, error) {
	raw, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(raw))
	for key, data := range raw {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, apperrors.NewInternalErrorWithCause("corrupt record "+key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
