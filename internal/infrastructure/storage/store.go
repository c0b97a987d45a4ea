package storage

import "context"

// Store is the flat key-value namespace everything persists into. Keys are
// slash-separated with an entity-type prefix ("conversation/<id>",
// "messages/<conversation-id>", "provider/<id>", ...); values are JSON
// documents.
//
// Every Put/Delete is atomic at the level of a single record. Writers to
// different records never conflict; concurrent writers to the same record
// are last-write-wins, which is acceptable for a single-user local store.
// Transact groups multi-record operations (cascade delete, import) so they
// either fully apply or leave the store untouched.
type Store interface {
	// Get returns the value at key, or a NOT_FOUND AppError.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the value at key, creating or replacing the record.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the record at key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns all records whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Transact runs fn against a transactional view of the store. If fn
	// returns an error, none of its writes are applied.
	Transact(ctx context.Context, fn func(tx Store) error) error
}
