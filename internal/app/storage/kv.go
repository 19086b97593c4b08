package storage

import "context"

// KV is the asynchronous string key-value surface every generic backend
// must provide: get, set, remove, key enumeration, and batched removal.
// Values are JSON-serialized text; Get reports missing keys through the
// second return value rather than an error.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	GetAllKeys(ctx context.Context) ([]string, error)
	MultiRemove(ctx context.Context, keys []string) error
}
