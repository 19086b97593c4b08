// Package memory provides the in-process key-value backend. It is safe for
// concurrent use and is primarily intended for tests and local development.
package memory

import (
	"context"
	"sync"

	"github.com/haven-app/usage_layer/internal/app/storage"
)

// KV is a mutex-guarded map implementing storage.KV.
type KV struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ storage.KV = (*KV)(nil)

// New creates an empty in-memory key-value store.
func New() *KV {
	return &KV{data: make(map[string]string)}
}

func (kv *KV) Get(_ context.Context, key string) (string, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	value, ok := kv.data[key]
	return value, ok, nil
}

func (kv *KV) Set(_ context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.data[key] = value
	return nil
}

func (kv *KV) Remove(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.data, key)
	return nil
}

func (kv *KV) GetAllKeys(_ context.Context) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	keys := make([]string, 0, len(kv.data))
	for key := range kv.data {
		keys = append(keys, key)
	}
	return keys, nil
}

func (kv *KV) MultiRemove(_ context.Context, keys []string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, key := range keys {
		delete(kv.data, key)
	}
	return nil
}

// Len reports the number of stored keys.
func (kv *KV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}
