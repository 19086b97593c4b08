// Package redis provides a Redis-backed storage.KV. All keys live under a
// configurable namespace so one Redis instance can serve several deployments.
package redis

import (
	"context"
	"errors"

	goredis "github.com/go-redis/redis/v8"

	"github.com/haven-app/usage_layer/internal/app/storage"
)

const defaultNamespace = "usage:"

// KV implements storage.KV on a Redis client.
type KV struct {
	client    *goredis.Client
	namespace string
}

var _ storage.KV = (*KV)(nil)

// Options configures the Redis backend.
type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// New connects a Redis-backed KV. The connection is verified lazily; call
// Ping to fail fast at startup.
func New(opts Options) *KV {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &KV{client: client, namespace: namespace}
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *goredis.Client, namespace string) *KV {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &KV{client: client, namespace: namespace}
}

// Ping verifies the connection.
func (kv *KV) Ping(ctx context.Context) error {
	return kv.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (kv *KV) Close() error {
	return kv.client.Close()
}

func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := kv.client.Get(ctx, kv.namespace+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (kv *KV) Set(ctx context.Context, key, value string) error {
	return kv.client.Set(ctx, kv.namespace+key, value, 0).Err()
}

func (kv *KV) Remove(ctx context.Context, key string) error {
	return kv.client.Del(ctx, kv.namespace+key).Err()
}

func (kv *KV) GetAllKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := kv.client.Scan(ctx, cursor, kv.namespace+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			keys = append(keys, key[len(kv.namespace):])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (kv *KV) MultiRemove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = kv.namespace + key
	}
	return kv.client.Del(ctx, namespaced...).Err()
}
