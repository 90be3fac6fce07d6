// Package kv provides the pack-namespaced key/value store exposed to
// workflows through the kv.put and kv.get steps. Keys live under
// packd:kv:<packID>:<key>, so one pack can never read or mutate another
// pack's entries.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/packd-io/packd/core/infra/redisutil"
)

// ErrKeyNotFound is returned by Get when the namespaced key is absent.
var ErrKeyNotFound = errors.New("kv: key not found")

// Store is the namespaced KV contract the workflow engine consumes.
type Store interface {
	Put(ctx context.Context, packID, key, value string) error
	Get(ctx context.Context, packID, key string) (string, error)
	Delete(ctx context.Context, packID, key string) error
	Keys(ctx context.Context, packID string) ([]string, error)
}

// RedisStore persists namespaced entries in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed KV store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("kv redis client: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (shared by the daemon).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the underlying client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Put stores a value under the pack's namespace.
func (s *RedisStore) Put(ctx context.Context, packID, key, value string) error {
	k, err := namespacedKey(packID, key)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, k, value, 0).Err()
}

// Get returns the value stored under the pack's namespace.
func (s *RedisStore) Get(ctx context.Context, packID, key string) (string, error) {
	k, err := namespacedKey(packID, key)
	if err != nil {
		return "", err
	}
	val, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Delete removes the namespaced key. Deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, packID, key string) error {
	k, err := namespacedKey(packID, key)
	if err != nil {
		return err
	}
	return s.client.Del(ctx, k).Err()
}

// Keys lists the keys stored for one pack, with the namespace stripped.
func (s *RedisStore) Keys(ctx context.Context, packID string) ([]string, error) {
	prefix, err := namespacedKey(packID, "")
	if err != nil {
		return nil, err
	}
	var out []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DropNamespace removes every key a pack owns. Used on pack delete.
func (s *RedisStore) DropNamespace(ctx context.Context, packID string) error {
	keys, err := s.Keys(ctx, packID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, packID, key); err != nil {
			return err
		}
	}
	return nil
}

func namespacedKey(packID, key string) (string, error) {
	packID = strings.TrimSpace(packID)
	if packID == "" {
		return "", fmt.Errorf("pack id required")
	}
	if strings.ContainsAny(packID, ": ") {
		return "", fmt.Errorf("invalid pack id: %q", packID)
	}
	return "packd:kv:" + packID + ":" + key, nil
}
