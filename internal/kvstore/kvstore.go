// Package kvstore provides the small shared-state surface the control
// plane keeps outside the relational store: short-lived deduplication keys.
package kvstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type KVStore interface {
	// SetNX sets the key only if it does not exist. Returns whether this
	// call set it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

type kvStore struct {
	client *redis.Client
}

func NewKVStore(ctx context.Context, hostname string, port uint, password string) (KVStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", hostname, port),
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to kv store: %w", err)
	}
	return &kvStore{client: client}, nil
}

func (s *kvStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *kvStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (s *kvStore) Close() error {
	return s.client.Close()
}

// memoryKVStore backs tests and single-node deployments where no Redis is
// configured.
type memoryKVStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryKVStore() KVStore {
	return &memoryKVStore{entries: make(map[string]memoryEntry)}
}

func (s *memoryKVStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.entries[key]; ok && (e.expiresAt.IsZero() || e.expiresAt.After(now)) {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: expires}
	return true, nil
}

func (s *memoryKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(time.Now()) {
		delete(s.entries, key)
		return nil, nil
	}
	return e.value, nil
}

func (s *memoryKVStore) Close() error {
	return nil
}
