package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryStore keeps alert records in process
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, symbol string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[symbol]
	return rec, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, symbol string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[symbol] = rec
	return nil
}

// RedisStore shares alert records between engine processes
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore creates a Redis-backed store. Records expire after ttl; zero keeps them.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "bist:alert:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, timeout: 2 * time.Second}
}

func (s *RedisStore) key(symbol string) string {
	return s.prefix + symbol
}

func (s *RedisStore) Get(ctx context.Context, symbol string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	val, err := s.client.Get(ctx, s.key(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to get alert record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode alert record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, symbol string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode alert record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(symbol), string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set alert record: %w", err)
	}
	return nil
}
