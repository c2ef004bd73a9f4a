package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using Redis.
// It provides shared checkpoint storage suitable for multi-node deployments.
// SET is atomic, so readers never observe a partial value.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, classifyRedisError(fmt.Errorf("redis ping failed: %w", err))
	}

	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "gameserver:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Put implements Backend.
func (b *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := b.client.Set(ctx, b.prefix+key, data, 0).Err(); err != nil {
		return classifyRedisError(fmt.Errorf("set %s: %w", key, err))
	}
	return nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		return nil, classifyRedisError(fmt.Errorf("get %s: %w", key, err))
	}
	return data, nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return classifyRedisError(fmt.Errorf("del %s: %w", key, err))
	}
	return nil
}

// List implements Backend.
// SCAN is used instead of KEYS so large keyspaces don't block the server.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	keys := []string{}
	iter := b.client.Scan(ctx, 0, escapeGlob(b.prefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, classifyRedisError(fmt.Errorf("scan %q: %w", prefix, err))
	}

	sort.Strings(keys)
	return keys, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// escapeGlob escapes characters that SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// classifyRedisError maps Redis errors onto the storage taxonomy.
func classifyRedisError(err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") || strings.Contains(msg, "NOPERM") {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
