// Package storage provides byte-oriented persistence backends for game checkpoints.
// A Backend stores opaque values under slash-separated keys; higher layers decide
// what the keys and values mean.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned when a key doesn't exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrUnavailable is returned for transient failures (network, throttling, auth refresh).
	// Callers may retry.
	ErrUnavailable = errors.New("storage: backend unavailable")
	// ErrPermissionDenied is returned when the backend rejects the caller's credentials.
	// It is never retried.
	ErrPermissionDenied = errors.New("storage: permission denied")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage: backend is closed")
	// ErrInvalidKey is returned for keys that are empty or escape the backend namespace.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Backend abstracts checkpoint persistence.
// Implementations must be safe for concurrent use and must never expose a partially
// written value under its final key.
type Backend interface {
	// Put stores data under key, replacing any existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the value stored under key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys starting with prefix in lexical order.
	// A prefix with no keys yields an empty slice, not an error.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Pinger is implemented by backends that can cheaply verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend type tags accepted in Config.Type.
const (
	TypeLocal     = "local"
	TypeS3        = "s3"
	TypeGCS       = "gcs"
	TypeAzure     = "azure"
	TypeRedis     = "redis"
	TypeSQLite    = "sqlite"
	TypeFirestore = "firestore"
)

// Types returns every backend type New understands.
func Types() []string {
	return []string{TypeLocal, TypeS3, TypeGCS, TypeAzure, TypeRedis, TypeSQLite, TypeFirestore}
}

// New creates the backend selected by cfg.Type.
// The set of backends is closed; unknown types are rejected.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	switch cfg.Type {
	case TypeLocal, "":
		return NewFileBackend(LocalPath(cfg.Root))
	case TypeS3:
		return NewS3Backend(ctx, cfg.S3)
	case TypeGCS:
		return NewGCSBackend(ctx, cfg.GCS)
	case TypeAzure:
		return NewAzureBackend(cfg.Azure)
	case TypeRedis:
		return NewRedisBackend(cfg.Redis)
	case TypeSQLite:
		return NewSQLiteBackend(cfg.SQLite.Path)
	case TypeFirestore:
		return NewFirestoreBackend(ctx, cfg.Firestore)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (available: %v)", cfg.Type, Types())
	}
}

// LocalPath strips an optional file:// scheme from a storage root.
func LocalPath(root string) string {
	return strings.TrimPrefix(root, "file://")
}

// validateKey checks that a key is non-empty, relative and free of traversal segments.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
