package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// tmpSuffix marks in-progress writes. Keys carrying it are never listed.
const tmpSuffix = ".tmp"

// FileBackend implements Backend on the local filesystem.
// Storage layout mirrors the key space:
//
//	<root>/
//	  └── <episode-id>/
//	      ├── index.json
//	      └── <step>.checkpoint
//
// Writes go to a temporary file in the same directory which is fsynced and then
// renamed over the final path, so readers see either the old or the new value.
type FileBackend struct {
	root   string
	mu     sync.RWMutex
	closed bool
}

// NewFileBackend creates a new file-based storage backend rooted at root.
func NewFileBackend(root string) (*FileBackend, error) {
	if root == "" {
		return nil, errors.New("root directory is required")
	}

	// Ensure base directory exists
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, classifyFSError(fmt.Errorf("create root directory: %w", err), err)
	}

	return &FileBackend{root: root}, nil
}

// Root returns the directory this backend writes under.
func (f *FileBackend) Root() string {
	return f.root
}

func (f *FileBackend) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if strings.HasSuffix(key, tmpSuffix) {
		return "", fmt.Errorf("%w: %q uses reserved suffix", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, filepath.FromSlash(key)), nil
}

// Put implements Backend.
func (f *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := f.path(key)
	if err != nil {
		return err
	}

	// Directories are created lazily on first write
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return classifyFSError(fmt.Errorf("create directory: %w", err), err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return classifyFSError(fmt.Errorf("create temp file: %w", err), err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return classifyFSError(fmt.Errorf("write temp file: %w", err), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return classifyFSError(fmt.Errorf("sync temp file: %w", err), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return classifyFSError(fmt.Errorf("close temp file: %w", err), err)
	}

	// Atomic rename to final location
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return classifyFSError(fmt.Errorf("rename temp file: %w", err), err)
	}

	return nil
}

// Get implements Backend.
func (f *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := f.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - key validated to stay under root
	if err != nil {
		return nil, classifyFSError(fmt.Errorf("read %s: %w", key, err), err)
	}
	return data, nil
}

// Delete implements Backend.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := f.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFSError(fmt.Errorf("remove %s: %w", key, err), err)
	}
	return nil
}

// List implements Backend.
func (f *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	keys := []string{}
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}

		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, classifyFSError(fmt.Errorf("list %q: %w", prefix, err), err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Ping checks that the root directory is still reachable.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	if _, err := os.Stat(f.root); err != nil {
		return classifyFSError(fmt.Errorf("stat root: %w", err), err)
	}
	return nil
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// classifyFSError maps filesystem errors onto the storage taxonomy.
func classifyFSError(wrapped, cause error) error {
	switch {
	case errors.Is(cause, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, wrapped)
	case errors.Is(cause, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, wrapped)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, wrapped)
	}
}
