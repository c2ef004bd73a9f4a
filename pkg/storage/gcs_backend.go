package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend implements Backend on Google Cloud Storage.
// Object uploads become visible only when the writer is closed successfully.
type GCSBackend struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewGCSBackend creates a new GCS backend.
// Uses Application Default Credentials unless a credentials file is configured.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &GCSBackend{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		prefix: prefix,
	}, nil
}

func (b *GCSBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Put implements Backend.
func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	// Cancelling the context aborts the upload without creating the object
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.bucket.Object(b.prefix + key).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return classifyGCSError(fmt.Errorf("write %s: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return classifyGCSError(fmt.Errorf("close writer %s: %w", key, err))
	}
	return nil
}

// Get implements Backend.
func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	r, err := b.bucket.Object(b.prefix + key).NewReader(ctx)
	if err != nil {
		return nil, classifyGCSError(fmt.Errorf("open %s: %w", key, err))
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classifyGCSError(fmt.Errorf("read %s: %w", key, err))
	}
	return data, nil
}

// Delete implements Backend.
func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := b.bucket.Object(b.prefix + key).Delete(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil
		}
		return classifyGCSError(fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

// List implements Backend.
func (b *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	keys := []string{}
	it := b.bucket.Objects(ctx, &gcs.Query{Prefix: b.prefix + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGCSError(fmt.Errorf("list %q: %w", prefix, err))
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, b.prefix))
	}

	sort.Strings(keys)
	return keys, nil
}

// Ping checks that the bucket is reachable.
func (b *GCSBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, err := b.bucket.Attrs(ctx); err != nil {
		return classifyGCSError(fmt.Errorf("bucket attrs %s: %w", b.name, err))
	}
	return nil
}

// Close implements Backend.
func (b *GCSBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// classifyGCSError maps GCS errors onto the storage taxonomy.
func classifyGCSError(err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
