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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBackend implements Backend on Azure Blob Storage.
// Single-shot block blob uploads commit atomically.
type AzureBackend struct {
	client    *azblob.Client
	container string
	prefix    string
	mu        sync.RWMutex
	closed    bool
}

// NewAzureBackend creates a new Azure Blob Storage backend.
func NewAzureBackend(cfg AzureConfig) (*AzureBackend, error) {
	if cfg.Container == "" {
		return nil, errors.New("azure container is required")
	}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.Account != "" && cfg.Key != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
		if credErr != nil {
			return nil, fmt.Errorf("create shared key credential: %w", credErr)
		}
		serviceURL := cfg.ServiceURL
		if serviceURL == "" {
			serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	default:
		return nil, errors.New("azure connection string or account and key are required")
	}
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &AzureBackend{
		client:    client,
		container: cfg.Container,
		prefix:    prefix,
	}, nil
}

func (b *AzureBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Put implements Backend.
func (b *AzureBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if _, err := b.client.UploadBuffer(ctx, b.container, b.prefix+key, data, nil); err != nil {
		return classifyAzureError(fmt.Errorf("upload %s: %w", key, err))
	}
	return nil
}

// Get implements Backend.
func (b *AzureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	resp, err := b.client.DownloadStream(ctx, b.container, b.prefix+key, nil)
	if err != nil {
		return nil, classifyAzureError(fmt.Errorf("download %s: %w", key, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, key, err)
	}
	return data, nil
}

// Delete implements Backend.
func (b *AzureBackend) Delete(ctx context.Context, key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if _, err := b.client.DeleteBlob(ctx, b.container, b.prefix+key, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return classifyAzureError(fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

// List implements Backend.
func (b *AzureBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	full := b.prefix + prefix
	keys := []string{}
	pager := b.client.NewListBlobsFlatPager(b.container, &azblob.ListBlobsFlatOptions{
		Prefix: &full,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return []string{}, nil
			}
			return nil, classifyAzureError(fmt.Errorf("list %q: %w", prefix, err))
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*item.Name, b.prefix))
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Close implements Backend.
func (b *AzureBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

// classifyAzureError maps Azure Blob errors onto the storage taxonomy.
func classifyAzureError(err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if bloberror.HasCode(err,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.AuthenticationFailed,
		bloberror.InsufficientAccountPermissions,
	) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
