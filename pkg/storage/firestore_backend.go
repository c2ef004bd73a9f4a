package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreMaxValue is the largest value that fits in one document
// alongside its key and timestamp. Firestore caps documents at 1 MiB.
const firestoreMaxValue = 1<<20 - 4096

// FirestoreBackend implements Backend on Google Cloud Firestore.
// Each key is one document holding the key and its bytes. Single-document
// writes are atomic.
//
// Important Notes:
//   - Values must stay under the 1 MiB document limit
//   - Document IDs are hashes of the key since keys contain '/'
type FirestoreBackend struct {
	client  *firestore.Client
	collRef *firestore.CollectionRef
	mu      sync.RWMutex
	closed  bool
}

type firestoreObject struct {
	Key       string    `firestore:"key"`
	Data      []byte    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreBackend creates a new Firestore backend.
// Uses Application Default Credentials unless a credentials file is configured.
// FIRESTORE_EMULATOR_HOST is honored by the client library.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "gameserver_checkpoints"
	}

	return &FirestoreBackend{
		client:  client,
		collRef: client.Collection(collection),
	}, nil
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func docID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Put implements Backend.
func (b *FirestoreBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if len(data) > firestoreMaxValue {
		return fmt.Errorf("put %s: value of %d bytes exceeds firestore document limit", key, len(data))
	}

	_, err := b.collRef.Doc(docID(key)).Set(ctx, firestoreObject{
		Key:       key,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return classifyFirestoreError(fmt.Errorf("set %s: %w", key, err))
	}
	return nil
}

// Get implements Backend.
func (b *FirestoreBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	snap, err := b.collRef.Doc(docID(key)).Get(ctx)
	if err != nil {
		return nil, classifyFirestoreError(fmt.Errorf("get %s: %w", key, err))
	}

	var obj firestoreObject
	if err := snap.DataTo(&obj); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return obj.Data, nil
}

// Delete implements Backend.
func (b *FirestoreBackend) Delete(ctx context.Context, key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	// Firestore deletes of missing documents succeed
	if _, err := b.collRef.Doc(docID(key)).Delete(ctx); err != nil {
		return classifyFirestoreError(fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}

// List implements Backend.
func (b *FirestoreBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	q := b.collRef.Select("key").OrderBy("key", firestore.Asc)
	if prefix != "" {
		q = q.Where("key", ">=", prefix).Where("key", "<", prefix+"\uf8ff")
	}

	keys := []string{}
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyFirestoreError(fmt.Errorf("list %q: %w", prefix, err))
		}
		key, ok := doc.Data()["key"].(string)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Ping issues a cheap single-document query.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	iter := b.collRef.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return classifyFirestoreError(err)
	}
	return nil
}

// Close implements Backend.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// classifyFirestoreError maps gRPC status codes onto the storage taxonomy.
func classifyFirestoreError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
