package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()

	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBackend_Contract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		return newTestSQLiteBackend(t)
	})
}

func TestSQLiteBackend_InMemory(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	if err := b.Put(ctx, "ep-1/1.checkpoint", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := b.Get(ctx, "ep-1/1.checkpoint"); err != nil {
		t.Errorf("Get failed: %v", err)
	}
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	if err := b.Put(ctx, "ep-1/10.checkpoint", []byte("survives")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "ep-1/10.checkpoint")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "survives" {
		t.Errorf("Get = %q, want %q", got, "survives")
	}
}

func TestSQLiteBackend_ListLikeCharacters(t *testing.T) {
	b := newTestSQLiteBackend(t)
	ctx := context.Background()

	// '%' and '_' would be wildcards under LIKE
	for _, key := range []string{"ep_1/1.checkpoint", "epX1/1.checkpoint", "ep%/1.checkpoint"} {
		if err := b.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	keys, err := b.List(ctx, "ep_1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "ep_1/1.checkpoint" {
		t.Errorf("List(ep_1/) = %v, want [ep_1/1.checkpoint]", keys)
	}
}

func TestNewSQLiteBackend_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteBackend(""); err == nil {
		t.Error("expected error for empty path")
	}
}
