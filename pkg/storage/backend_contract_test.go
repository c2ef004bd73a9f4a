package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// runBackendContract exercises the behavior every Backend must share.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		want := []byte{0x00, 0x01, 0xfe, 0xff, 'g', 'b', 'a'}
		if err := b.Put(ctx, "ep-1/10.checkpoint", want); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := b.Get(ctx, "ep-1/10.checkpoint")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Get = %v, want %v", got, want)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		if err := b.Put(ctx, "ep-1/index.json", []byte("old")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := b.Put(ctx, "ep-1/index.json", []byte("new")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := b.Get(ctx, "ep-1/index.json")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "new" {
			t.Errorf("Get = %q, want %q", got, "new")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)

		_, err := b.Get(context.Background(), "ep-missing/1.checkpoint")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		if err := b.Put(ctx, "ep-1/5.checkpoint", []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := b.Delete(ctx, "ep-1/5.checkpoint"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := b.Delete(ctx, "ep-1/5.checkpoint"); err != nil {
			t.Errorf("second Delete returned %v, want nil", err)
		}
		if _, err := b.Get(ctx, "ep-1/5.checkpoint"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, key := range []string{
			"ep-2/30.checkpoint",
			"ep-1/20.checkpoint",
			"ep-1/10.checkpoint",
			"ep-10/5.checkpoint",
		} {
			if err := b.Put(ctx, key, []byte(key)); err != nil {
				t.Fatalf("Put(%s) failed: %v", key, err)
			}
		}

		keys, err := b.List(ctx, "ep-1/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"ep-1/10.checkpoint", "ep-1/20.checkpoint"}
		if fmt.Sprint(keys) != fmt.Sprint(want) {
			t.Errorf("List(ep-1/) = %v, want %v", keys, want)
		}

		all, err := b.List(ctx, "")
		if err != nil {
			t.Fatalf("List all failed: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("List(\"\") returned %d keys, want 4: %v", len(all), all)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		b := newBackend(t)

		keys, err := b.List(context.Background(), "nobody/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if keys == nil || len(keys) != 0 {
			t.Errorf("List = %#v, want empty non-nil slice", keys)
		}
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, key := range []string{"", "/abs", "../escape", "ep/../../x", `ep\1`, "ep//1"} {
			if err := b.Put(ctx, key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Put(%q) = %v, want ErrInvalidKey", key, err)
			}
		}
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("ep-c/%d.checkpoint", i)
				if err := b.Put(ctx, key, []byte(key)); err != nil {
					t.Errorf("Put(%s) failed: %v", key, err)
				}
			}(i)
		}
		wg.Wait()

		keys, err := b.List(ctx, "ep-c/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 8 {
			t.Errorf("List returned %d keys, want 8", len(keys))
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		ctx := context.Background()
		if err := b.Put(ctx, "ep-1/1.checkpoint", []byte("x")); !errors.Is(err, ErrStorageClosed) {
			t.Errorf("Put after close = %v, want ErrStorageClosed", err)
		}
		if _, err := b.Get(ctx, "ep-1/1.checkpoint"); !errors.Is(err, ErrStorageClosed) {
			t.Errorf("Get after close = %v, want ErrStorageClosed", err)
		}
		if _, err := b.List(ctx, ""); !errors.Is(err, ErrStorageClosed) {
			t.Errorf("List after close = %v, want ErrStorageClosed", err)
		}
	})
}
