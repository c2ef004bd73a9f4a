package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/gameserver/pkg/emulator"
	"github.com/aixgo-dev/gameserver/pkg/storage"
)

func newFileBackend(t *testing.T) *storage.FileBackend {
	t.Helper()
	b, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func samplePayload(step int) Payload {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := Payload{
		State:    []byte(fmt.Sprintf("state-%d", step)),
		Metadata: Metadata{GameName: "pokemon_red", GameType: "gba", Emulator: "synthetic"},
	}
	for i := 0; i < step; i++ {
		p.Actions = append(p.Actions, "A")
		p.Observations = append(p.Observations, emulator.Observation{
			PNG:       []byte{0x89, 'P', 'N', 'G', byte(i)},
			Timestamp: ts.Add(time.Duration(i) * time.Second),
		})
		p.Rewards = append(p.Rewards, float64(i)/2)
	}
	return p
}

func steps(infos []Info) []int {
	out := make([]int, len(infos))
	for i, info := range infos {
		out[i] = info.Step
	}
	return out
}

func TestStore_RoundTripPerBackend(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.Backend{
		"local": func(t *testing.T) storage.Backend { return newFileBackend(t) },
		"sqlite": func(t *testing.T) storage.Backend {
			b, err := storage.NewSQLiteBackend(filepath.Join(t.TempDir(), "cp.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"redis": func(t *testing.T) storage.Backend {
			mr := miniredis.RunT(t)
			b := storage.NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}

	for name, newBackend := range backends {
		for _, compress := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/compress=%v", name, compress), func(t *testing.T) {
				store := NewStore(newBackend(t), WithCompression(compress))
				ctx := context.Background()
				want := samplePayload(7)

				id, err := store.Save(ctx, "ep-1", 7, want)
				require.NoError(t, err)
				assert.Equal(t, "ep-1/7", id)

				rec, err := store.Load(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, want, rec.Payload)
				assert.Equal(t, "ep-1", rec.EpisodeID)
				assert.Equal(t, 7, rec.Step)
				assert.False(t, rec.CreatedAt.IsZero())
			})
		}
	}
}

func TestStore_Layout(t *testing.T) {
	backend := newFileBackend(t)
	store := NewStore(backend)
	ctx := context.Background()

	_, err := store.Save(ctx, "ep-1", 10, samplePayload(1))
	require.NoError(t, err)

	keys, err := backend.List(ctx, "ep-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-1/10.checkpoint", "ep-1/index.json"}, keys)
}

func TestStore_Retention(t *testing.T) {
	const maxCheckpoints, extra = 3, 4

	store := NewStore(newFileBackend(t), WithMaxCheckpoints(maxCheckpoints))
	ctx := context.Background()

	for step := 1; step <= maxCheckpoints+extra; step++ {
		_, err := store.Save(ctx, "ep-1", step, samplePayload(0))
		require.NoError(t, err)
	}

	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7}, steps(infos))

	_, err = store.Load(ctx, "ep-1/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RetentionOrdersByStepNotName(t *testing.T) {
	store := NewStore(newFileBackend(t), WithMaxCheckpoints(2))
	ctx := context.Background()

	// "10" sorts before "9" lexically
	for _, step := range []int{9, 10, 11} {
		_, err := store.Save(ctx, "ep-1", step, samplePayload(0))
		require.NoError(t, err)
	}

	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, steps(infos))
}

func TestStore_RetentionIsPerEpisode(t *testing.T) {
	store := NewStore(newFileBackend(t), WithMaxCheckpoints(2))
	ctx := context.Background()

	for step := 1; step <= 4; step++ {
		_, err := store.Save(ctx, "ep-a", step, samplePayload(0))
		require.NoError(t, err)
	}
	_, err := store.Save(ctx, "ep-b", 1, samplePayload(0))
	require.NoError(t, err)

	a, err := store.List(ctx, "ep-a")
	require.NoError(t, err)
	b, err := store.List(ctx, "ep-b")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, steps(a))
	assert.Equal(t, []int{1}, steps(b))
}

func TestStore_RetentionDisabled(t *testing.T) {
	store := NewStore(newFileBackend(t), WithMaxCheckpoints(0))
	ctx := context.Background()

	for step := 1; step <= 15; step++ {
		_, err := store.Save(ctx, "ep-1", step, samplePayload(0))
		require.NoError(t, err)
	}

	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Len(t, infos, 15)
}

// gatedBackend blocks Get for one key until released.
type gatedBackend struct {
	storage.Backend
	key     string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if key == g.key {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Backend.Get(ctx, key)
}

func TestStore_RetentionSkipsInFlightLoad(t *testing.T) {
	backend := &gatedBackend{
		Backend: newFileBackend(t),
		key:     "ep-1/1.checkpoint",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := NewStore(backend, WithMaxCheckpoints(2))
	ctx := context.Background()

	for step := 1; step <= 2; step++ {
		_, err := store.Save(ctx, "ep-1", step, samplePayload(step))
		require.NoError(t, err)
	}

	type result struct {
		rec *Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := store.Load(ctx, "ep-1/1")
		done <- result{rec, err}
	}()
	<-backend.entered

	// Step 1 is oldest but pinned, so retention waits rather than evicting newer steps
	_, err := store.Save(ctx, "ep-1", 3, samplePayload(3))
	require.NoError(t, err)

	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, steps(infos))

	close(backend.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.rec.Step)

	// Once unpinned, step 1 is evicted by the next save
	_, err = store.Save(ctx, "ep-1", 4, samplePayload(4))
	require.NoError(t, err)
	infos, err = store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, steps(infos))
}

func TestStore_RetentionKeepsNewestWhenOldestPinned(t *testing.T) {
	store := NewStore(newFileBackend(t), WithMaxCheckpoints(1))
	ctx := context.Background()

	_, err := store.Save(ctx, "ep-1", 1, samplePayload(1))
	require.NoError(t, err)

	require.True(t, store.pin("ep-1/1"))
	id, err := store.Save(ctx, "ep-1", 2, samplePayload(2))
	require.NoError(t, err)

	latest, ok, err := store.Latest(ctx, "ep-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, latest)

	rec, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Step)
	store.unpin("ep-1/1")

	_, err = store.Save(ctx, "ep-1", 3, samplePayload(3))
	require.NoError(t, err)
	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, steps(infos))
}

func TestStore_IndexRebuiltWhenMissing(t *testing.T) {
	backend := newFileBackend(t)
	ctx := context.Background()

	first := NewStore(backend)
	for _, step := range []int{10, 20} {
		_, err := first.Save(ctx, "ep-1", step, samplePayload(1))
		require.NoError(t, err)
	}
	require.NoError(t, backend.Delete(ctx, "ep-1/index.json"))

	second := NewStore(backend)
	infos, err := second.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20}, steps(infos))
	assert.NotEmpty(t, infos[0].Checksum)
	assert.NotZero(t, infos[0].Size)

	// The rebuilt index was persisted
	_, err = backend.Get(ctx, "ep-1/index.json")
	assert.NoError(t, err)

	id, ok, err := second.Latest(ctx, "ep-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ep-1/20", id)
}

func TestStore_ListingWinsOverIndex(t *testing.T) {
	backend := newFileBackend(t)
	ctx := context.Background()

	first := NewStore(backend)
	for _, step := range []int{1, 2, 3} {
		_, err := first.Save(ctx, "ep-1", step, samplePayload(1))
		require.NoError(t, err)
	}

	// Index still lists step 2 after its file vanished
	require.NoError(t, backend.Delete(ctx, "ep-1/2.checkpoint"))

	second := NewStore(backend)
	infos, err := second.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, steps(infos))
}

func TestStore_LoadHealsStaleIndex(t *testing.T) {
	backend := newFileBackend(t)
	store := NewStore(backend)
	ctx := context.Background()

	for _, step := range []int{1, 2} {
		_, err := store.Save(ctx, "ep-1", step, samplePayload(1))
		require.NoError(t, err)
	}
	require.NoError(t, backend.Delete(ctx, "ep-1/2.checkpoint"))

	_, err := store.Load(ctx, "ep-1/2")
	assert.ErrorIs(t, err, ErrNotFound)

	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, steps(infos))
}

func TestStore_LoadFindsUnindexedCheckpoint(t *testing.T) {
	backend := newFileBackend(t)
	ctx := context.Background()

	writer := NewStore(backend)
	_, err := writer.Save(ctx, "ep-1", 5, samplePayload(5))
	require.NoError(t, err)

	reader := NewStore(backend)
	_, err = reader.List(ctx, "ep-1")
	require.NoError(t, err)

	// Written by another process after the reader cached its index
	_, err = writer.Save(ctx, "ep-1", 6, samplePayload(6))
	require.NoError(t, err)

	rec, err := reader.Load(ctx, "ep-1/6")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Step)

	infos, err := reader.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, steps(infos))
}

func TestStore_LoadNotFound(t *testing.T) {
	store := NewStore(newFileBackend(t))

	_, err := store.Load(context.Background(), "ep-404/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadCorrupt(t *testing.T) {
	backend := newFileBackend(t)
	store := NewStore(backend)
	ctx := context.Background()

	_, err := store.Save(ctx, "ep-1", 1, samplePayload(1))
	require.NoError(t, err)

	data, err := backend.Get(ctx, "ep-1/1.checkpoint")
	require.NoError(t, err)

	// Flip a byte inside the base64 body
	env, err := decodeHeader(data)
	require.NoError(t, err)
	env.Body[0] ^= 0xff
	tampered, err := codecAPI.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, "ep-1/1.checkpoint", tampered))

	_, err = store.Load(ctx, "ep-1/1")
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, backend.Put(ctx, "ep-1/1.checkpoint", []byte("not json")))
	_, err = store.Load(ctx, "ep-1/1")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_SaveNeverRewritesStep(t *testing.T) {
	store := NewStore(newFileBackend(t))
	ctx := context.Background()

	id, err := store.Save(ctx, "ep-1", 4, samplePayload(4))
	require.NoError(t, err)
	first, err := store.Load(ctx, id)
	require.NoError(t, err)

	// Identical payload is accepted and leaves the record alone
	again, err := store.Save(ctx, "ep-1", 4, samplePayload(4))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	changed := samplePayload(4)
	changed.State = []byte("different")
	_, err = store.Save(ctx, "ep-1", 4, changed)
	assert.ErrorIs(t, err, ErrExists)

	rec, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.State, rec.State)
	assert.Equal(t, first.CreatedAt, rec.CreatedAt)

	// A fresh store sees the existing step through the listing
	fresh := NewStore(store.backend)
	_, err = fresh.Save(ctx, "ep-1", 4, changed)
	assert.ErrorIs(t, err, ErrExists)
}

func TestStore_ConcurrentSavesSameEpisode(t *testing.T) {
	store := NewStore(newFileBackend(t), WithMaxCheckpoints(0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for step := 1; step <= 20; step++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			_, err := store.Save(ctx, "ep-1", step, samplePayload(0))
			assert.NoError(t, err)
		}(step)
	}
	wg.Wait()

	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	require.Len(t, infos, 20)
	for i, info := range infos {
		assert.Equal(t, i+1, info.Step)
	}

	// A fresh store agrees with the persisted index
	fresh := NewStore(store.backend)
	again, err := fresh.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, steps(infos), steps(again))
}

func TestStore_LatestEmpty(t *testing.T) {
	store := NewStore(newFileBackend(t))

	id, ok, err := store.Latest(context.Background(), "ep-none")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestStore_EpisodesAndLatestEpisode(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	store := NewStore(newFileBackend(t), WithClock(clock))
	ctx := context.Background()

	_, err := store.Save(ctx, "ep-b", 1, samplePayload(0))
	require.NoError(t, err)
	_, err = store.Save(ctx, "ep-a", 1, samplePayload(0))
	require.NoError(t, err)

	episodes, err := store.Episodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-a", "ep-b"}, episodes)

	latest, ok, err := store.LatestEpisode(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ep-a", latest)
}

func TestStore_DeleteAndPrune(t *testing.T) {
	store := NewStore(newFileBackend(t), WithMaxCheckpoints(0))
	ctx := context.Background()

	for step := 1; step <= 5; step++ {
		_, err := store.Save(ctx, "ep-1", step, samplePayload(0))
		require.NoError(t, err)
	}

	require.NoError(t, store.Delete(ctx, "ep-1/3"))
	assert.ErrorIs(t, store.Delete(ctx, "ep-1/3"), ErrNotFound)

	evicted, err := store.Prune(ctx, "ep-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-1/1", "ep-1/2"}, evicted)

	infos, err := store.List(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, steps(infos))

	_, err = store.Prune(ctx, "ep-1", 0)
	assert.Error(t, err)
}

func TestStore_DeleteRefusesWhileLoading(t *testing.T) {
	backend := &gatedBackend{
		Backend: newFileBackend(t),
		key:     "ep-1/1.checkpoint",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := NewStore(backend)
	ctx := context.Background()

	_, err := store.Save(ctx, "ep-1", 1, samplePayload(1))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := store.Load(ctx, "ep-1/1")
		done <- err
	}()
	<-backend.entered

	assert.ErrorIs(t, store.Delete(ctx, "ep-1/1"), ErrInUse)

	close(backend.release)
	require.NoError(t, <-done)
	assert.NoError(t, store.Delete(ctx, "ep-1/1"))
}

func TestStore_InvalidIDs(t *testing.T) {
	store := NewStore(newFileBackend(t))
	ctx := context.Background()

	_, err := store.Save(ctx, "", 1, Payload{})
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = store.Save(ctx, "a/b", 1, Payload{})
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = store.Save(ctx, "ep-1", -1, Payload{})
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = store.Load(ctx, "no-step")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStore_StorageUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	backend := storage.NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = backend.Close() })
	store := NewStore(backend)
	mr.Close()

	_, err := store.Save(context.Background(), "ep-1", 1, samplePayload(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrUnavailable), "got %v", err)
}
