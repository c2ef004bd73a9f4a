package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/gameserver/internal/observability"
	"github.com/aixgo-dev/gameserver/pkg/observability"
	"github.com/aixgo-dev/gameserver/pkg/storage"
)

// DefaultMaxCheckpoints is the per-episode retention limit.
const DefaultMaxCheckpoints = 10

// Store reads and writes checkpoints through a storage backend.
//
// Saves for one episode are serialized. Retention is per episode and evicts
// the lowest steps first, skipping any checkpoint that is currently being
// loaded. Readers see a published *Index that is swapped atomically.
type Store struct {
	backend        storage.Backend
	maxCheckpoints int
	compress       bool
	logger         zerolog.Logger
	now            func() time.Time

	mu       sync.Mutex
	episodes map[string]*episodeState
	loading  map[string]int
	evicting map[string]bool
}

type episodeState struct {
	// mu serializes writers for the episode.
	mu    sync.Mutex
	index atomic.Pointer[Index]
}

// Option configures a Store.
type Option func(*Store)

// WithMaxCheckpoints sets the per-episode retention limit. Zero keeps everything.
func WithMaxCheckpoints(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxCheckpoints = n
		}
	}
}

// WithCompression toggles gzip compression of record bodies.
func WithCompression(enabled bool) Option {
	return func(s *Store) {
		s.compress = enabled
	}
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the CreatedAt source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a checkpoint store on backend.
func NewStore(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:        backend,
		maxCheckpoints: DefaultMaxCheckpoints,
		compress:       true,
		logger:         zerolog.Nop(),
		now:            time.Now,
		episodes:       make(map[string]*episodeState),
		loading:        make(map[string]int),
		evicting:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxCheckpoints returns the retention limit.
func (s *Store) MaxCheckpoints() int {
	return s.maxCheckpoints
}

// Save writes a checkpoint for episodeID at step and applies retention.
// Checkpoints are immutable: saving an identical payload at an existing step
// returns the existing id, a different payload returns ErrExists.
func (s *Store) Save(ctx context.Context, episodeID string, step int, payload Payload) (id string, err error) {
	if err := ValidateEpisodeID(episodeID); err != nil {
		return "", err
	}
	if step < 0 {
		return "", fmt.Errorf("%w: negative step %d", ErrInvalidID, step)
	}

	ctx, span := tracing.StartSpan(ctx, "checkpoint.save",
		attribute.String("episode_id", episodeID),
		attribute.Int("step", step),
	)
	defer func() { tracing.EndSpan(span, err) }()

	es := s.episode(episodeID)
	es.mu.Lock()
	defer es.mu.Unlock()

	idx, err := s.indexLocked(ctx, episodeID, es)
	if err != nil {
		return "", err
	}

	rec := &Record{
		ID:        ID(episodeID, step),
		EpisodeID: episodeID,
		Step:      step,
		CreatedAt: s.now().UTC(),
		Payload:   payload,
	}
	data, info, err := encodeRecord(rec, s.compress)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint %s: %w", rec.ID, err)
	}

	if i := idx.find(step); i >= 0 {
		if idx.Checkpoints[i].Checksum == info.Checksum {
			return rec.ID, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}

	if err := s.backend.Put(ctx, checkpointKey(episodeID, step), data); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", rec.ID, err)
	}

	next, evicted := s.evictLocked(ctx, episodeID, idx.with(info), s.maxCheckpoints)
	s.writeIndex(ctx, next)
	es.index.Store(next)

	if len(evicted) > 0 {
		observability.RecordCheckpointEvictions(len(evicted))
	}

	s.logger.Info().
		Str("checkpoint_id", rec.ID).
		Int("size", info.Size).
		Str("checksum", shortChecksum(info.Checksum)).
		Strs("evicted", evicted).
		Msg("checkpoint saved")

	return rec.ID, nil
}

// Load reads and verifies a checkpoint. It returns ErrNotFound only when the
// key is absent from both the index and a fresh backend listing.
func (s *Store) Load(ctx context.Context, id string) (rec *Record, err error) {
	episodeID, step, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "checkpoint.load", attribute.String("checkpoint_id", id))
	defer func() {
		observability.RecordCheckpointLoad(err)
		tracing.EndSpan(span, err)
	}()

	if !s.pin(id) {
		// Retention is deleting it right now
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	defer s.unpin(id)

	key := checkpointKey(episodeID, step)
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		data, err = s.confirmMissing(ctx, episodeID, step, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	rec, _, err = decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	if rec.EpisodeID != episodeID || rec.Step != step {
		return nil, fmt.Errorf("%w: %s holds %s", ErrCorrupt, id, rec.ID)
	}

	// The listing found a checkpoint the index doesn't know about
	if idx := s.episode(episodeID).index.Load(); idx != nil && idx.find(step) < 0 {
		s.refresh(ctx, episodeID)
	}

	return rec, nil
}

// confirmMissing runs after a Get reported NotFound. A listing that still shows
// the key gets one more read; otherwise a stale index entry is healed.
func (s *Store) confirmMissing(ctx context.Context, episodeID string, step int, key string) ([]byte, error) {
	keys, err := s.backend.List(ctx, episodeID+"/")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k == key {
			return s.backend.Get(ctx, key)
		}
	}

	if idx := s.episode(episodeID).index.Load(); idx != nil && idx.find(step) >= 0 {
		s.refresh(ctx, episodeID)
	}
	return nil, ErrNotFound
}

// Latest returns the highest-step checkpoint id for an episode.
func (s *Store) Latest(ctx context.Context, episodeID string) (string, bool, error) {
	idx, err := s.index(ctx, episodeID)
	if err != nil {
		return "", false, err
	}
	if len(idx.Checkpoints) == 0 {
		return "", false, nil
	}
	return idx.Checkpoints[len(idx.Checkpoints)-1].ID, true, nil
}

// List returns the episode's checkpoints in ascending step order.
func (s *Store) List(ctx context.Context, episodeID string) ([]Info, error) {
	idx, err := s.index(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(idx.Checkpoints))
	copy(out, idx.Checkpoints)
	return out, nil
}

// Episodes returns every episode with at least one stored object.
func (s *Store) Episodes(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}

	seen := make(map[string]bool)
	for _, key := range keys {
		episodeID, rest, ok := strings.Cut(key, "/")
		if !ok || ValidateEpisodeID(episodeID) != nil {
			continue
		}
		if rest == indexName {
			seen[episodeID] = true
			continue
		}
		if _, ok := parseCheckpointKey(episodeID, key); ok {
			seen[episodeID] = true
		}
	}

	episodes := make([]string, 0, len(seen))
	for id := range seen {
		episodes = append(episodes, id)
	}
	sort.Strings(episodes)
	return episodes, nil
}

// LatestEpisode returns the episode holding the most recently created checkpoint.
func (s *Store) LatestEpisode(ctx context.Context) (string, bool, error) {
	episodes, err := s.Episodes(ctx)
	if err != nil {
		return "", false, err
	}

	var (
		best   string
		bestAt time.Time
	)
	for _, ep := range episodes {
		infos, err := s.List(ctx, ep)
		if err != nil {
			return "", false, err
		}
		if len(infos) == 0 {
			continue
		}
		at := infos[len(infos)-1].CreatedAt
		if best == "" || at.After(bestAt) {
			best, bestAt = ep, at
		}
	}
	return best, best != "", nil
}

// Delete removes one checkpoint. It fails with ErrInUse while it is being loaded.
func (s *Store) Delete(ctx context.Context, id string) error {
	episodeID, step, err := ParseID(id)
	if err != nil {
		return err
	}

	es := s.episode(episodeID)
	es.mu.Lock()
	defer es.mu.Unlock()

	idx, err := s.indexLocked(ctx, episodeID, es)
	if err != nil {
		return err
	}
	if idx.find(step) < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if !s.claimEviction(id) {
		return fmt.Errorf("%w: %s", ErrInUse, id)
	}
	err = s.backend.Delete(ctx, checkpointKey(episodeID, step))
	s.releaseEviction(id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	next := idx.without(map[int]bool{step: true})
	s.writeIndex(ctx, next)
	es.index.Store(next)

	s.logger.Info().Str("checkpoint_id", id).Msg("checkpoint deleted")
	return nil
}

// Prune applies a retention limit of keep to one episode and returns the evicted ids.
func (s *Store) Prune(ctx context.Context, episodeID string, keep int) ([]string, error) {
	if err := ValidateEpisodeID(episodeID); err != nil {
		return nil, err
	}
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	es := s.episode(episodeID)
	es.mu.Lock()
	defer es.mu.Unlock()

	idx, err := s.indexLocked(ctx, episodeID, es)
	if err != nil {
		return nil, err
	}

	next, evicted := s.evictLocked(ctx, episodeID, idx, keep)
	if len(evicted) > 0 {
		s.writeIndex(ctx, next)
		es.index.Store(next)
		observability.RecordCheckpointEvictions(len(evicted))
	}
	return evicted, nil
}

// evictLocked removes the lowest steps until at most limit remain.
// Eviction stops at the first checkpoint being loaded so that newer
// checkpoints are never removed ahead of it; the limit may be exceeded until
// a later save. Failed deletes stay indexed and are retried on the next save.
func (s *Store) evictLocked(ctx context.Context, episodeID string, idx *Index, limit int) (*Index, []string) {
	if limit <= 0 || len(idx.Checkpoints) <= limit {
		return idx, nil
	}

	excess := len(idx.Checkpoints) - limit
	drop := make(map[int]bool, excess)
	var evicted []string
	for _, info := range idx.Checkpoints[:excess] {
		if !s.claimEviction(info.ID) {
			s.logger.Debug().Str("checkpoint_id", info.ID).Msg("retention paused at checkpoint being loaded")
			break
		}
		err := s.backend.Delete(ctx, checkpointKey(episodeID, info.Step))
		s.releaseEviction(info.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("checkpoint_id", info.ID).Msg("retention delete failed")
			continue
		}
		drop[info.Step] = true
		evicted = append(evicted, info.ID)
	}

	return idx.without(drop), evicted
}

func (s *Store) episode(episodeID string) *episodeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	es, ok := s.episodes[episodeID]
	if !ok {
		es = &episodeState{}
		s.episodes[episodeID] = es
	}
	return es
}

// index returns the published index, building it on first use.
func (s *Store) index(ctx context.Context, episodeID string) (*Index, error) {
	if err := ValidateEpisodeID(episodeID); err != nil {
		return nil, err
	}

	es := s.episode(episodeID)
	if idx := es.index.Load(); idx != nil {
		return idx, nil
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	return s.indexLocked(ctx, episodeID, es)
}

func (s *Store) indexLocked(ctx context.Context, episodeID string, es *episodeState) (*Index, error) {
	if idx := es.index.Load(); idx != nil {
		return idx, nil
	}
	idx, err := s.reconcile(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	es.index.Store(idx)
	return idx, nil
}

// refresh rebuilds a published index from the listing.
func (s *Store) refresh(ctx context.Context, episodeID string) {
	es := s.episode(episodeID)
	es.mu.Lock()
	defer es.mu.Unlock()

	idx, err := s.reconcile(ctx, episodeID)
	if err != nil {
		s.logger.Warn().Err(err).Str("episode_id", episodeID).Msg("index refresh failed")
		return
	}
	es.index.Store(idx)
}

// reconcile builds an index from the backend listing, reusing metadata from the
// stored index where it agrees. The stored index is rewritten when it differs.
func (s *Store) reconcile(ctx context.Context, episodeID string) (*Index, error) {
	keys, err := s.backend.List(ctx, episodeID+"/")
	if err != nil {
		return nil, fmt.Errorf("list episode %s: %w", episodeID, err)
	}

	stored, err := s.readIndex(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	known := make(map[int]Info)
	if stored != nil {
		for _, info := range stored.Checkpoints {
			known[info.Step] = info
		}
	}

	idx := &Index{EpisodeID: episodeID, UpdatedAt: time.Now().UTC()}
	for _, key := range keys {
		step, ok := parseCheckpointKey(episodeID, key)
		if !ok {
			continue
		}
		if info, ok := known[step]; ok {
			idx.Checkpoints = append(idx.Checkpoints, info)
			continue
		}
		idx.Checkpoints = append(idx.Checkpoints, s.probe(ctx, episodeID, step))
	}
	sort.Slice(idx.Checkpoints, func(i, j int) bool {
		return idx.Checkpoints[i].Step < idx.Checkpoints[j].Step
	})

	var storedInfos []Info
	if stored != nil {
		storedInfos = stored.Checkpoints
	}
	if !sameSteps(storedInfos, idx.Checkpoints) {
		observability.RecordIndexRebuild()
		s.logger.Info().
			Str("episode_id", episodeID).
			Int("indexed", len(storedInfos)).
			Int("listed", len(idx.Checkpoints)).
			Msg("checkpoint index rebuilt from listing")
		s.writeIndex(ctx, idx)
	}

	return idx, nil
}

// probe reads a checkpoint header to recover its index entry.
func (s *Store) probe(ctx context.Context, episodeID string, step int) Info {
	info := Info{ID: ID(episodeID, step), Step: step}

	data, err := s.backend.Get(ctx, checkpointKey(episodeID, step))
	if err != nil {
		s.logger.Warn().Err(err).Str("checkpoint_id", info.ID).Msg("cannot read checkpoint during index rebuild")
		return info
	}
	env, err := decodeHeader(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("checkpoint_id", info.ID).Msg("corrupt checkpoint during index rebuild")
		info.Size = len(data)
		return info
	}
	return env.info(len(data))
}

func (s *Store) readIndex(ctx context.Context, episodeID string) (*Index, error) {
	data, err := s.backend.Get(ctx, indexKey(episodeID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", episodeID, err)
	}

	var idx Index
	if err := codecAPI.Unmarshal(data, &idx); err != nil {
		s.logger.Warn().Err(err).Str("episode_id", episodeID).Msg("discarding unreadable index")
		return nil, nil
	}
	return &idx, nil
}

// writeIndex persists idx. Failures are logged; the listing remains authoritative.
func (s *Store) writeIndex(ctx context.Context, idx *Index) {
	data, err := codecAPI.MarshalIndent(idx, "", "  ")
	if err == nil {
		err = s.backend.Put(ctx, indexKey(idx.EpisodeID), data)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("episode_id", idx.EpisodeID).Msg("failed to write checkpoint index")
	}
}

// pin marks id as being loaded. It fails if retention is deleting id.
func (s *Store) pin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicting[id] {
		return false
	}
	s.loading[id]++
	return true
}

func (s *Store) unpin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loading[id]--
	if s.loading[id] <= 0 {
		delete(s.loading, id)
	}
}

// claimEviction marks id for deletion unless a load holds it.
func (s *Store) claimEviction(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loading[id] > 0 {
		return false
	}
	s.evicting[id] = true
	return true
}

func (s *Store) releaseEviction(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.evicting, id)
}

func sameSteps(a, b []Info) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Step != b[i].Step {
			return false
		}
	}
	return true
}
