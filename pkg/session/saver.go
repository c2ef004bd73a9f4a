package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/gameserver/internal/observability"
	"github.com/aixgo-dev/gameserver/pkg/checkpoint"
	"github.com/aixgo-dev/gameserver/pkg/observability"
)

// CheckpointStore is the part of checkpoint.Store the manager needs.
type CheckpointStore interface {
	Save(ctx context.Context, episodeID string, step int, payload checkpoint.Payload) (string, error)
	Load(ctx context.Context, id string) (*checkpoint.Record, error)
	Latest(ctx context.Context, episodeID string) (string, bool, error)
	LatestEpisode(ctx context.Context) (string, bool, error)
}

// Save triggers, used as metric labels.
const (
	TriggerInterval = "interval"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerShutdown = "shutdown"
)

type saveJob struct {
	episodeID string
	step      int
	payload   checkpoint.Payload
	trigger   string
}

// saver writes checkpoints off the game loop. At most one background save
// per episode is queued or running; further triggers for that episode are
// dropped until it finishes.
type saver struct {
	store   CheckpointStore
	logger  zerolog.Logger
	timeout time.Duration
	onSaved func(job saveJob, id string)

	jobs chan saveJob
	done chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
	pending  int
	closed   bool
}

func newSaver(store CheckpointStore, logger zerolog.Logger, timeout time.Duration, onSaved func(saveJob, string)) *saver {
	return &saver{
		store:    store,
		logger:   logger,
		timeout:  timeout,
		onSaved:  onSaved,
		jobs:     make(chan saveJob, 16),
		done:     make(chan struct{}),
		inFlight: make(map[string]bool),
	}
}

func (s *saver) start() {
	go s.run()
}

func (s *saver) run() {
	defer close(s.done)
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		_, _ = s.save(ctx, job)
		cancel()

		s.mu.Lock()
		delete(s.inFlight, job.episodeID)
		s.pending--
		s.mu.Unlock()
	}
}

// submit queues job without blocking. It returns false if the job was
// coalesced into a save already in flight for the episode.
func (s *saver) submit(job saveJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.inFlight[job.episodeID] {
		return false
	}
	select {
	case s.jobs <- job:
		s.inFlight[job.episodeID] = true
		s.pending++
		return true
	default:
		return false
	}
}

// save writes job synchronously. Per-episode ordering with background
// saves is enforced by the store.
func (s *saver) save(ctx context.Context, job saveJob) (id string, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.save",
		attribute.String("episode_id", job.episodeID),
		attribute.Int("step", job.step),
		attribute.String("trigger", job.trigger))
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	id, err = s.store.Save(ctx, job.episodeID, job.step, job.payload)
	observability.RecordCheckpointSave(job.trigger, err, time.Since(start))
	if err != nil {
		s.logger.Warn().Err(err).
			Str("episode_id", job.episodeID).
			Int("step", job.step).
			Str("trigger", job.trigger).
			Msg("checkpoint save failed")
		return "", err
	}

	if s.onSaved != nil {
		s.onSaved(job, id)
	}
	return id, nil
}

// flush waits until no background saves are queued or running.
func (s *saver) flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		n := s.pending
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// close stops accepting jobs and waits for queued ones to finish.
func (s *saver) close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
