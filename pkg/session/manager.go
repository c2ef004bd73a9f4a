package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/gameserver/internal/observability"
	"github.com/aixgo-dev/gameserver/pkg/checkpoint"
	"github.com/aixgo-dev/gameserver/pkg/emulator"
	"github.com/aixgo-dev/gameserver/pkg/observability"
	"github.com/aixgo-dev/gameserver/pkg/storage"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetadata sets the game metadata stored with every checkpoint.
func WithMetadata(md checkpoint.Metadata) Option {
	return func(m *Manager) {
		m.metadata = md
	}
}

// WithRetryInterval sets the initial backoff between resume retries.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.retryInterval = d
	}
}

type request struct {
	name string
	fn   func()
	done chan struct{}
}

type savedMark struct {
	episodeID string
	step      int
	id        string
}

// Manager owns one emulator and serializes all access to it.
// Manager is safe for concurrent use.
type Manager struct {
	cfg           Config
	factory       emulator.Factory
	store         CheckpointStore
	logger        zerolog.Logger
	now           func() time.Time
	metadata      checkpoint.Metadata
	retryInterval time.Duration

	requests chan *request
	loopDone chan struct{}
	saver    *saver
	cron     *cron.Cron

	started   atomic.Bool
	snapshot  atomic.Pointer[Snapshot]
	lastSaved atomic.Pointer[savedMark]

	// Owned by the game loop.
	emu          emulator.Emulator
	episodeID    string
	step         int
	state        State
	actions      []string
	observations []emulator.Observation
	rewards      []float64
	ring         []emulator.Observation
}

// NewManager creates a manager. Call Start before submitting requests.
func NewManager(factory emulator.Factory, store CheckpointStore, cfg Config, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("session: emulator factory is required")
	}
	if store == nil {
		return nil, errors.New("session: checkpoint store is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:           cfg,
		factory:       factory,
		store:         store,
		logger:        zerolog.Nop(),
		now:           time.Now,
		retryInterval: 200 * time.Millisecond,
		requests:      make(chan *request, cfg.QueueSize),
		loopDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.saver = newSaver(store, m.logger, cfg.Checkpoint.SaveTimeout, m.markSaved)
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start creates the emulator, starts the game loop and, if configured,
// resumes from a checkpoint. A failed resume leaves a fresh idle session.
func (m *Manager) Start(ctx context.Context) error {
	if m.started.Load() {
		return errors.New("session: manager already started")
	}

	emu, err := m.factory()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	m.emu = emu
	m.begin(uuid.New().String(), StateIdle)

	m.saver.start()
	go m.run()
	m.started.Store(true)

	if spec := m.cfg.Checkpoint.Schedule; spec != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(spec, m.scheduledSave); err != nil {
			return fmt.Errorf("schedule checkpoints: %w", err)
		}
		m.cron.Start()
	}

	if m.cfg.Checkpoint.AutoResume {
		id, err := m.Resume(ctx, m.cfg.Checkpoint.ResumeFrom)
		switch {
		case errors.Is(err, ErrNoCheckpoint):
			m.logger.Info().Msg("no checkpoint found, starting a fresh session")
		case err != nil:
			m.logger.Warn().Err(err).Msg("resume failed, starting a fresh session")
		default:
			m.logger.Info().Str("checkpoint_id", id).Msg("session resumed")
		}
	}
	return nil
}

// run is the game loop. It exits after a stop request.
func (m *Manager) run() {
	defer close(m.loopDone)
	for req := range m.requests {
		req.fn()
		close(req.done)
		observability.SetQueueDepth(len(m.requests))
		if m.state == StateStopped {
			return
		}
	}
}

// submit enqueues fn on the game loop and waits for it. If ctx ends first
// the caller stops waiting but fn still runs.
func (m *Manager) submit(ctx context.Context, name string, fn func()) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := &request{name: name, fn: fn, done: make(chan struct{})}
	select {
	case m.requests <- req:
	case <-m.loopDone:
		return fmt.Errorf("%w: %s", ErrTerminal, StateStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
	observability.SetQueueDepth(len(m.requests))

	select {
	case <-req.done:
		return nil
	case <-m.loopDone:
		select {
		case <-req.done:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrTerminal, StateStopped)
		}
	case <-ctx.Done():
		m.logger.Debug().Str("request", name).Msg("caller abandoned queued request")
		return ctx.Err()
	}
}

// ApplyActions validates every token, then applies them in order. An
// invalid token rejects the whole batch. An emulator fault keeps the
// applied prefix, moves the session to StateError and returns the partial
// result with an *EmulatorFaultError.
func (m *Manager) ApplyActions(ctx context.Context, tokens []string) (result *ActionsResult, err error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyActions
	}
	actions, err := emulator.ParseActions(tokens)
	if err != nil {
		var tokenErr *emulator.InvalidTokenError
		if errors.As(err, &tokenErr) {
			return nil, &InvalidActionError{Token: tokenErr.Token, Index: tokenErr.Index}
		}
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "session.apply_actions", attribute.Int("actions", len(actions)))
	defer func() { tracing.EndSpan(span, err) }()

	var res *ActionsResult
	var applyErr error
	if err := m.submit(ctx, "apply_actions", func() {
		res, applyErr = m.applyBatch(actions)
	}); err != nil {
		return nil, err
	}
	return res, applyErr
}

func (m *Manager) applyBatch(actions []emulator.Action) (*ActionsResult, error) {
	if m.state.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, m.state)
	}

	res := &ActionsResult{Results: make([]ActionResult, 0, len(actions))}
	var fault error
	for i, action := range actions {
		out, err := m.emu.Step(action)
		if err != nil {
			fault = &EmulatorFaultError{Applied: i, Token: action.Token, Err: err}
			res.Results = append(res.Results, ActionResult{Action: action.Token, Index: i, Err: err})
			m.state = StateError
			m.publish()
			break
		}
		m.record(action.Token, out)
		res.Applied++
		res.Results = append(res.Results, ActionResult{Success: true, Action: action.Token, Index: i, Step: m.step})
		m.maybeAutoSave()
	}
	res.FinalStep = m.step
	observability.RecordActions(res.Applied, len(res.Results)-res.Applied)

	if fault != nil {
		m.logger.Error().Err(fault).
			Str("episode_id", m.episodeID).
			Int("step", m.step).
			Msg("emulator fault, session halted")
	}
	return res, fault
}

// record appends one applied step to the histories and publishes it.
func (m *Manager) record(token string, out emulator.StepResult) {
	m.actions = append(m.actions, token)
	m.observations = append(m.observations, out.Observation)
	m.rewards = append(m.rewards, out.Reward)
	m.step++
	m.pushFrame(out.Observation)
	if m.state == StateIdle {
		m.state = StatePlaying
	}
	m.publish()
}

// pushFrame replaces the ring with a copy holding obs as the newest frame.
func (m *Manager) pushFrame(obs emulator.Observation) {
	n := min(len(m.ring)+1, m.cfg.RingSize)
	next := make([]emulator.Observation, 0, n)
	next = append(next, m.ring[len(m.ring)-(n-1):]...)
	m.ring = append(next, obs)
}

func (m *Manager) publish() {
	m.snapshot.Store(&Snapshot{
		EpisodeID: m.episodeID,
		Step:      m.step,
		State:     m.state,
		Ring:      m.ring,
		UpdatedAt: m.now().UTC(),
	})
	observability.SetCurrentStep(m.step)
}

// begin starts a new episode on the current emulator handle.
func (m *Manager) begin(episodeID string, state State) {
	m.episodeID = episodeID
	m.step = 0
	m.actions = nil
	m.observations = nil
	m.rewards = nil
	m.ring = nil
	m.state = state

	if obs, err := m.emu.Screenshot(); err != nil {
		m.logger.Warn().Err(err).Msg("initial screenshot failed")
	} else {
		m.pushFrame(obs)
	}
	m.publish()
	m.logger.Info().Str("episode_id", episodeID).Msg("episode started")
}

func (m *Manager) maybeAutoSave() {
	interval := m.cfg.Checkpoint.AutoSaveInterval
	if interval <= 0 || m.step%interval != 0 {
		return
	}
	m.queueSave(TriggerInterval)
}

// queueSave captures the current state and hands it to the saver without
// blocking the loop.
func (m *Manager) queueSave(trigger string) {
	job, err := m.capture(trigger)
	if err != nil {
		observability.RecordCheckpointSave(trigger, err, 0)
		m.logger.Warn().Err(err).Str("episode_id", m.episodeID).Int("step", m.step).Msg("cannot capture emulator state")
		return
	}
	if !m.saver.submit(job) {
		observability.RecordCheckpointCoalesced()
		m.logger.Debug().
			Str("episode_id", job.episodeID).
			Int("step", job.step).
			Str("trigger", trigger).
			Msg("checkpoint save coalesced")
	}
}

// capture snapshots the session for saving. History slices are shared, not
// copied: the loop only ever appends past their length.
func (m *Manager) capture(trigger string) (saveJob, error) {
	state, err := m.emu.State()
	if err != nil {
		return saveJob{}, fmt.Errorf("serialize emulator state: %w", err)
	}
	n := m.step
	return saveJob{
		episodeID: m.episodeID,
		step:      n,
		trigger:   trigger,
		payload: checkpoint.Payload{
			State:        state,
			Actions:      m.actions[:n:n],
			Observations: m.observations[:n:n],
			Rewards:      m.rewards[:n:n],
			Metadata:     m.metadata,
		},
	}, nil
}

func (m *Manager) scheduledSave() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Checkpoint.SaveTimeout)
	defer cancel()
	err := m.submit(ctx, "scheduled_save", func() {
		if m.state.Terminal() || m.step == 0 || m.savedAt(m.episodeID, m.step) {
			return
		}
		m.queueSave(TriggerSchedule)
	})
	if err != nil && !errors.Is(err, ErrTerminal) {
		m.logger.Warn().Err(err).Msg("scheduled checkpoint skipped")
	}
}

// Save writes a checkpoint of the current step and returns its id.
func (m *Manager) Save(ctx context.Context) (string, error) {
	var job saveJob
	var saved string
	var captureErr error
	if err := m.submit(ctx, "save", func() {
		if mark := m.lastSaved.Load(); mark != nil && mark.episodeID == m.episodeID && mark.step == m.step {
			saved = mark.id
			return
		}
		job, captureErr = m.capture(TriggerManual)
	}); err != nil {
		return "", err
	}
	if saved != "" {
		return saved, nil
	}
	if captureErr != nil {
		return "", captureErr
	}
	return m.saver.save(ctx, job)
}

// FlushSaves waits for queued background saves to finish.
func (m *Manager) FlushSaves(ctx context.Context) error {
	return m.saver.flush(ctx)
}

func (m *Manager) markSaved(job saveJob, id string) {
	next := &savedMark{episodeID: job.episodeID, step: job.step, id: id}
	for {
		cur := m.lastSaved.Load()
		if cur != nil && cur.episodeID == next.episodeID && cur.step > next.step {
			return
		}
		if m.lastSaved.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (m *Manager) savedAt(episodeID string, step int) bool {
	mark := m.lastSaved.Load()
	return mark != nil && mark.episodeID == episodeID && mark.step == step
}

// Reset starts a new episode at step 0. Histories are cleared; checkpoints
// of earlier episodes are kept. Reset recovers a faulted session with a
// fresh emulator handle but cannot revive a stopped one.
func (m *Manager) Reset(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, "session.reset")
	defer func() { tracing.EndSpan(span, err) }()

	var resetErr error
	if err := m.submit(ctx, "reset", func() {
		resetErr = m.reset()
	}); err != nil {
		return err
	}
	return resetErr
}

func (m *Manager) reset() error {
	if m.state == StateStopped {
		return fmt.Errorf("%w: %s", ErrTerminal, m.state)
	}
	faulted := m.state == StateError
	m.state = StateResetting
	m.publish()

	needHandle := faulted
	if !faulted {
		if err := m.emu.Reset(); err != nil {
			m.logger.Warn().Err(err).Msg("emulator reset failed, creating a new handle")
			needHandle = true
		}
	}
	if needHandle {
		if err := m.replaceEmulator(); err != nil {
			m.state = StateError
			m.publish()
			return &EmulatorFaultError{Err: err}
		}
	}
	m.begin(uuid.New().String(), StatePlaying)
	observability.RecordReset()
	return nil
}

// replaceEmulator swaps in a new handle from the factory.
func (m *Manager) replaceEmulator() error {
	fresh, err := m.factory()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	if m.emu != nil {
		if err := m.emu.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("closing emulator failed")
		}
	}
	m.emu = fresh
	return nil
}

// Resume restores the session from a checkpoint id or ResumeLatest. It
// returns ErrNoCheckpoint, leaving the session untouched, when nothing was
// ever saved. Any other failure returns *ResumeFailedError and leaves a
// fresh idle session.
func (m *Manager) Resume(ctx context.Context, target string) (id string, err error) {
	ctx, span := tracing.StartSpan(ctx, "session.resume", attribute.String("target", target))
	defer func() { tracing.EndSpan(span, err) }()

	id = target
	if target == "" || target == ResumeLatest {
		id, err = m.latestCheckpoint(ctx)
		if errors.Is(err, ErrNoCheckpoint) {
			return "", err
		}
		if err != nil {
			return "", m.resumeFailed(ctx, "", err)
		}
	}

	rec, err := retryStorage(ctx, m, func() (*checkpoint.Record, error) {
		return m.store.Load(ctx, id)
	})
	if err != nil {
		return "", m.resumeFailed(ctx, id, err)
	}

	// Resuming anything but the episode's newest checkpoint forks a new episode.
	latest, err := retryStorage(ctx, m, func() (latestResult, error) {
		id, ok, err := m.store.Latest(ctx, rec.EpisodeID)
		return latestResult{id, ok}, err
	})
	if err != nil {
		return "", m.resumeFailed(ctx, rec.ID, err)
	}
	fork := latest.ok && latest.id != rec.ID

	var restoreErr error
	if err := m.submit(ctx, "resume", func() {
		restoreErr = m.restore(rec, fork)
	}); err != nil {
		return "", err
	}
	if restoreErr != nil {
		return "", m.resumeFailed(ctx, id, restoreErr)
	}
	return rec.ID, nil
}

func (m *Manager) latestCheckpoint(ctx context.Context) (string, error) {
	episodeID := m.cfg.Checkpoint.ResumeEpisode
	if episodeID == "" {
		res, err := retryStorage(ctx, m, func() (latestResult, error) {
			ep, ok, err := m.store.LatestEpisode(ctx)
			return latestResult{ep, ok}, err
		})
		if err != nil {
			return "", err
		}
		if !res.ok {
			return "", ErrNoCheckpoint
		}
		episodeID = res.id
	}

	res, err := retryStorage(ctx, m, func() (latestResult, error) {
		id, ok, err := m.store.Latest(ctx, episodeID)
		return latestResult{id, ok}, err
	})
	if err != nil {
		return "", err
	}
	if !res.ok {
		return "", ErrNoCheckpoint
	}
	return res.id, nil
}

type latestResult struct {
	id string
	ok bool
}

// retryStorage retries op while the backend reports itself unavailable.
func retryStorage[T any](ctx context.Context, m *Manager, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInterval
	b.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !storage.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.Checkpoint.ResumeAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn().Err(err).Dur("retry_in", next).Msg("checkpoint storage unavailable")
		}),
	)
}

// restore installs rec on a fresh emulator handle. With fork set, or when
// the live session is already past rec in the same episode, the restored
// history continues under a new episode id. Runs on the game loop.
func (m *Manager) restore(rec *checkpoint.Record, fork bool) error {
	if m.state == StateStopped {
		return fmt.Errorf("%w: %s", ErrTerminal, m.state)
	}
	if len(rec.Actions) != rec.Step || len(rec.Observations) != rec.Step || len(rec.Rewards) != rec.Step {
		return fmt.Errorf("%w: history length does not match step %d", checkpoint.ErrCorrupt, rec.Step)
	}

	fresh, err := m.factory()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	if err := fresh.LoadState(rec.State); err != nil {
		_ = fresh.Close()
		return fmt.Errorf("load emulator state: %w", err)
	}
	if err := m.emu.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("closing emulator failed")
	}
	m.emu = fresh

	fork = fork || (m.episodeID == rec.EpisodeID && m.step > rec.Step)
	m.episodeID = rec.EpisodeID
	if fork {
		m.episodeID = uuid.New().String()
	}
	m.step = rec.Step
	m.actions = rec.Actions
	m.observations = rec.Observations
	m.rewards = rec.Rewards
	m.ring = nil
	for _, obs := range rec.Observations[max(0, len(rec.Observations)-m.cfg.RingSize):] {
		m.pushFrame(obs)
	}
	if len(m.ring) == 0 {
		if obs, err := m.emu.Screenshot(); err == nil {
			m.pushFrame(obs)
		}
	}
	m.state = StatePlaying
	m.publish()
	if fork {
		m.logger.Info().
			Str("checkpoint_id", rec.ID).
			Str("episode_id", m.episodeID).
			Msg("resumed into a new episode")
		return nil
	}
	m.markSaved(saveJob{episodeID: rec.EpisodeID, step: rec.Step}, rec.ID)
	return nil
}

// resumeFailed replaces the session with a fresh idle one and wraps cause.
func (m *Manager) resumeFailed(ctx context.Context, id string, cause error) error {
	resumeErr := &ResumeFailedError{CheckpointID: id, Err: cause}
	if err := m.submit(ctx, "resume_fallback", m.fallback); err != nil {
		m.logger.Warn().Err(err).Msg("could not start a fresh session after failed resume")
	}
	return resumeErr
}

func (m *Manager) fallback() {
	if m.state == StateStopped {
		return
	}
	if err := m.replaceEmulator(); err != nil {
		m.state = StateError
		m.publish()
		m.logger.Error().Err(err).Msg("no emulator available after failed resume")
		return
	}
	m.begin(uuid.New().String(), StateIdle)
}

// Stop halts the game loop, waits for background saves and writes a final
// checkpoint when steps were applied since the last save. Stop is
// idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.started.Load() {
		return nil
	}
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	var final *saveJob
	err := m.submit(ctx, "stop", func() {
		final = m.stop()
	})
	if errors.Is(err, ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.saver.close(ctx); err != nil {
		return fmt.Errorf("wait for checkpoint saves: %w", err)
	}
	if final != nil {
		if _, err := m.saver.save(ctx, *final); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
	}
	return nil
}

func (m *Manager) stop() *saveJob {
	var final *saveJob
	if m.cfg.Checkpoint.SaveOnShutdown && m.step > 0 && !m.savedAt(m.episodeID, m.step) {
		if job, err := m.capture(TriggerShutdown); err != nil {
			m.logger.Warn().Err(err).Msg("cannot capture state for final checkpoint")
		} else {
			final = &job
		}
	}
	if err := m.emu.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("closing emulator failed")
	}
	m.state = StateStopped
	m.publish()
	m.logger.Info().Str("episode_id", m.episodeID).Int("step", m.step).Msg("session stopped")
	return final
}

// Snapshot returns the latest published view of the session.
func (m *Manager) Snapshot() *Snapshot {
	if snap := m.snapshot.Load(); snap != nil {
		return snap
	}
	return &Snapshot{State: StateIdle}
}

// Status summarizes the published snapshot.
func (m *Manager) Status() Status {
	snap := m.Snapshot()
	st := Status{
		EpisodeID:       snap.EpisodeID,
		State:           snap.State,
		Step:            snap.Step,
		Running:         m.started.Load() && !snap.State.Terminal(),
		ScreenshotCount: len(snap.Ring),
	}
	if mark := m.lastSaved.Load(); mark != nil && mark.episodeID == snap.EpisodeID {
		st.LastCheckpoint = mark.id
	}
	return st
}

// Screenshots returns up to count recent frames, oldest first, along with
// the step they belong to. count is clamped to [1, MaxScreenshots]. The
// returned slice must not be modified.
func (m *Manager) Screenshots(count int) ([]emulator.Observation, int) {
	snap := m.Snapshot()
	count = max(1, min(count, MaxScreenshots))
	n := min(count, len(snap.Ring))
	return snap.Ring[len(snap.Ring)-n:], snap.Step
}
