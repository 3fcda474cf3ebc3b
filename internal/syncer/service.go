// Package syncer runs the polling reconciliation loop that keeps the
// accepted manifest in step with the remote.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/clock"
	"github.com/starford/gallery/internal/diff"
	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/remote"
)

// ErrStopped is returned by Trigger once the loop has exited.
var ErrStopped = errors.New("sync service stopped")

// State is the loop's current phase.
type State string

const (
	StateIdle     State = "idle"
	StateChecking State = "checking"
	StateApplying State = "applying"
	StateRetrying State = "retrying"
	StateStopped  State = "stopped"
)

// Config controls polling and retry.
type Config struct {
	Interval      time.Duration
	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Store persists accepted snapshots and the run history.
type Store interface {
	SaveSnapshot(ctx context.Context, version string, m *models.Manifest) error
	LoadSnapshot(ctx context.Context) (string, *models.Manifest, error)
	RecordRun(ctx context.Context, run models.SyncRun) error
}

// Result is the outcome of one cycle, handed to every waiter coalesced into it.
type Result struct {
	Trigger      events.Trigger    `json:"type"`
	TriggeredBy  []string          `json:"triggeredBy,omitempty"`
	HasUpdate    bool              `json:"hasUpdate"`
	OldVersion   string            `json:"oldVersion,omitempty"`
	NewVersion   string            `json:"newVersion,omitempty"`
	Delta        *models.SyncDelta `json:"diff,omitempty"`
	TotalImages  int               `json:"totalImages"`
	ResponseTime time.Duration     `json:"-"`
	Err          error             `json:"-"`
}

// Status is an immutable snapshot of the loop, safe to read from any goroutine.
type Status struct {
	State          State      `json:"state"`
	IsRunning      bool       `json:"isRunning"`
	CurrentVersion string     `json:"currentVersion,omitempty"`
	LastSyncTime   *time.Time `json:"lastSyncTime,omitempty"`
	RetryCount     int        `json:"retryCount"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	TotalImages    int        `json:"totalImages"`
	Config         ConfigView `json:"config"`
	Stats          Stats      `json:"stats"`
}

// ConfigView is the JSON form of Config.
type ConfigView struct {
	CheckInterval string `json:"checkInterval"`
	MaxRetries    int    `json:"maxRetries"`
	RetryBase     string `json:"retryBase"`
	Timeout       string `json:"timeout"`
}

type request struct {
	trigger events.Trigger
	by      string
	reply   chan Result
}

// Service is the sync coordinator. A single goroutine (Run) owns the
// accepted manifest, the version marker and the retry counter; everything
// else reaches it through the request channel or reads published snapshots.
type Service struct {
	cfg    Config
	remote remote.Remote
	store  Store
	pub    events.Publisher
	clock  clock.Clock
	logger *slog.Logger

	requests chan request
	done     chan struct{}
	started  atomic.Bool
	status   atomic.Pointer[Status]
	current  atomic.Pointer[models.Manifest]

	// Loop-owned state.
	state      State
	accepted   *models.Manifest
	version    string
	retryCount int
	retryDelay time.Duration
	nextRetry  time.Time
	lastSync   time.Time
	stats      stats
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the time source for event timestamps and durations.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithStore persists snapshots and history. Without it state is memory-only.
func WithStore(st Store) Option {
	return func(s *Service) { s.store = st }
}

// New creates a stopped Service. Call Run to start the loop.
func New(cfg Config, r remote.Remote, pub events.Publisher, logger *slog.Logger, opts ...Option) *Service {
	cfg.defaults()
	if pub == nil {
		pub = events.Discard{}
	}
	s := &Service{
		cfg:      cfg,
		remote:   r,
		pub:      pub,
		clock:    clock.Real{},
		logger:   logger,
		requests: make(chan request, 64),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.publishStatus()
	return s
}

// Status returns the latest published snapshot.
func (s *Service) Status() Status {
	return *s.status.Load()
}

// Manifest returns the last accepted manifest, nil before the first success.
func (s *Service) Manifest() *models.Manifest {
	return s.current.Load()
}

// Trigger asks for a cycle and waits for its result. Requests that queue
// while a cycle runs are coalesced into the next one.
func (s *Service) Trigger(ctx context.Context, trigger events.Trigger, by string) (Result, error) {
	reply := make(chan Result, 1)
	select {
	case s.requests <- request{trigger: trigger, by: by, reply: reply}:
	case <-s.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-s.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// TriggerAsync requests a cycle without waiting for it.
func (s *Service) TriggerAsync(trigger events.Trigger, by string) {
	select {
	case s.requests <- request{trigger: trigger, by: by}:
	case <-s.done:
	default:
		// Queue full: a cycle is already pending and will cover this request.
		s.logger.Debug("sync: request coalesced", slog.String("trigger", string(trigger)))
	}
}

// Run executes the loop until ctx is done. It performs one cycle immediately.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("sync: already running")
	}
	defer close(s.done)

	s.restore(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	var retryTimer *time.Timer
	var retryC <-chan time.Time
	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer, retryC = nil, nil
		}
	}
	defer stopRetry()

	s.logger.Info("sync: started",
		slog.String("interval", s.cfg.Interval.String()),
		slog.Int("max_retries", s.cfg.MaxRetries))

	pending := []request{{trigger: events.TriggerAuto}}
	for {
		if len(pending) > 0 {
			pending = s.drain(pending)
			res := s.cycle(ctx, pending)
			for _, req := range pending {
				if req.reply != nil {
					req.reply <- res
				}
			}
			pending = nil
			if ctx.Err() != nil {
				continue
			}
			stopRetry()
			if s.retryDelay > 0 {
				retryTimer = time.NewTimer(s.retryDelay)
				retryC = retryTimer.C
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.state = StateStopped
			s.publishStatus()
			s.logger.Info("sync: stopped")
			return nil
		case <-ticker.C:
			if retryC != nil {
				s.logger.Debug("sync: tick skipped while retry pending")
				continue
			}
			pending = append(pending, request{trigger: events.TriggerAuto})
		case <-retryC:
			retryTimer, retryC = nil, nil
			pending = append(pending, request{trigger: events.TriggerRetry})
		case req := <-s.requests:
			pending = append(pending, req)
		}
	}
}

// drain pulls every queued request into the batch without blocking.
func (s *Service) drain(batch []request) []request {
	for {
		select {
		case req := <-s.requests:
			batch = append(batch, req)
		default:
			return batch
		}
	}
}

// batchTag picks the trigger reported for a coalesced batch: manual wins,
// then webhook and watch, then whatever came first.
func batchTag(batch []request) (events.Trigger, []string) {
	trig := batch[0].trigger
	rank := map[events.Trigger]int{
		events.TriggerManual:  4,
		events.TriggerWebhook: 3,
		events.TriggerWatch:   2,
		events.TriggerRetry:   1,
	}
	var by []string
	seen := make(map[string]bool)
	for _, req := range batch {
		if rank[req.trigger] > rank[trig] {
			trig = req.trigger
		}
		if req.by != "" && !seen[req.by] {
			seen[req.by] = true
			by = append(by, req.by)
		}
	}
	return trig, by
}

func (s *Service) cycle(ctx context.Context, batch []request) Result {
	trig, by := batchTag(batch)
	start := s.clock.Now()
	meta := func() events.Meta {
		return events.Meta{Type: trig, Timestamp: s.clock.Now(), TriggeredBy: by}
	}
	res := Result{Trigger: trig, TriggeredBy: by, OldVersion: s.version}

	s.setState(StateChecking)
	s.pub.Publish(events.Event{Kind: events.SyncStart, Data: events.SyncStartData{Meta: meta(), Version: s.version}})

	version, err := s.latestVersion(ctx)
	if err != nil {
		return s.fail(ctx, res, start, meta, fmt.Errorf("check version: %w", err))
	}
	if version == s.version && s.accepted != nil {
		rt := s.clock.Now().Sub(start)
		s.succeed(rt)
		res.NewVersion, res.TotalImages, res.ResponseTime = version, s.accepted.Count, rt
		s.pub.Publish(events.Event{Kind: events.SyncComplete, Data: events.SyncCompleteData{
			Meta: meta(), HasUpdate: false, ResponseTime: rt.Milliseconds(),
		}})
		s.record(ctx, res, start, models.OutcomeNoChange)
		s.logger.Debug("sync: no change", slog.String("version", version))
		return res
	}

	s.setState(StateApplying)
	s.pub.Publish(events.Event{Kind: events.SyncProgress, Data: events.SyncProgressData{
		Meta: meta(), Stage: "fetching_manifest", Version: version,
	}})
	m, err := s.fetchManifest(ctx)
	if err != nil {
		return s.fail(ctx, res, start, meta, fmt.Errorf("fetch manifest: %w", err))
	}

	delta := diff.Compute(s.accepted, m)
	if s.store != nil {
		if err := s.store.SaveSnapshot(ctx, version, m); err != nil {
			return s.fail(ctx, res, start, meta, fmt.Errorf("save snapshot: %w: %w", apperr.ErrTransient, err))
		}
	}

	// The cycle fully succeeded; only now move the accepted pointer.
	s.accepted, s.version = m, version
	s.current.Store(m)
	rt := s.clock.Now().Sub(start)
	s.succeed(rt)

	res.HasUpdate, res.NewVersion, res.Delta, res.TotalImages, res.ResponseTime = true, version, &delta, m.Count, rt
	summary := m.Summary()
	s.pub.Publish(events.Event{Kind: events.SyncComplete, Data: events.SyncCompleteData{
		Meta:         meta(),
		HasUpdate:    true,
		OldVersion:   res.OldVersion,
		NewVersion:   version,
		Diff:         &delta,
		Metadata:     &summary,
		ResponseTime: rt.Milliseconds(),
	}})
	if len(delta.Added) > 0 {
		s.pub.Publish(events.Event{Kind: events.NewImages, Data: events.NewImagesData{
			Meta: meta(), Count: len(delta.Added), Images: delta.Added, TotalImages: m.Count,
		}})
	}
	s.record(ctx, res, start, models.OutcomeUpdated)
	s.logger.Info("sync: applied",
		slog.String("trigger", string(trig)),
		slog.String("version", version),
		slog.Int("added", len(delta.Added)),
		slog.Int("updated", len(delta.Updated)),
		slog.Int("deleted", len(delta.Deleted)))
	return res
}

func (s *Service) latestVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.remote.LatestVersion(ctx)
}

func (s *Service) fetchManifest(ctx context.Context) (*models.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	m, err := s.remote.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) succeed(rt time.Duration) {
	s.stats.success(rt)
	s.lastSync = s.clock.Now()
	s.retryCount, s.retryDelay = 0, 0
	s.nextRetry = time.Time{}
	s.setState(StateIdle)
}

// fail classifies err, emits sync_error and schedules the next attempt when
// the error is retryable.
// A shutdown in the middle of a cycle abandons it silently.
func (s *Service) fail(ctx context.Context, res Result, start time.Time, meta func() events.Meta, err error) Result {
	res.Err, res.ResponseTime = err, s.clock.Now().Sub(start)
	if ctx.Err() != nil {
		s.logger.Info("sync: cycle abandoned on shutdown")
		return res
	}

	s.stats.failure(err, s.clock.Now())
	s.retryCount++
	willRetry := apperr.Retryable(err) && s.retryCount < s.cfg.MaxRetries
	data := events.SyncErrorData{
		Meta:       meta(),
		Error:      err.Error(),
		Kind:       apperr.Kind(err),
		RetryCount: s.retryCount,
		MaxRetries: s.cfg.MaxRetries,
		WillRetry:  willRetry,
	}
	if willRetry {
		s.retryDelay = Backoff(s.cfg.RetryBase, s.cfg.RetryMaxDelay, s.retryCount)
		s.nextRetry = s.clock.Now().Add(s.retryDelay)
		data.NextRetryIn = s.retryDelay.Milliseconds()
		s.state = StateRetrying
	} else {
		s.retryCount, s.retryDelay = 0, 0
		s.nextRetry = time.Time{}
		s.state = StateIdle
	}
	s.publishStatus()
	s.pub.Publish(events.Event{Kind: events.SyncError, Data: data})
	s.record(ctx, res, start, models.OutcomeFailed)
	s.logger.Warn("sync: failed",
		slog.String("trigger", string(res.Trigger)),
		slog.String("error", err.Error()),
		slog.Int("retry_count", data.RetryCount),
		slog.Bool("will_retry", willRetry))
	return res
}

// Backoff returns base*2^attempt, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for range attempt {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}

func (s *Service) restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	version, m, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("sync: restore snapshot failed", slog.String("error", err.Error()))
		}
		return
	}
	s.accepted, s.version = m, version
	s.current.Store(m)
	s.publishStatus()
	s.logger.Info("sync: restored snapshot", slog.String("version", version), slog.Int("images", m.Count))
}

func (s *Service) record(ctx context.Context, res Result, start time.Time, outcome string) {
	if s.store == nil {
		return
	}
	run := models.SyncRun{
		Trigger:     string(res.Trigger),
		TriggeredBy: res.TriggeredBy,
		StartedAt:   start,
		DurationMS:  res.ResponseTime.Milliseconds(),
		Outcome:     outcome,
		OldVersion:  res.OldVersion,
		NewVersion:  res.NewVersion,
	}
	if res.Delta != nil {
		run.Added, run.Updated, run.Deleted = len(res.Delta.Added), len(res.Delta.Updated), len(res.Delta.Deleted)
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	if err := s.store.RecordRun(ctx, run); err != nil {
		s.logger.Warn("sync: record run failed", slog.String("error", err.Error()))
	}
}

func (s *Service) setState(st State) {
	s.state = st
	s.publishStatus()
}

func (s *Service) publishStatus() {
	st := &Status{
		State:          s.state,
		IsRunning:      s.started.Load() && s.state != StateStopped,
		CurrentVersion: s.version,
		RetryCount:     s.retryCount,
		Config: ConfigView{
			CheckInterval: s.cfg.Interval.String(),
			MaxRetries:    s.cfg.MaxRetries,
			RetryBase:     s.cfg.RetryBase.String(),
			Timeout:       s.cfg.Timeout.String(),
		},
		Stats: s.stats.snapshot(),
	}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		st.LastSyncTime = &t
	}
	if !s.nextRetry.IsZero() {
		t := s.nextRetry
		st.NextRetryAt = &t
	}
	if s.accepted != nil {
		st.TotalImages = s.accepted.Count
	}
	s.status.Store(st)
}
