package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/testutil"
)

var gen = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func startService(t *testing.T, cfg Config, r *testutil.FakeRemote, opts ...Option) (*Service, *testutil.Recorder) {
	t.Helper()
	rec := &testutil.Recorder{}
	svc := New(cfg, r, rec, testutil.Logger(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, rec
}

func waitIdle(t *testing.T, svc *Service, totalSyncs int) {
	t.Helper()
	testutil.Eventually(t, 3*time.Second, 5*time.Millisecond, func() bool {
		st := svc.Status()
		return st.Stats.TotalSyncs >= totalSyncs && st.State != StateChecking && st.State != StateApplying
	}, fmt.Sprintf("service did not finish %d syncs", totalSyncs))
}

func TestFirstCycleAnnouncesEverything(t *testing.T) {
	a := testutil.Image("a", "a.jpg", gen)
	b := testutil.Image("b", "b.jpg", gen.Add(-time.Hour))
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen, a, b))
	svc, rec := startService(t, Config{Interval: time.Hour}, r)
	waitIdle(t, svc, 1)

	ev, ok := rec.Last(events.NewImages)
	if !ok {
		t.Fatal("expected new_images")
	}
	data := ev.Data.(events.NewImagesData)
	if data.Count != 2 || data.TotalImages != 2 || data.Type != events.TriggerAuto {
		t.Errorf("new_images = %+v", data)
	}
	done, _ := rec.Last(events.SyncComplete)
	cd := done.Data.(events.SyncCompleteData)
	if !cd.HasUpdate || cd.NewVersion != "v1" || cd.Diff == nil || len(cd.Diff.Added) != 2 || cd.Metadata.TotalImages != 2 {
		t.Errorf("sync_complete = %+v", cd)
	}
	if svc.Manifest() == nil || svc.Status().CurrentVersion != "v1" {
		t.Error("accepted manifest not published")
	}
}

func TestUnchangedRemoteIsIdempotent(t *testing.T) {
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen, testutil.Image("a", "a.jpg", gen)))
	svc, rec := startService(t, Config{Interval: time.Hour}, r)
	waitIdle(t, svc, 1)

	for range 2 {
		res, err := svc.Trigger(context.Background(), events.TriggerManual, "")
		if err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		if res.HasUpdate {
			t.Error("unchanged remote reported hasUpdate")
		}
	}
	if n := rec.Count(events.NewImages); n != 1 {
		t.Errorf("new_images emitted %d times, want 1", n)
	}
	var noUpdates int
	for _, e := range rec.Events() {
		if e.Kind == events.SyncComplete && !e.Data.(events.SyncCompleteData).HasUpdate {
			noUpdates++
		}
	}
	if noUpdates != 2 {
		t.Errorf("hasUpdate:false completions = %d, want 2", noUpdates)
	}
}

func TestChangeProducesDelta(t *testing.T) {
	x1 := testutil.Image("h1", "a.jpg", gen)
	x2 := testutil.Image("h2", "b.jpg", gen.Add(time.Minute))
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen, x1))
	svc, rec := startService(t, Config{Interval: time.Hour}, r)
	waitIdle(t, svc, 1)

	r.Set("v2", testutil.Manifest(gen.Add(time.Minute), x2, x1))
	res, err := svc.Trigger(context.Background(), events.TriggerManual, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasUpdate || res.OldVersion != "v1" || res.NewVersion != "v2" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Delta.Added) != 1 || res.Delta.Added[0].ID != x2.ID || len(res.Delta.Updated) != 0 || len(res.Delta.Deleted) != 0 {
		t.Errorf("delta = %+v", res.Delta)
	}
	ev, _ := rec.Last(events.NewImages)
	data := ev.Data.(events.NewImagesData)
	if data.Type != events.TriggerManual || len(data.TriggeredBy) != 1 || data.TriggeredBy[0] != "conn-1" {
		t.Errorf("new_images tag = %+v", data.Meta)
	}
}

func TestRetryBackoffThenGiveUp(t *testing.T) {
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen))
	boom := fmt.Errorf("github: %w", apperr.ErrTransient)
	r.FailNext(boom, boom, boom)

	base := 40 * time.Millisecond
	interval := 600 * time.Millisecond
	svc, rec := startService(t, Config{Interval: interval, MaxRetries: 3, RetryBase: base, RetryMaxDelay: time.Second}, r)

	testutil.Eventually(t, 3*time.Second, 5*time.Millisecond, func() bool {
		return rec.Count(events.SyncError) == 3
	}, "expected three sync_error events")

	calls := r.Calls()
	if len(calls) < 3 {
		t.Fatalf("calls = %d", len(calls))
	}
	for n := 1; n <= 2; n++ {
		gap := calls[n].Sub(calls[n-1])
		want := base * time.Duration(1<<n)
		if gap < want-10*time.Millisecond || gap > want+150*time.Millisecond {
			t.Errorf("gap after attempt %d = %v, want ~%v", n, gap, want)
		}
	}

	ev, _ := rec.Last(events.SyncError)
	last := ev.Data.(events.SyncErrorData)
	if last.WillRetry || last.RetryCount != 3 || last.MaxRetries != 3 {
		t.Errorf("final sync_error = %+v", last)
	}
	if st := svc.Status(); st.RetryCount != 0 || st.State != StateIdle {
		t.Errorf("after give-up status = %+v", st)
	}

	// Polling resumes on the next tick and succeeds.
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		return svc.Status().Stats.SuccessfulSyncs == 1
	}, "polling did not resume after giving up")
	if n := len(r.Calls()); n != 4 {
		t.Errorf("remote called %d times, want 4 (3 failures + tick)", n)
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen))
	r.FailNext(fmt.Errorf("commit: %w", apperr.ErrUnauthorized))
	svc, rec := startService(t, Config{Interval: time.Hour, RetryBase: 10 * time.Millisecond}, r)
	waitIdle(t, svc, 1)

	time.Sleep(100 * time.Millisecond)
	if n := len(r.Calls()); n != 1 {
		t.Errorf("remote called %d times, want 1", n)
	}
	ev, _ := rec.Last(events.SyncError)
	data := ev.Data.(events.SyncErrorData)
	if data.WillRetry || data.Kind != "unauthorized" {
		t.Errorf("sync_error = %+v", data)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen))
	r.FailNext(fmt.Errorf("manifest: %w", apperr.ErrNotFound))
	svc, rec := startService(t, Config{Interval: time.Hour, RetryBase: 10 * time.Millisecond}, r)
	waitIdle(t, svc, 1)

	time.Sleep(100 * time.Millisecond)
	if n := len(r.Calls()); n != 1 {
		t.Errorf("remote called %d times, want 1", n)
	}
	ev, _ := rec.Last(events.SyncError)
	data := ev.Data.(events.SyncErrorData)
	if data.WillRetry || data.Kind != "not_found" {
		t.Errorf("sync_error = %+v", data)
	}
	if st := svc.Status(); st.RetryCount != 0 || st.State != StateIdle {
		t.Errorf("status = %+v", st)
	}
}

func TestRemoteTimeoutIsRetried(t *testing.T) {
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen))
	release := r.Hold()
	defer release()
	svc, rec := startService(t, Config{Interval: time.Hour, Timeout: 50 * time.Millisecond, RetryBase: time.Minute}, r)

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return rec.Count(events.SyncError) == 1
	}, "expected sync_error after the remote timed out")

	ev, _ := rec.Last(events.SyncError)
	data := ev.Data.(events.SyncErrorData)
	if !data.WillRetry || data.Kind != "timeout" || data.RetryCount != 1 {
		t.Errorf("sync_error = %+v", data)
	}
	if st := svc.Status(); st.State != StateRetrying || st.NextRetryAt == nil {
		t.Errorf("status = %+v", st)
	}
	if svc.Manifest() != nil {
		t.Error("timed out cycle accepted a manifest")
	}
}

func TestShutdownMidCycleKeepsAcceptedState(t *testing.T) {
	x1 := testutil.Image("h1", "a.jpg", gen)
	first := testutil.Manifest(gen, x1)
	r := testutil.NewFakeRemote("v1", first)
	store := &memStore{}
	rec := &testutil.Recorder{}
	svc := New(Config{Interval: time.Hour}, r, rec, testutil.Logger(), WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()
	waitIdle(t, svc, 1)

	r.Set("v2", testutil.Manifest(gen.Add(time.Minute), testutil.Image("h2", "b.jpg", gen), x1))
	release := r.Hold()
	defer release()
	svc.TriggerAsync(events.TriggerManual, "")
	testutil.Eventually(t, time.Second, 2*time.Millisecond, func() bool {
		return svc.Status().State == StateChecking
	}, "second cycle never started")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if svc.Manifest() != first {
		t.Error("accepted manifest changed during shutdown")
	}
	if st := svc.Status(); st.CurrentVersion != "v1" || st.State != StateStopped {
		t.Errorf("status = %+v", st)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.version != "v1" || store.manifest != first {
		t.Errorf("stored snapshot = %q (%p), want v1 (%p)", store.version, store.manifest, first)
	}
	if len(store.runs) != 1 {
		t.Errorf("runs = %d, want 1 (abandoned cycle is not recorded)", len(store.runs))
	}
	if n := rec.Count(events.SyncError); n != 0 {
		t.Errorf("sync_error emitted %d times on shutdown", n)
	}
}

func TestMalformedManifestRetriedAndPointerKept(t *testing.T) {
	x1 := testutil.Image("h1", "a.jpg", gen)
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen, x1))
	svc, rec := startService(t, Config{Interval: time.Hour, RetryBase: 50 * time.Millisecond}, r)
	waitIdle(t, svc, 1)

	bad := &models.Manifest{Generated: gen, Count: 5, Images: []models.ImageRecord{x1}}
	r.Set("v2", bad)
	_, err := svc.Trigger(context.Background(), events.TriggerManual, "")
	if !errors.Is(err, apperr.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if svc.Status().CurrentVersion != "v1" || svc.Manifest().Count != 1 {
		t.Error("failed cycle moved the accepted pointer")
	}
	ev, _ := rec.Last(events.SyncError)
	if !ev.Data.(events.SyncErrorData).WillRetry {
		t.Error("malformed manifest should be retried")
	}

	r.Set("v2", testutil.Manifest(gen, x1))
	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return svc.Status().CurrentVersion == "v2"
	}, "retry did not recover")
}

func TestConcurrentManualRequestsCoalesce(t *testing.T) {
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen))
	svc, _ := startService(t, Config{Interval: time.Hour}, r)
	waitIdle(t, svc, 1)

	release := r.Hold()
	var wg sync.WaitGroup
	results := make([]Result, 5)
	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = svc.Trigger(context.Background(), events.TriggerManual, "c0")
	}()
	testutil.Eventually(t, time.Second, 2*time.Millisecond, func() bool {
		return svc.Status().State == StateChecking
	}, "first cycle never started")

	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = svc.Trigger(context.Background(), events.TriggerManual, fmt.Sprintf("c%d", i+1))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	<-first

	if n := len(r.Calls()); n != 3 {
		t.Errorf("remote called %d times, want 3 (startup, in-flight, coalesced)", n)
	}
	for i, res := range results {
		if len(res.TriggeredBy) != 5 {
			t.Errorf("result %d triggeredBy = %v, want all 5 waiters", i, res.TriggeredBy)
		}
	}
}

func TestTriggerAfterStop(t *testing.T) {
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen))
	svc := New(Config{Interval: time.Hour}, r, nil, testutil.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = svc.Run(ctx); close(done) }()
	cancel()
	<-done
	if _, err := svc.Trigger(context.Background(), events.TriggerManual, ""); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
	if svc.Status().State != StateStopped {
		t.Errorf("state = %s", svc.Status().State)
	}
}

type memStore struct {
	mu       sync.Mutex
	version  string
	manifest *models.Manifest
	runs     []models.SyncRun
}

func (m *memStore) SaveSnapshot(_ context.Context, v string, man *models.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version, m.manifest = v, man
	return nil
}

func (m *memStore) LoadSnapshot(context.Context) (string, *models.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manifest == nil {
		return "", nil, apperr.ErrNotFound
	}
	return m.version, m.manifest, nil
}

func (m *memStore) RecordRun(_ context.Context, run models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func TestRestoredSnapshotSuppressesReannounce(t *testing.T) {
	x1 := testutil.Image("h1", "a.jpg", gen)
	store := &memStore{version: "v1", manifest: testutil.Manifest(gen, x1)}
	r := testutil.NewFakeRemote("v1", testutil.Manifest(gen, x1))
	svc, rec := startService(t, Config{Interval: time.Hour}, r, WithStore(store))
	waitIdle(t, svc, 1)

	if rec.Count(events.NewImages) != 0 {
		t.Error("restart re-announced images")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.runs) != 1 || store.runs[0].Outcome != models.OutcomeNoChange {
		t.Errorf("runs = %+v", store.runs)
	}
}

func TestBackoff(t *testing.T) {
	base := time.Second
	for n, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if got := Backoff(base, time.Minute, n); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, want)
		}
	}
	if got := Backoff(base, 5*time.Second, 10); got != 5*time.Second {
		t.Errorf("capped Backoff = %v", got)
	}
}

func TestStatsSuccessRate(t *testing.T) {
	var s stats
	s.success(10 * time.Millisecond)
	s.success(30 * time.Millisecond)
	s.failure(errors.New("x"), gen)
	snap := s.snapshot()
	if snap.SuccessRate != "66.67%" || snap.AverageResponseTime != 20 || snap.LastError != "x" {
		t.Errorf("snapshot = %+v", snap)
	}
	for range 150 {
		s.success(time.Millisecond)
	}
	if len(s.window) != responseWindow {
		t.Errorf("window len = %d", len(s.window))
	}
}
