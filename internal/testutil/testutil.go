// Package testutil provides shared test helpers: temp stores, a scripted
// remote and an event recorder.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/starford/gallery/internal/checksum"
	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/index"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/storage"
)

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestDB creates a migrated SQLite index that is removed after the test.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "gallery-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestGallery creates a temporary local backend.
func TestGallery(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir, "uploads")
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// Image returns a record whose id and hash derive from seed.
func Image(seed, filename string, created time.Time) models.ImageRecord {
	hash := checksum.Sum([]byte(seed))
	return models.ImageRecord{
		ID:       checksum.ImageID(hash),
		Filename: filename,
		Path:     "images/" + filename,
		Src:      "/media/images/" + filename,
		Title:    filename,
		Size:     int64(len(seed)),
		Created:  created,
		Modified: created,
		Hash:     hash,
	}
}

// Manifest wraps images in a valid manifest generated at gen.
func Manifest(gen time.Time, images ...models.ImageRecord) *models.Manifest {
	if images == nil {
		images = []models.ImageRecord{}
	}
	return &models.Manifest{Generated: gen, Count: len(images), Version: gen.UnixMilli(), Images: images}
}

// Recorder captures published events.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish implements events.Publisher.
func (r *Recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind events.Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent event of kind.
func (r *Recorder) Last(kind events.Kind) (events.Event, bool) {
	evs := r.Events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == kind {
			return evs[i], true
		}
	}
	return events.Event{}, false
}

// FakeRemote is a scripted remote.Remote.
type FakeRemote struct {
	mu       sync.Mutex
	version  string
	manifest *models.Manifest
	errs     []error
	fetchErr []error
	calls    []time.Time
	gate     chan struct{}
}

// NewFakeRemote returns a remote serving m at version.
func NewFakeRemote(version string, m *models.Manifest) *FakeRemote {
	return &FakeRemote{version: version, manifest: m}
}

// Set replaces the served version and manifest.
func (f *FakeRemote) Set(version string, m *models.Manifest) {
	f.mu.Lock()
	f.version, f.manifest = version, m
	f.mu.Unlock()
}

// FailNext makes the next LatestVersion calls return errs in order.
func (f *FakeRemote) FailNext(errs ...error) {
	f.mu.Lock()
	f.errs = append(f.errs, errs...)
	f.mu.Unlock()
}

// FailFetch makes the next FetchManifest calls return errs in order.
func (f *FakeRemote) FailFetch(errs ...error) {
	f.mu.Lock()
	f.fetchErr = append(f.fetchErr, errs...)
	f.mu.Unlock()
}

// Hold makes LatestVersion block until the returned func is called.
func (f *FakeRemote) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the time of each LatestVersion call.
func (f *FakeRemote) Calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// LatestVersion implements remote.Remote.
func (f *FakeRemote) LatestVersion(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return f.version, nil
}

// FetchManifest implements remote.Remote.
func (f *FakeRemote) FetchManifest(context.Context) (*models.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fetchErr) > 0 {
		err := f.fetchErr[0]
		f.fetchErr = f.fetchErr[1:]
		return nil, err
	}
	return f.manifest, nil
}
