// Package client is the consumer side of the gallery: it overlays locally
// requested deletes on the manifests served by the sync service.
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/clock"
	"github.com/starford/gallery/internal/models"
)

// Deleter removes one image on the server.
type Deleter interface {
	DeleteImage(ctx context.Context, id string) error
}

// DeleteReport lists per-id outcomes of a Delete call.
type DeleteReport struct {
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Reconciler holds the last fetched manifest and the pending-delete set.
// An id stays hidden until a manifest generated after the delete request no
// longer lists it. Tombstones never expire on their own.
type Reconciler struct {
	mu      sync.Mutex
	store   TombstoneStore
	deleter Deleter
	clock   clock.Clock

	last    *models.Manifest
	pending map[string]time.Time
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock sets the time source for delete requests.
func WithClock(c clock.Clock) ReconcilerOption {
	return func(r *Reconciler) { r.clock = c }
}

// NewReconciler loads the pending set from store.
func NewReconciler(store TombstoneStore, deleter Deleter, opts ...ReconcilerOption) (*Reconciler, error) {
	r := &Reconciler{store: store, deleter: deleter, clock: clock.Real{}}
	for _, opt := range opts {
		opt(r)
	}
	pending, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("client: load tombstones: %w", err)
	}
	r.pending = pending
	return r, nil
}

// Apply accepts a freshly fetched manifest and returns the visible images.
func (r *Reconciler) Apply(m *models.Manifest) ([]models.ImageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make(map[string]struct{}, len(m.Images))
	for _, img := range m.Images {
		present[img.ID] = struct{}{}
	}
	changed := false
	for id, requested := range r.pending {
		if _, listed := present[id]; listed {
			continue
		}
		if requested.Before(m.Generated) {
			delete(r.pending, id)
			changed = true
		}
	}
	r.last = m

	if changed {
		if err := r.store.Save(r.pending); err != nil {
			return r.visibleLocked(), fmt.Errorf("client: save tombstones: %w", err)
		}
	}
	return r.visibleLocked(), nil
}

// Delete hides ids immediately, then asks the server to remove them.
// NotFound counts as success. Other failures are reported but the ids stay
// hidden.
func (r *Reconciler) Delete(ctx context.Context, ids ...string) (DeleteReport, error) {
	now := r.clock.Now()
	r.mu.Lock()
	for _, id := range ids {
		r.pending[id] = now
	}
	err := r.store.Save(r.pending)
	r.mu.Unlock()
	if err != nil {
		return DeleteReport{}, fmt.Errorf("client: save tombstones: %w", err)
	}

	report := DeleteReport{Deleted: []string{}}
	var errs []error
	for _, id := range ids {
		err := r.deleter.DeleteImage(ctx, id)
		if err == nil || errors.Is(err, apperr.ErrNotFound) {
			report.Deleted = append(report.Deleted, id)
			continue
		}
		if report.Failed == nil {
			report.Failed = make(map[string]string)
		}
		report.Failed[id] = err.Error()
		errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
	}
	return report, errors.Join(errs...)
}

// Visible returns the last manifest's images minus pending deletes.
func (r *Reconciler) Visible() []models.ImageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visibleLocked()
}

func (r *Reconciler) visibleLocked() []models.ImageRecord {
	out := []models.ImageRecord{}
	if r.last == nil {
		return out
	}
	for _, img := range r.last.Images {
		if _, hidden := r.pending[img.ID]; !hidden {
			out = append(out, img)
		}
	}
	return out
}

// Pending returns a copy of the pending-delete set.
func (r *Reconciler) Pending() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.pending)
}

// PendingIDs returns the pending ids sorted.
func (r *Reconciler) PendingIDs() []string {
	return slices.Sorted(maps.Keys(r.Pending()))
}
