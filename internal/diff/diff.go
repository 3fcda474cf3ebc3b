// Package diff computes the delta between two manifest snapshots.
package diff

import (
	"reflect"

	"github.com/starford/gallery/internal/models"
)

// Compute returns the records added, updated and deleted between previous
// and current. Records are keyed by id, never by position. A nil previous
// manifest means every current record is new.
//
// Added and updated keep current's order; deleted keeps previous's order.
func Compute(previous, current *models.Manifest) models.SyncDelta {
	delta := models.SyncDelta{
		Added:   []models.ImageRecord{},
		Updated: []models.ImageRecord{},
		Deleted: []models.ImageRecord{},
	}
	if current == nil {
		current = &models.Manifest{}
	}
	if previous == nil {
		delta.Added = append(delta.Added, current.Images...)
		return delta
	}

	prev := make(map[string]models.ImageRecord, len(previous.Images))
	for _, img := range previous.Images {
		prev[img.ID] = img
	}
	cur := make(map[string]struct{}, len(current.Images))

	for _, img := range current.Images {
		cur[img.ID] = struct{}{}
		old, ok := prev[img.ID]
		switch {
		case !ok:
			delta.Added = append(delta.Added, img)
		case !equal(old, img):
			delta.Updated = append(delta.Updated, img)
		}
	}
	for _, img := range previous.Images {
		if _, ok := cur[img.ID]; !ok {
			delta.Deleted = append(delta.Deleted, img)
		}
	}

	if previous.Count != current.Count {
		delta.Metadata.Count = &models.CountChange{Old: previous.Count, New: current.Count}
	}
	return delta
}

// equal compares records structurally. Times are compared by instant so a
// record that round-tripped through JSON matches its in-memory original.
func equal(a, b models.ImageRecord) bool {
	if !a.Created.Equal(b.Created) || !a.Modified.Equal(b.Modified) {
		return false
	}
	a.Created, a.Modified = b.Created, b.Modified
	return reflect.DeepEqual(a, b)
}
