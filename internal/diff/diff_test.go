package diff

import (
	"testing"
	"time"

	"github.com/starford/gallery/internal/models"
)

func rec(id, filename, hash string) models.ImageRecord {
	return models.ImageRecord{
		ID:       id,
		Filename: filename,
		Path:     filename,
		Hash:     hash,
		Created:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func manifest(images ...models.ImageRecord) *models.Manifest {
	return &models.Manifest{Count: len(images), Images: images}
}

func ids(records []models.ImageRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestCompute_FirstRunAllAdded(t *testing.T) {
	cur := manifest(rec("x1", "a.jpg", "h1"), rec("x2", "b.jpg", "h2"))
	d := Compute(nil, cur)
	if len(d.Added) != 2 || len(d.Updated) != 0 || len(d.Deleted) != 0 {
		t.Fatalf("delta = %+v", d)
	}
	if d.Metadata.Count != nil {
		t.Errorf("first run should not report a count change")
	}
}

func TestCompute_Identical(t *testing.T) {
	m := manifest(rec("x1", "a.jpg", "h1"), rec("x2", "b.jpg", "h2"))
	d := Compute(m, m)
	if !d.Empty() {
		t.Fatalf("diff(M, M) = %+v, want empty", d)
	}
	if d.Added == nil || d.Updated == nil || d.Deleted == nil {
		t.Error("delta slices must be non-nil")
	}
}

func TestCompute_AddedOnly(t *testing.T) {
	a := manifest(rec("x1", "a.jpg", "h1"))
	b := manifest(rec("x1", "a.jpg", "h1"), rec("x2", "b.jpg", "h2"))
	d := Compute(a, b)
	if got := ids(d.Added); len(got) != 1 || got[0] != "x2" {
		t.Errorf("added = %v, want [x2]", got)
	}
	if len(d.Updated) != 0 || len(d.Deleted) != 0 {
		t.Errorf("updated = %v, deleted = %v", ids(d.Updated), ids(d.Deleted))
	}
	if d.Metadata.Count == nil || d.Metadata.Count.Old != 1 || d.Metadata.Count.New != 2 {
		t.Errorf("count change = %+v", d.Metadata.Count)
	}
}

func TestCompute_RenameIsUpdate(t *testing.T) {
	a := manifest(rec("x1", "a.jpg", "h1"))
	b := manifest(rec("x1", "renamed.jpg", "h1"))
	d := Compute(a, b)
	if got := ids(d.Updated); len(got) != 1 || got[0] != "x1" {
		t.Errorf("updated = %v, want [x1]", got)
	}
	if len(d.Added) != 0 || len(d.Deleted) != 0 {
		t.Errorf("rename must not be added+deleted: %+v", d)
	}
}

func TestCompute_Deleted(t *testing.T) {
	a := manifest(rec("x1", "a.jpg", "h1"), rec("x2", "b.jpg", "h2"))
	b := manifest(rec("x2", "b.jpg", "h2"))
	d := Compute(a, b)
	if got := ids(d.Deleted); len(got) != 1 || got[0] != "x1" {
		t.Errorf("deleted = %v, want [x1]", got)
	}
}

func TestCompute_TimeZoneDoesNotCountAsChange(t *testing.T) {
	r := rec("x1", "a.jpg", "h1")
	moved := r
	moved.Created = r.Created.In(time.FixedZone("UTC+3", 3*3600))
	d := Compute(manifest(r), manifest(moved))
	if !d.Empty() {
		t.Errorf("same instant in another zone reported as change: %+v", d)
	}
}

func TestCompute_AddedAndDeletedDisjoint(t *testing.T) {
	cases := [][2]*models.Manifest{
		{manifest(rec("a", "a", "1")), manifest(rec("b", "b", "2"))},
		{manifest(rec("a", "a", "1"), rec("b", "b", "2")), manifest(rec("b", "b2", "2"), rec("c", "c", "3"))},
		{manifest(), manifest(rec("a", "a", "1"))},
		{manifest(rec("a", "a", "1")), manifest()},
	}
	for i, c := range cases {
		d := Compute(c[0], c[1])
		deleted := make(map[string]bool)
		for _, r := range d.Deleted {
			deleted[r.ID] = true
		}
		for _, r := range d.Added {
			if deleted[r.ID] {
				t.Errorf("case %d: %s both added and deleted", i, r.ID)
			}
		}
	}
}
