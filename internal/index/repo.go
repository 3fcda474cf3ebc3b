package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/models"
)

// ImageIndex is the read/write surface consumers depend on.
type ImageIndex interface {
	SaveSnapshot(ctx context.Context, version string, m *models.Manifest) error
	LoadSnapshot(ctx context.Context) (string, *models.Manifest, error)
	ListImages(ctx context.Context, limit, offset int, sort string) ([]models.ImageRecord, int, error)
	GetImage(ctx context.Context, id string) (models.ImageRecord, error)
	RecordRun(ctx context.Context, run models.SyncRun) error
	RecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	Close() error
}

// Verify *DB satisfies ImageIndex at compile time.
var _ ImageIndex = (*DB)(nil)

// Sort orders for ListImages.
const (
	SortNewest   = "newest"
	SortOldest   = "oldest"
	SortName     = "name"
	SortManifest = "manifest"
)

const imageColumns = `id, filename, path, src, title, size, created, modified, hash`

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// SaveSnapshot replaces the stored manifest and version marker in one transaction.
func (db *DB) SaveSnapshot(ctx context.Context, version string, m *models.Manifest) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, `DELETE FROM images`); err != nil {
		return fmt.Errorf("index: clear images: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO images (position, `+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare image insert: %w", err)
	}
	defer stmt.Close()
	for i, img := range m.Images {
		if _, err := stmt.ExecContext(ctx, i, img.ID, img.Filename, img.Path, img.Src, img.Title,
			img.Size, formatTime(img.Created), formatTime(img.Modified), img.Hash); err != nil {
			return fmt.Errorf("index: insert image %s: %w", img.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, version, generated, manifest_version, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version          = excluded.version,
			generated        = excluded.generated,
			manifest_version = excluded.manifest_version,
			updated_at       = excluded.updated_at
	`, version, formatTime(m.Generated), m.Version, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("index: upsert sync state: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot returns the last saved manifest, or apperr.ErrNotFound.
func (db *DB) LoadSnapshot(ctx context.Context) (string, *models.Manifest, error) {
	var version, generated string
	var manifestVersion int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT version, generated, manifest_version FROM sync_state WHERE id = 1`,
	).Scan(&version, &generated, &manifestVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, apperr.ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("index: load sync state: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT `+imageColumns+` FROM images ORDER BY position`)
	if err != nil {
		return "", nil, fmt.Errorf("index: load images: %w", err)
	}
	images, err := scanImages(rows)
	if err != nil {
		return "", nil, err
	}
	return version, &models.Manifest{
		Generated: parseTime(generated),
		Count:     len(images),
		Version:   manifestVersion,
		Images:    images,
	}, nil
}

// ListImages returns a page of indexed images and the total count. Unknown
// sort values fall back to newest first by capture time.
func (db *DB) ListImages(ctx context.Context, limit, offset int, sort string) ([]models.ImageRecord, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var order string
	switch sort {
	case SortOldest:
		order = "created ASC, id ASC"
	case SortName:
		order = "filename COLLATE NOCASE ASC, id ASC"
	case SortManifest:
		order = "position ASC"
	default:
		order = "created DESC, id ASC"
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM images`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count images: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images ORDER BY `+order+` LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list images: %w", err)
	}
	images, err := scanImages(rows)
	if err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

// GetImage returns one indexed image by id.
func (db *DB) GetImage(ctx context.Context, id string) (models.ImageRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("index: get image: %w", err)
	}
	images, err := scanImages(rows)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if len(images) == 0 {
		return models.ImageRecord{}, apperr.ErrNotFound
	}
	return images[0], nil
}

func scanImages(rows *sql.Rows) ([]models.ImageRecord, error) {
	defer rows.Close()
	out := []models.ImageRecord{}
	for rows.Next() {
		var img models.ImageRecord
		var created, modified string
		if err := rows.Scan(&img.ID, &img.Filename, &img.Path, &img.Src, &img.Title,
			&img.Size, &created, &modified, &img.Hash); err != nil {
			return nil, fmt.Errorf("index: scan image: %w", err)
		}
		img.Created, img.Modified = parseTime(created), parseTime(modified)
		out = append(out, img)
	}
	return out, rows.Err()
}

// RecordRun appends one cycle to the history.
func (db *DB) RecordRun(ctx context.Context, run models.SyncRun) error {
	by, _ := json.Marshal(run.TriggeredBy)
	if run.TriggeredBy == nil {
		by = []byte("[]")
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_runs (trigger_type, triggered_by, started_at, duration_ms, outcome,
			old_version, new_version, added, updated, deleted, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.Trigger, string(by), formatTime(run.StartedAt), run.DurationMS, run.Outcome,
		run.OldVersion, run.NewVersion, run.Added, run.Updated, run.Deleted, run.Error)
	if err != nil {
		return fmt.Errorf("index: record run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, trigger_type, triggered_by, started_at, duration_ms, outcome,
			old_version, new_version, added, updated, deleted, error
		FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("index: recent runs: %w", err)
	}
	defer rows.Close()

	out := []models.SyncRun{}
	for rows.Next() {
		var run models.SyncRun
		var by, started string
		if err := rows.Scan(&run.ID, &run.Trigger, &by, &started, &run.DurationMS, &run.Outcome,
			&run.OldVersion, &run.NewVersion, &run.Added, &run.Updated, &run.Deleted, &run.Error); err != nil {
			return nil, fmt.Errorf("index: scan run: %w", err)
		}
		_ = json.Unmarshal([]byte(by), &run.TriggeredBy)
		run.StartedAt = parseTime(started)
		out = append(out, run)
	}
	return out, rows.Err()
}
