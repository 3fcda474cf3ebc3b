// Package imageservice coordinates the storage backend, the index and the
// sync loop for the REST and MCP surfaces.
package imageservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/diff"
	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/index"
	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/storage"
)

// Delete outcomes.
const (
	StatusDeleted  = "deleted"
	StatusNotFound = "not_found"
	StatusFailed   = "failed"
)

// Syncer is the part of the sync loop the service needs.
type Syncer interface {
	Manifest() *models.Manifest
	TriggerAsync(trigger events.Trigger, by string)
}

// UploadResult describes one stored upload.
type UploadResult struct {
	Filename string `json:"filename"`
	Original string `json:"originalName"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	SHA      string `json:"sha,omitempty"`
}

// DeleteResult is the per-id outcome of DeleteImages.
type DeleteResult struct {
	ID     string `json:"id"`
	Path   string `json:"path,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	err    error
}

// Err returns the underlying failure, nil unless Status is failed.
func (r DeleteResult) Err() error { return r.err }

// OK reports whether the image is gone: deleted now or already absent.
func (r DeleteResult) OK() bool { return r.Status != StatusFailed }

// Service coordinates storage and index operations.
type Service struct {
	backend storage.Backend
	db      index.ImageIndex
	sync    Syncer
	scanner *manifest.Scanner
	logger  *slog.Logger
}

// NewService creates a new image service. sync may be nil when no loop runs
// in this process (MCP mode); mutations then skip the follow-up sync.
func NewService(backend storage.Backend, db index.ImageIndex, sync Syncer, scanner *manifest.Scanner, logger *slog.Logger) *Service {
	if sync == nil {
		sync = noSync{}
	}
	return &Service{backend: backend, db: db, sync: sync, scanner: scanner, logger: logger}
}

// Backend returns the storage backend.
func (s *Service) Backend() storage.Backend { return s.backend }

// Metadata returns the last accepted manifest, or apperr.ErrNotFound before
// the first successful sync.
func (s *Service) Metadata(ctx context.Context) (*models.Manifest, error) {
	if m := s.sync.Manifest(); m != nil {
		return m, nil
	}
	_, m, err := s.db.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListImages returns a page of indexed images.
func (s *Service) ListImages(ctx context.Context, limit, offset int, sort string) ([]models.ImageRecord, int, error) {
	return s.db.ListImages(ctx, limit, offset, sort)
}

// GetImage returns one image by id.
func (s *Service) GetImage(ctx context.Context, id string) (models.ImageRecord, error) {
	if m := s.sync.Manifest(); m != nil {
		if img, ok := m.ByID(id); ok {
			return img, nil
		}
	}
	return s.db.GetImage(ctx, id)
}

// History returns the most recent sync runs.
func (s *Service) History(ctx context.Context, limit int) ([]models.SyncRun, error) {
	return s.db.RecentRuns(ctx, limit)
}

// ReadMedia returns the bytes of a stored image.
func (s *Service) ReadMedia(ctx context.Context, path string) ([]byte, error) {
	if !storage.IsImage(path) {
		return nil, apperr.ErrNotFound
	}
	return s.backend.Read(ctx, path)
}

// Upload stores content under a generated name and requests a sync.
func (s *Service) Upload(ctx context.Context, name string, content []byte) (UploadResult, error) {
	if !storage.IsImage(name) {
		return UploadResult{}, fmt.Errorf("upload %s: %w: unsupported file type", name, apperr.ErrInvalid)
	}
	obj, err := s.backend.Upload(ctx, name, content)
	if err != nil {
		return UploadResult{}, err
	}
	s.logger.Info("images: uploaded",
		slog.String("original", name),
		slog.String("path", obj.Path),
		slog.Int64("size", obj.Size))
	s.sync.TriggerAsync(events.TriggerUpload, "")
	return UploadResult{
		Filename: obj.Name(),
		Original: name,
		Path:     obj.Path,
		Size:     obj.Size,
		SHA:      obj.SHA,
	}, nil
}

// DeleteImages removes each id's file from the backend. Ids are resolved
// through the accepted manifest, then the index. An id that is unknown or
// whose file is already gone counts as not_found, which callers treat as
// success.
func (s *Service) DeleteImages(ctx context.Context, ids []string) []DeleteResult {
	out := make([]DeleteResult, 0, len(ids))
	removed := 0
	for _, id := range ids {
		res := s.deleteOne(ctx, id)
		if res.Status == StatusDeleted {
			removed++
		}
		out = append(out, res)
	}
	if removed > 0 {
		s.sync.TriggerAsync(events.TriggerDelete, "")
	}
	return out
}

func (s *Service) deleteOne(ctx context.Context, id string) DeleteResult {
	img, err := s.GetImage(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return DeleteResult{ID: id, Status: StatusNotFound}
	}
	if err != nil {
		return DeleteResult{ID: id, Status: StatusFailed, Error: err.Error(), err: err}
	}

	err = s.backend.Delete(ctx, img.Path)
	switch {
	case err == nil:
		s.logger.Info("images: deleted", slog.String("id", id), slog.String("path", img.Path))
		return DeleteResult{ID: id, Path: img.Path, Status: StatusDeleted}
	case errors.Is(err, apperr.ErrNotFound):
		return DeleteResult{ID: id, Path: img.Path, Status: StatusNotFound}
	default:
		s.logger.Warn("images: delete failed",
			slog.String("id", id),
			slog.String("path", img.Path),
			slog.String("error", err.Error()))
		return DeleteResult{ID: id, Path: img.Path, Status: StatusFailed, Error: err.Error(), err: err}
	}
}

// Preview scans the backend now and diffs the result against the indexed
// snapshot without writing anything.
func (s *Service) Preview(ctx context.Context) (models.SyncDelta, error) {
	if s.scanner == nil {
		return models.SyncDelta{}, fmt.Errorf("preview: no scanner configured")
	}
	var previous *models.Manifest
	if _, m, err := s.db.LoadSnapshot(ctx); err == nil {
		previous = m
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return models.SyncDelta{}, err
	}
	current, err := s.scanner.Scan(ctx)
	if err != nil {
		return models.SyncDelta{}, err
	}
	return diff.Compute(previous, current), nil
}

type noSync struct{}

func (noSync) Manifest() *models.Manifest { return nil }

func (noSync) TriggerAsync(events.Trigger, string) {}
