package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/gallery/internal/checksum"
	"github.com/starford/gallery/internal/clock"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/storage"
)

// Scanner produces manifests from a storage backend.
type Scanner struct {
	backend   storage.Backend
	dir       string
	urlPrefix string
	clock     clock.Clock
	logger    *slog.Logger
	workers   int

	mu   sync.Mutex
	last time.Time
}

// ScannerOption customizes a Scanner.
type ScannerOption func(*Scanner)

// WithClock overrides the time source used for the generated stamp.
func WithClock(c clock.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = c }
}

// WithURLPrefix sets the prefix joined with each path to build src.
func WithURLPrefix(prefix string) ScannerOption {
	return func(s *Scanner) { s.urlPrefix = strings.TrimSuffix(prefix, "/") }
}

// WithWorkers bounds the number of concurrent object reads.
func WithWorkers(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewScanner creates a scanner over dir of backend.
func NewScanner(backend storage.Backend, dir string, logger *slog.Logger, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		backend:   backend,
		dir:       dir,
		urlPrefix: "/media",
		clock:     clock.Real{},
		logger:    logger,
		workers:   4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the scanned backend.
func (s *Scanner) Backend() storage.Backend { return s.backend }

// List returns the raw object listing the scan would read.
func (s *Scanner) List(ctx context.Context) ([]storage.Object, error) {
	return s.backend.List(ctx, s.dir)
}

// Scan lists and hashes every image and returns a fresh manifest.
func (s *Scanner) Scan(ctx context.Context) (*models.Manifest, error) {
	objs, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("manifest: list: %w", err)
	}
	return s.Build(ctx, objs)
}

// Build hashes the given objects into a manifest.
//
// created is the EXIF capture time when present, otherwise the storage
// modification time. Identical files stored twice share an id; the
// lexically first path wins.
func (s *Scanner) Build(ctx context.Context, objs []storage.Object) (*models.Manifest, error) {
	records := make([]models.ImageRecord, len(objs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, obj := range objs {
		g.Go(func() error {
			hash, data, err := storage.Fingerprint(gCtx, s.backend, obj.Path)
			if err != nil {
				return fmt.Errorf("manifest: read %s: %w", obj.Path, err)
			}
			records[i] = s.record(obj, hash, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(records))
	images := make([]models.ImageRecord, 0, len(records))
	for _, rec := range records {
		if j, dup := byID[rec.ID]; dup {
			if rec.Path < images[j].Path {
				images[j], rec = rec, images[j]
			}
			s.logger.Warn("scan: duplicate content",
				slog.String("id", rec.ID),
				slog.String("kept", images[j].Path),
				slog.String("skipped", rec.Path))
			continue
		}
		byID[rec.ID] = len(images)
		images = append(images, rec)
	}
	Sort(images)

	now := s.stamp()
	return &models.Manifest{
		Generated: now,
		Count:     len(images),
		Version:   now.UnixMilli(),
		Images:    images,
	}, nil
}

func (s *Scanner) record(obj storage.Object, hash string, data []byte) models.ImageRecord {
	name := path.Base(obj.Path)
	modified := obj.Modified.UTC()
	created := modified
	if t, ok := captureTime(data); ok {
		created = t.UTC()
	}
	size := obj.Size
	if size == 0 {
		size = int64(len(data))
	}
	return models.ImageRecord{
		ID:       checksum.ImageID(hash),
		Filename: name,
		Path:     obj.Path,
		Src:      s.urlPrefix + "/" + obj.Path,
		Title:    strings.TrimSuffix(name, path.Ext(name)),
		Size:     size,
		Created:  created,
		Modified: modified,
		Hash:     hash,
	}
}

// stamp returns a generation time that never goes backwards for this scanner.
func (s *Scanner) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.last) && !s.last.IsZero() {
		now = s.last
	}
	s.last = now
	return now
}
