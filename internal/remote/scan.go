package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/starford/gallery/internal/checksum"
	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/storage"
)

// Scan treats a live scan of a backend as the remote. The version marker is
// a digest of the listing, so unchanged stores are detected without reading
// any file bodies.
type Scan struct {
	scanner *manifest.Scanner

	mu      sync.Mutex
	version string
	listing []storage.Object
}

// NewScan wraps scanner as a Remote.
func NewScan(scanner *manifest.Scanner) *Scan {
	return &Scan{scanner: scanner}
}

// LatestVersion implements Remote.
func (s *Scan) LatestVersion(ctx context.Context) (string, error) {
	objs, err := s.scanner.List(ctx)
	if err != nil {
		return "", fmt.Errorf("remote: list: %w", err)
	}
	v := ListingVersion(objs)
	s.mu.Lock()
	s.version, s.listing = v, objs
	s.mu.Unlock()
	return v, nil
}

// FetchManifest implements Remote. It reuses the listing taken by the
// preceding LatestVersion call.
func (s *Scan) FetchManifest(ctx context.Context) (*models.Manifest, error) {
	s.mu.Lock()
	objs := s.listing
	s.mu.Unlock()
	if objs == nil {
		var err error
		if objs, err = s.scanner.List(ctx); err != nil {
			return nil, fmt.Errorf("remote: list: %w", err)
		}
	}
	m, err := s.scanner.Build(ctx, objs)
	if err != nil {
		return nil, err
	}
	return m, manifest.Validate(m)
}

// ListingVersion digests path, size and mtime of every object.
func ListingVersion(objs []storage.Object) string {
	lines := make([]string, 0, len(objs))
	for _, o := range objs {
		lines = append(lines, o.Path+"|"+strconv.FormatInt(o.Size, 10)+"|"+strconv.FormatInt(o.Modified.UnixNano(), 10))
	}
	sort.Strings(lines)
	return checksum.Sum([]byte(strings.Join(lines, "\n")))
}
