package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/storage"
)

// Publish writes the manifest document to path on the backend.
func Publish(ctx context.Context, b storage.Backend, path string, m *models.Manifest) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := b.Write(ctx, path, data); err != nil {
		return fmt.Errorf("manifest: publish %s: %w", path, err)
	}
	return nil
}

// Load reads and validates the manifest document at path.
func Load(ctx context.Context, b storage.Backend, path string) (*models.Manifest, error) {
	data, err := b.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Lock guards manifest generation so concurrent scans never interleave writes.
type Lock struct {
	file *flock.Flock
}

// AcquireLock takes an exclusive, non-blocking lock on path.
func AcquireLock(path string) (*Lock, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "gallery-scan.lock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("manifest: lock dir: %w", err)
	}
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("manifest: lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("manifest: another scan is already running (lock: %s)", path)
	}
	return &Lock{file: l}, nil
}

// Release frees the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Unlock()
}
