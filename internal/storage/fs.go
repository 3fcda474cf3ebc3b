package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/checksum"
)

// FS implements Backend on the local file system.
type FS struct {
	root      string // absolute path to the gallery directory
	uploadDir string
	now       func() time.Time
}

// NewFS creates a local backend rooted at root. Uploads land in uploadDir,
// relative to root. The root is created when missing.
func NewFS(root, uploadDir string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs, uploadDir: strings.Trim(uploadDir, "/"), now: time.Now}, nil
}

// Name implements Backend.
func (f *FS) Name() string { return "local" }

// Root returns the absolute gallery directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects
// any result that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return abs, nil
}

func notFound(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: %s %s: %w", op, p, apperr.ErrNotFound)
	}
	return fmt.Errorf("storage: %s %s: %w", op, p, err)
}

// List walks dir and returns every image file, sorted by path.
// A missing dir is an empty gallery, not an error.
func (f *FS) List(ctx context.Context, dir string) ([]Object, error) {
	base, err := f.safePath(dir)
	if err != nil {
		return nil, err
	}
	out := []Object{}
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == base && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !IsImage(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(f.root, p)
		out = append(out, Object{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

// Stat implements Backend. SHA is the content digest.
func (f *FS) Stat(_ context.Context, p string) (Object, error) {
	abs, err := f.safePath(p)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Object{}, notFound("stat", p, err)
	}
	if info.IsDir() {
		return Object{}, fmt.Errorf("storage: stat %s: is a directory", p)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Object{}, notFound("stat", p, err)
	}
	return Object{Path: p, Size: info.Size(), Modified: info.ModTime(), SHA: checksum.Sum(data)}, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(_ context.Context, p string) ([]byte, error) {
	abs, err := f.safePath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, notFound("read", p, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(_ context.Context, p string, content []byte) (Object, error) {
	abs, err := f.safePath(p)
	if err != nil {
		return Object{}, err
	}
	tmpName, err := f.writeTemp(filepath.Dir(abs), content)
	if err != nil {
		return Object{}, err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		return Object{}, fmt.Errorf("storage: rename: %w", err)
	}
	return f.object(p, abs, content), nil
}

// Upload writes content under a generated name in the upload directory.
// The final link is exclusive, so an existing file is never replaced.
func (f *FS) Upload(_ context.Context, originalName string, content []byte) (Object, error) {
	if !IsImage(originalName) {
		return Object{}, fmt.Errorf("storage: upload %s: unsupported file type", originalName)
	}
	dir, err := f.safePath(f.uploadDir)
	if err != nil {
		return Object{}, err
	}
	tmpName, err := f.writeTemp(dir, content)
	if err != nil {
		return Object{}, err
	}
	defer os.Remove(tmpName)

	for range 5 {
		rel := path.Join(f.uploadDir, localName(originalName, f.now()))
		abs, err := f.safePath(rel)
		if err != nil {
			return Object{}, err
		}
		err = os.Link(tmpName, abs)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return Object{}, fmt.Errorf("storage: upload %s: %w", originalName, err)
		}
		return f.object(rel, abs, content), nil
	}
	return Object{}, fmt.Errorf("storage: upload %s: %w", originalName, apperr.ErrConflict)
}

// Delete removes a file. A missing file yields apperr.ErrNotFound.
func (f *FS) Delete(_ context.Context, p string) error {
	abs, err := f.safePath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return notFound("delete", p, err)
	}
	return nil
}

func (f *FS) writeTemp(dir string, content []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".gallery-tmp-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return "", fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: close temp: %w", err)
	}
	success = true
	return tmpName, nil
}

func (f *FS) object(rel, abs string, content []byte) Object {
	obj := Object{Path: filepath.ToSlash(rel), Size: int64(len(content)), SHA: checksum.Sum(content)}
	if info, err := os.Stat(abs); err == nil {
		obj.Modified = info.ModTime()
	}
	return obj
}
