// Package storage defines the image store abstraction and its backends.
package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/starford/gallery/internal/checksum"
)

// Object describes one stored file.
type Object struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	// SHA is the backend's version token: git blob sha, S3 ETag, or the
	// content digest for local files.
	SHA string `json:"sha,omitempty"`
}

// Name returns the base name of the object.
func (o Object) Name() string {
	return path.Base(o.Path)
}

// Backend is the interface every image store implements.
// Paths are slash-separated and relative to the backend root.
type Backend interface {
	// Name identifies the variant ("local", "github", "s3").
	Name() string
	// List returns every image object under dir.
	List(ctx context.Context, dir string) ([]Object, error)
	// Stat probes a single object. A missing object yields apperr.ErrNotFound.
	Stat(ctx context.Context, path string) (Object, error)
	// Read returns the object bytes.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write creates or overwrites the object at path.
	Write(ctx context.Context, path string, content []byte) (Object, error)
	// Upload stores content in the upload directory under a generated,
	// collision-free name derived from originalName.
	Upload(ctx context.Context, originalName string, content []byte) (Object, error)
	// Delete removes the object. A missing object yields apperr.ErrNotFound.
	Delete(ctx context.Context, path string) error
}

// Fingerprint reads the object at path and returns its content hash along
// with the bytes it was computed over.
func Fingerprint(ctx context.Context, b Backend, p string) (string, []byte, error) {
	data, err := b.Read(ctx, p)
	if err != nil {
		return "", nil, err
	}
	return checksum.Sum(data), data, nil
}

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
}

// IsImage reports whether name carries an allowed image extension.
func IsImage(name string) bool {
	_, ok := imageExts[strings.ToLower(path.Ext(name))]
	return ok
}

// ContentType returns the MIME type for an allowed image extension.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}

// underDir reports whether p lies inside dir (both slash-separated).
func underDir(p, dir string) bool {
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}
