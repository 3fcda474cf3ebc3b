// Package remote provides the version marker and manifest sources polled by the sync loop.
package remote

import (
	"context"

	"github.com/starford/gallery/internal/models"
)

// Remote is the upstream the sync loop reconciles against.
type Remote interface {
	// LatestVersion returns an opaque marker that changes whenever the
	// manifest may have changed.
	LatestVersion(ctx context.Context) (string, error)
	// FetchManifest returns the current manifest.
	FetchManifest(ctx context.Context) (*models.Manifest, error)
}
