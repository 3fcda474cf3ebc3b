package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/storage"
)

// GitHub polls a repository branch. The version marker is the branch head
// commit; when the API quota is exhausted it degrades to the raw mirror's
// ETag for the manifest document.
type GitHub struct {
	client      *github.Client
	http        *http.Client
	owner       string
	repo        string
	branch      string
	manifestURL string
	logger      *slog.Logger
}

// GitHubOptions configures the GitHub remote.
type GitHubOptions struct {
	Owner        string
	Repo         string
	Branch       string
	ManifestPath string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// NewGitHub builds a remote that shares the backend's API client and mirror.
func NewGitHub(backend *storage.GitHub, opts GitHubOptions) *GitHub {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GitHub{
		client:      backend.Client(),
		http:        &http.Client{Timeout: opts.Timeout},
		owner:       opts.Owner,
		repo:        opts.Repo,
		branch:      opts.Branch,
		manifestURL: backend.RawURL(opts.ManifestPath),
		logger:      opts.Logger,
	}
}

// LatestVersion implements Remote.
func (g *GitHub) LatestVersion(ctx context.Context) (string, error) {
	sha, _, err := g.client.Repositories.GetCommitSHA1(ctx, g.owner, g.repo, g.branch, "")
	if err == nil {
		return sha, nil
	}
	err = storage.ClassifyGitHubError(err)
	if !errors.Is(err, apperr.ErrRateLimited) {
		return "", fmt.Errorf("remote: commit marker: %w", err)
	}
	g.logger.Warn("remote: api rate limited, using mirror etag", slog.String("error", err.Error()))
	return g.mirrorVersion(ctx)
}

// mirrorVersion derives a marker from the raw manifest headers.
func (g *GitHub) mirrorVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.manifestURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote: mirror head: %w: %w", apperr.ErrTransient, err)
	}
	defer resp.Body.Close()
	if se := storage.ClassifyStatus(resp.StatusCode); se != nil {
		return "", fmt.Errorf("remote: mirror head: %w", se)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return strconv.FormatInt(t.UnixMilli(), 10), nil
		}
	}
	// Without validators there is no way to detect change; report rate limit.
	return "", fmt.Errorf("remote: mirror head without validators: %w", apperr.ErrRateLimited)
}

// FetchManifest implements Remote.
func (g *GitHub) FetchManifest(ctx context.Context) (*models.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.manifestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: fetch manifest: %w: %w", apperr.ErrTransient, err)
	}
	defer resp.Body.Close()
	if se := storage.ClassifyStatus(resp.StatusCode); se != nil {
		// A missing manifest right after a push is eventual consistency, not absence.
		if errors.Is(se, apperr.ErrNotFound) {
			se = fmt.Errorf("%w: manifest not published", apperr.ErrTransient)
		}
		return nil, fmt.Errorf("remote: fetch manifest: %w", se)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read manifest: %w: %w", apperr.ErrTransient, err)
	}
	return manifest.Decode(data)
}
