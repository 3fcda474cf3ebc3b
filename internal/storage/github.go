package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/models"
)

const (
	defaultRawBaseURL = "https://raw.githubusercontent.com"
	casAttempts       = 3
)

// GitHubOptions configures the GitHub contents backend.
type GitHubOptions struct {
	Owner        string
	Repo         string
	Branch       string
	Token        string
	UploadDir    string
	ManifestPath string
	// APIBaseURL and RawBaseURL override the public endpoints (tests, GHES).
	APIBaseURL string
	RawBaseURL string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// GitHub stores images in a repository through the contents API.
// Listing is inferred from the published manifest since the tree is not
// cheaply enumerable; every mutation is guarded by the blob sha.
type GitHub struct {
	client       *github.Client
	http         *http.Client
	owner        string
	repo         string
	branch       string
	uploadDir    string
	manifestPath string
	rawBase      string
	now          func() time.Time
	logger       *slog.Logger
}

// NewGitHub creates the backend. An empty token gives unauthenticated,
// read-mostly access.
func NewGitHub(opts GitHubOptions) (*GitHub, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("storage: github owner and repo are required")
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: opts.Timeout}
	client := github.NewClient(httpClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(opts.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("storage: parse api url: %w", err)
		}
		client.BaseURL = base
	}
	raw := opts.RawBaseURL
	if raw == "" {
		raw = defaultRawBaseURL
	}
	return &GitHub{
		client:       client,
		http:         httpClient,
		owner:        opts.Owner,
		repo:         opts.Repo,
		branch:       opts.Branch,
		uploadDir:    strings.Trim(opts.UploadDir, "/"),
		manifestPath: strings.Trim(opts.ManifestPath, "/"),
		rawBase:      strings.TrimSuffix(raw, "/"),
		now:          time.Now,
		logger:       opts.Logger,
	}, nil
}

// Name implements Backend.
func (g *GitHub) Name() string { return "github" }

// Client exposes the API client for the commit-marker remote.
func (g *GitHub) Client() *github.Client { return g.client }

// RawURL returns the unauthenticated mirror URL of a repository path.
func (g *GitHub) RawURL(p string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", g.rawBase, g.owner, g.repo, g.branch, strings.TrimPrefix(p, "/"))
}

// List returns the images recorded in the published manifest under dir.
func (g *GitHub) List(ctx context.Context, dir string) ([]Object, error) {
	data, err := g.Read(ctx, g.manifestPath)
	if errors.Is(err, apperr.ErrNotFound) {
		return []Object{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("storage: github list: %w: %v", apperr.ErrMalformed, err)
	}
	out := make([]Object, 0, len(m.Images))
	for _, img := range m.Images {
		if !underDir(img.Path, dir) || !IsImage(img.Path) {
			continue
		}
		out = append(out, Object{Path: img.Path, Size: img.Size, Modified: img.Modified})
	}
	return out, nil
}

// Stat probes the contents API and returns the blob sha.
func (g *GitHub) Stat(ctx context.Context, p string) (Object, error) {
	file, _, _, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, p,
		&github.RepositoryContentGetOptions{Ref: g.branch})
	if err != nil {
		return Object{}, fmt.Errorf("storage: github stat %s: %w", p, ClassifyGitHubError(err))
	}
	if file == nil {
		return Object{}, fmt.Errorf("storage: github stat %s: is a directory", p)
	}
	return Object{Path: file.GetPath(), Size: int64(file.GetSize()), SHA: file.GetSHA()}, nil
}

// Read fetches bytes from the raw mirror, which costs no API quota, and
// falls back to the contents API when the mirror refuses.
func (g *GitHub) Read(ctx context.Context, p string) ([]byte, error) {
	data, err := g.readRaw(ctx, p)
	if err == nil || errors.Is(err, apperr.ErrNotFound) {
		return data, err
	}
	g.logger.Debug("github: raw read failed, using contents api",
		slog.String("path", p), slog.String("error", err.Error()))

	rc, _, err := g.client.Repositories.DownloadContents(ctx, g.owner, g.repo, p,
		&github.RepositoryContentGetOptions{Ref: g.branch})
	if err != nil {
		return nil, fmt.Errorf("storage: github read %s: %w", p, ClassifyGitHubError(err))
	}
	defer rc.Close()
	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("storage: github read %s: %w: %w", p, apperr.ErrTransient, err)
	}
	return data, nil
}

func (g *GitHub) readRaw(ctx context.Context, p string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.RawURL(p), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: raw get %s: %w: %w", p, apperr.ErrTransient, err)
	}
	defer resp.Body.Close()
	if err := ClassifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("storage: raw get %s: %w", p, err)
	}
	return io.ReadAll(resp.Body)
}

// Write creates or overwrites path, passing the current sha when the file
// exists. A sha race is retried after re-probing.
func (g *GitHub) Write(ctx context.Context, p string, content []byte) (Object, error) {
	var lastErr error
	for range casAttempts {
		opts := &github.RepositoryContentFileOptions{
			Message: github.String("update " + p),
			Content: content,
			Branch:  github.String(g.branch),
		}
		cur, err := g.Stat(ctx, p)
		switch {
		case err == nil:
			opts.SHA = github.String(cur.SHA)
		case !errors.Is(err, apperr.ErrNotFound):
			return Object{}, err
		}
		res, _, err := g.client.Repositories.CreateFile(ctx, g.owner, g.repo, p, opts)
		if err == nil {
			return g.object(p, content, res), nil
		}
		lastErr = ClassifyGitHubError(err)
		if !errors.Is(lastErr, apperr.ErrConflict) {
			break
		}
		g.logger.Debug("github: write sha conflict, retrying", slog.String("path", p))
	}
	return Object{}, fmt.Errorf("storage: github write %s: %w", p, lastErr)
}

// Upload commits content under a generated name in the upload directory.
func (g *GitHub) Upload(ctx context.Context, originalName string, content []byte) (Object, error) {
	if !IsImage(originalName) {
		return Object{}, fmt.Errorf("storage: upload %s: unsupported file type", originalName)
	}
	for range casAttempts {
		name := remoteName(originalName, g.now())
		p := path.Join(g.uploadDir, name)
		if _, err := g.Stat(ctx, p); err == nil {
			continue
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return Object{}, err
		}
		res, _, err := g.client.Repositories.CreateFile(ctx, g.owner, g.repo, p, &github.RepositoryContentFileOptions{
			Message: github.String("upload image: " + name),
			Content: content,
			Branch:  github.String(g.branch),
		})
		if err != nil {
			return Object{}, fmt.Errorf("storage: github upload %s: %w", name, ClassifyGitHubError(err))
		}
		return g.object(p, content, res), nil
	}
	return Object{}, fmt.Errorf("storage: github upload %s: %w", originalName, apperr.ErrConflict)
}

// Delete removes path using its current sha as the precondition. A stale
// sha is re-fetched up to casAttempts times before Conflict surfaces.
func (g *GitHub) Delete(ctx context.Context, p string) error {
	var lastErr error
	for range casAttempts {
		cur, err := g.Stat(ctx, p)
		if err != nil {
			return err
		}
		_, _, err = g.client.Repositories.DeleteFile(ctx, g.owner, g.repo, p, &github.RepositoryContentFileOptions{
			Message: github.String("delete image: " + path.Base(p)),
			SHA:     github.String(cur.SHA),
			Branch:  github.String(g.branch),
		})
		if err == nil {
			return nil
		}
		lastErr = ClassifyGitHubError(err)
		if !errors.Is(lastErr, apperr.ErrConflict) {
			break
		}
		g.logger.Debug("github: delete sha conflict, retrying", slog.String("path", p))
	}
	return fmt.Errorf("storage: github delete %s: %w", p, lastErr)
}

func (g *GitHub) object(p string, content []byte, res *github.RepositoryContentResponse) Object {
	obj := Object{Path: p, Size: int64(len(content)), Modified: g.now()}
	if res != nil && res.Content != nil {
		obj.SHA = res.Content.GetSHA()
	}
	return obj
}

// ClassifyGitHubError classifies go-github errors into the shared taxonomy.
func ClassifyGitHubError(err error) error {
	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	var er *github.ErrorResponse
	switch {
	case errors.As(err, &rle), errors.As(err, &arle):
		return fmt.Errorf("%w: %w", apperr.ErrRateLimited, err)
	case errors.As(err, &er) && er.Response != nil:
		if se := ClassifyStatus(er.Response.StatusCode); se != nil {
			return fmt.Errorf("%w: %w", se, err)
		}
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrTransient, err)
}

// ClassifyStatus maps an HTTP status to a sentinel, nil for 2xx.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return apperr.ErrUnauthorized
	case code == http.StatusNotFound:
		return apperr.ErrNotFound
	case code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return apperr.ErrConflict
	case code == http.StatusTooManyRequests:
		return apperr.ErrRateLimited
	default:
		return fmt.Errorf("%w: status %d", apperr.ErrTransient, code)
	}
}
