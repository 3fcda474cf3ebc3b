package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const manifestDoc = `{"generated":"2024-06-01T00:00:00Z","count":1,"version":1717200000000,
"images":[{"id":"img_5d41402a","filename":"a.jpg","path":"public/images/a.jpg","hash":"5d41402abc4b2a76b9719d911017c592"}]}`

type fakeGitHub struct {
	rateLimited bool
	etag        string
	body        string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/repos/me/pics/commits/main"):
		if f.rateLimited {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"API rate limit exceeded"}`))
			return
		}
		_, _ = w.Write([]byte("abc123"))
	case r.URL.Path == "/raw/me/pics/main/public/gallery-metadata.json":
		if r.Header.Get("Cache-Control") != "no-cache" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.etag != "" {
			w.Header().Set("ETag", f.etag)
		}
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(f.body))
	default:
		http.NotFound(w, r)
	}
}

func testRemote(t *testing.T, fake *fakeGitHub) *GitHub {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	backend, err := storage.NewGitHub(storage.GitHubOptions{
		Owner: "me", Repo: "pics", ManifestPath: "public/gallery-metadata.json",
		APIBaseURL: srv.URL + "/api/", RawBaseURL: srv.URL + "/raw",
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewGitHub(backend, GitHubOptions{
		Owner: "me", Repo: "pics", ManifestPath: "public/gallery-metadata.json", Logger: quietLogger(),
	})
}

func TestGitHub_LatestVersionCommitSHA(t *testing.T) {
	r := testRemote(t, &fakeGitHub{body: manifestDoc})
	v, err := r.LatestVersion(context.Background())
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if v != "abc123" {
		t.Errorf("version = %q", v)
	}
}

func TestGitHub_RateLimitFallsBackToETag(t *testing.T) {
	r := testRemote(t, &fakeGitHub{rateLimited: true, etag: `"etag-1"`, body: manifestDoc})
	v, err := r.LatestVersion(context.Background())
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if v != `"etag-1"` {
		t.Errorf("version = %q, want mirror etag", v)
	}
}

func TestGitHub_RateLimitWithoutValidators(t *testing.T) {
	r := testRemote(t, &fakeGitHub{rateLimited: true, body: manifestDoc})
	_, err := r.LatestVersion(context.Background())
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestGitHub_FetchManifest(t *testing.T) {
	r := testRemote(t, &fakeGitHub{body: manifestDoc})
	m, err := r.FetchManifest(context.Background())
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if m.Count != 1 || m.Images[0].ID != "img_5d41402a" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestGitHub_FetchMalformed(t *testing.T) {
	r := testRemote(t, &fakeGitHub{body: `{"count":3,"images":[]}`})
	_, err := r.FetchManifest(context.Background())
	if !errors.Is(err, apperr.ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestScan_VersionTracksListing(t *testing.T) {
	fs, err := storage.NewFS(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	r := NewScan(manifest.NewScanner(fs, "", quietLogger()))

	v1, err := r.LatestVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	v2, _ := r.LatestVersion(ctx)
	if v1 != v2 {
		t.Errorf("unchanged store produced different versions")
	}

	_, _ = fs.Write(ctx, "a.jpg", []byte("a"))
	v3, _ := r.LatestVersion(ctx)
	if v3 == v2 {
		t.Error("new file did not change version")
	}
	m, err := r.FetchManifest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Count != 1 {
		t.Errorf("count = %d", m.Count)
	}
}

func TestListingVersionOrderIndependent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := []storage.Object{{Path: "a.jpg", Size: 1, Modified: now}, {Path: "b.jpg", Size: 2, Modified: now}}
	b := []storage.Object{a[1], a[0]}
	if ListingVersion(a) != ListingVersion(b) {
		t.Error("listing order changed the version")
	}
}
