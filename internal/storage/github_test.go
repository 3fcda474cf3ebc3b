package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/gallery/internal/apperr"
)

var fixedNow = time.UnixMilli(1700000000000)

type blob struct {
	sha     string
	content []byte
}

// fakeRepo emulates the subset of the contents API and raw mirror the backend uses.
type fakeRepo struct {
	mu             sync.Mutex
	files          map[string]blob
	seq            int
	conflictDelete int
	messages       []string
	branches       []string
	rateLimited    bool
}

func (f *fakeRepo) put(p string, content []byte) string {
	f.seq++
	sha := fmt.Sprintf("sha%d", f.seq)
	f.files[p] = blob{sha: sha, content: content}
	return sha
}

func (f *fakeRepo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := strings.CutPrefix(r.URL.Path, "/raw/me/pics/main/"); ok {
		b, exists := f.files[p]
		if !exists {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(b.content)
		return
	}

	p, ok := strings.CutPrefix(r.URL.Path, "/api/repos/me/pics/contents/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if f.rateLimited {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Limit", "60")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"API rate limit exceeded"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		b, exists := f.files[p]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"name":     p[strings.LastIndex(p, "/")+1:],
			"path":     p,
			"sha":      b.sha,
			"size":     len(b.content),
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString(b.content),
		})

	case http.MethodPut:
		var body struct {
			Message string `json:"message"`
			Content []byte `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.messages = append(f.messages, body.Message)
		f.branches = append(f.branches, body.Branch)
		if cur, exists := f.files[p]; exists && cur.sha != body.SHA {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"sha wasn't supplied"}`))
			return
		}
		sha := f.put(p, body.Content)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"content": map[string]any{"path": p, "sha": sha}})

	case http.MethodDelete:
		var body struct {
			Message string `json:"message"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.messages = append(f.messages, body.Message)
		f.branches = append(f.branches, body.Branch)
		cur, exists := f.files[p]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		if f.conflictDelete > 0 || cur.sha != body.SHA {
			if f.conflictDelete > 0 {
				f.conflictDelete--
			}
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"does not match"}`))
			return
		}
		delete(f.files, p)
		_, _ = w.Write([]byte(`{"commit":{}}`))
	}
}

func testGitHub(t *testing.T) (*GitHub, *fakeRepo) {
	t.Helper()
	repo := &fakeRepo{files: make(map[string]blob)}
	srv := httptest.NewServer(repo)
	t.Cleanup(srv.Close)
	g, err := NewGitHub(GitHubOptions{
		Owner:        "me",
		Repo:         "pics",
		Token:        "t0ken",
		UploadDir:    "public/images",
		ManifestPath: "public/gallery-metadata.json",
		APIBaseURL:   srv.URL + "/api/",
		RawBaseURL:   srv.URL + "/raw",
	})
	if err != nil {
		t.Fatal(err)
	}
	g.now = func() time.Time { return fixedNow }
	return g, repo
}

func TestGitHub_UploadAndRead(t *testing.T) {
	g, repo := testGitHub(t)
	ctx := context.Background()

	obj, err := g.Upload(ctx, "beach.jpg", []byte("sand"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(obj.Path, "public/images/beach_1700000000000_") || obj.SHA == "" {
		t.Errorf("object = %+v", obj)
	}
	got, err := g.Read(ctx, obj.Path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "sand" {
		t.Errorf("content = %q", got)
	}
	if len(repo.messages) != 1 || !strings.HasPrefix(repo.messages[0], "upload image: beach_") {
		t.Errorf("commit messages = %v", repo.messages)
	}
}

func TestGitHub_WriteOverwritesWithSHA(t *testing.T) {
	g, repo := testGitHub(t)
	ctx := context.Background()
	repo.put("public/gallery-metadata.json", []byte(`{}`))

	if _, err := g.Write(ctx, "public/gallery-metadata.json", []byte(`{"count":0}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(repo.files["public/gallery-metadata.json"].content) != `{"count":0}` {
		t.Error("overwrite not applied")
	}
}

func TestGitHub_CommitsTargetBranch(t *testing.T) {
	g, repo := testGitHub(t)
	ctx := context.Background()
	repo.put("public/images/a.jpg", []byte("a"))

	if _, err := g.Write(ctx, "public/gallery-metadata.json", []byte(`{}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := g.Delete(ctx, "public/images/a.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(repo.branches) != 2 {
		t.Fatalf("commits = %d, want 2", len(repo.branches))
	}
	for i, b := range repo.branches {
		if b != "main" {
			t.Errorf("commit %d branch = %q, want main", i, b)
		}
	}
	if repo.messages[0] != "update public/gallery-metadata.json" {
		t.Errorf("commit message = %q", repo.messages[0])
	}
}

func TestGitHub_DeleteRetriesStaleSHA(t *testing.T) {
	g, repo := testGitHub(t)
	ctx := context.Background()
	repo.put("public/images/a.jpg", []byte("a"))
	repo.conflictDelete = 1

	if err := g.Delete(ctx, "public/images/a.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := repo.files["public/images/a.jpg"]; ok {
		t.Error("file still present")
	}
	if repo.messages[0] != "delete image: a.jpg" {
		t.Errorf("commit message = %q", repo.messages[0])
	}
}

func TestGitHub_DeleteConflictSurfacesAfterRetries(t *testing.T) {
	g, repo := testGitHub(t)
	repo.put("public/images/a.jpg", []byte("a"))
	repo.conflictDelete = casAttempts

	err := g.Delete(context.Background(), "public/images/a.jpg")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestGitHub_DeleteMissingIsNotFound(t *testing.T) {
	g, _ := testGitHub(t)
	err := g.Delete(context.Background(), "public/images/gone.jpg")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGitHub_RateLimitClassified(t *testing.T) {
	g, repo := testGitHub(t)
	repo.rateLimited = true
	_, err := g.Stat(context.Background(), "public/images/a.jpg")
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestGitHub_ListFromManifest(t *testing.T) {
	g, repo := testGitHub(t)
	repo.put("public/gallery-metadata.json", []byte(`{"count":2,"images":[
		{"id":"img_1","path":"public/images/a.jpg","size":3},
		{"id":"img_2","path":"other/b.png","size":4}]}`))

	objs, err := g.List(context.Background(), "public/images")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 1 || objs[0].Path != "public/images/a.jpg" || objs[0].Size != 3 {
		t.Errorf("List = %+v", objs)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{401, apperr.ErrUnauthorized},
		{404, apperr.ErrNotFound},
		{409, apperr.ErrConflict},
		{422, apperr.ErrConflict},
		{429, apperr.ErrRateLimited},
		{502, apperr.ErrTransient},
	}
	for _, tt := range tests {
		if err := ClassifyStatus(tt.code); !errors.Is(err, tt.want) {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
	if ClassifyStatus(200) != nil {
		t.Error("2xx should be nil")
	}
}
