package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/imageservice"
	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/realtime"
	"github.com/starford/gallery/internal/storage"
	"github.com/starford/gallery/internal/syncer"
	"github.com/starford/gallery/internal/testutil"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

type fakeSync struct {
	mu       sync.Mutex
	manifest *models.Manifest
	async    []events.Trigger
	result   syncer.Result
	err      error
}

func (f *fakeSync) Status() syncer.Status {
	return syncer.Status{State: syncer.StateIdle, Stats: syncer.Stats{TotalSyncs: 3, SuccessRate: "100.00%"}}
}

func (f *fakeSync) Trigger(context.Context, events.Trigger, string) (syncer.Result, error) {
	return f.result, f.err
}

func (f *fakeSync) TriggerAsync(trigger events.Trigger, _ string) {
	f.mu.Lock()
	f.async = append(f.async, trigger)
	f.mu.Unlock()
}

func (f *fakeSync) Manifest() *models.Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifest
}

func (f *fakeSync) setManifest(m *models.Manifest) {
	f.mu.Lock()
	f.manifest = m
	f.mu.Unlock()
}

func (f *fakeSync) triggers() []events.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Trigger(nil), f.async...)
}

type fakeRegistry struct{}

func (fakeRegistry) Clients() []realtime.ClientInfo {
	return []realtime.ClientInfo{{ID: "c1", Transport: realtime.TransportWebSocket}}
}

func (fakeRegistry) Counts() realtime.Counts { return realtime.Counts{Active: 1, Total: 4} }

type env struct {
	router  http.Handler
	sync    *fakeSync
	store   *storage.FS
	scanner *manifest.Scanner
	svc     *imageservice.Service
}

func testEnv(t *testing.T, auth AuthOptions, webhook WebhookOptions) *env {
	t.Helper()
	_, store := testutil.TestGallery(t)
	db := testutil.TestDB(t)
	fs := &fakeSync{}
	scanner := manifest.NewScanner(store, "", testutil.Logger())
	svc := imageservice.NewService(store, db, fs, scanner, testutil.Logger())
	h := NewHandler(svc, fs, fakeRegistry{}, webhook)

	r := chi.NewRouter()
	r.Mount("/api", NewRouter(h, auth, nil))
	r.Get("/media/*", h.Media)
	return &env{router: r, sync: fs, store: store, scanner: scanner, svc: svc}
}

func (e *env) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// accept scans the store and publishes the result as the accepted manifest.
func (e *env) accept(t *testing.T) *models.Manifest {
	t.Helper()
	m, err := e.scanner.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e.sync.setManifest(m)
	return m
}

func TestHealthAlwaysOK(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || resp.Sync.TotalSyncs != 3 || resp.Memory.Sys == 0 {
		t.Errorf("health = %+v", resp)
	}
}

func TestStatusIncludesConnections(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Server.ConnectedClients != 1 || resp.Server.TotalConnections != 4 || resp.Sync.State != syncer.StateIdle {
		t.Errorf("status = %+v", resp)
	}
}

func TestMetadataUnavailableBeforeFirstSync(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/metadata", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}

	if _, err := e.store.Write(context.Background(), "a.png", pngBytes); err != nil {
		t.Fatal(err)
	}
	m := e.accept(t)
	w = e.do(t, httptest.NewRequest(http.MethodGet, "/api/metadata", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got, err := manifest.Decode(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 1 || got.Images[0].ID != m.Images[0].ID {
		t.Errorf("metadata = %+v", got)
	}
}

func TestSyncRequiresToken(t *testing.T) {
	e := testEnv(t, AuthOptions{Mode: AuthToken, Token: "s3cret"}, WebhookOptions{})
	e.sync.result = syncer.Result{Trigger: events.TriggerManual, HasUpdate: true, NewVersion: "v2"}

	w := e.do(t, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := e.do(t, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = e.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Result.NewVersion != "v2" {
		t.Errorf("resp = %+v", resp)
	}

	// Reads stay public.
	if w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/images", nil)); w.Code != http.StatusOK {
		t.Errorf("public read status = %d", w.Code)
	}
}

func TestSyncFailureIs500(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	e.sync.err = context.DeadlineExceeded
	w := e.do(t, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	e := testEnv(t, AuthOptions{Mode: AuthBasic, Username: "admin", PasswordHash: hash}, WebhookOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.SetBasicAuth("admin", "wrong")
	w := e.do(t, req)
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("wrong password: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.SetBasicAuth("admin", "hunter2")
	if w := e.do(t, req); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := mw.CreateFormFile(uploadField, name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	body, ct := multipartBody(t, map[string][]byte{
		"cat.png":   pngBytes,
		"notes.png": []byte("plain text pretending"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	w := e.do(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Uploaded) != 1 || resp.Uploaded[0].Original != "cat.png" {
		t.Errorf("uploaded = %+v", resp.Uploaded)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].Filename != "notes.png" {
		t.Errorf("failed = %+v", resp.Failed)
	}
	objs, err := e.store.List(context.Background(), "uploads")
	if err != nil || len(objs) != 1 {
		t.Fatalf("stored = %v, %v", objs, err)
	}
	if got := e.sync.triggers(); len(got) != 1 || got[0] != events.TriggerUpload {
		t.Errorf("triggers = %v", got)
	}
}

func TestUploadMissingField(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "x")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w := e.do(t, req); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDeleteImage(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	if _, err := e.store.Write(context.Background(), "a.png", pngBytes); err != nil {
		t.Fatal(err)
	}
	id := e.accept(t).Images[0].ID

	w := e.do(t, httptest.NewRequest(http.MethodDelete, "/api/images/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	// The manifest still lists the id until the next sync; the file is gone.
	w = e.do(t, httptest.NewRequest(http.MethodDelete, "/api/images/"+id, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestBulkDelete(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	ctx := context.Background()
	if _, err := e.store.Write(ctx, "a.png", pngBytes); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.Write(ctx, "b.png", append(pngBytes, 1)); err != nil {
		t.Fatal(err)
	}
	m := e.accept(t)

	body, _ := json.Marshal(DeleteRequest{IDs: []string{m.Images[0].ID, m.Images[1].ID, "img_gone"}})
	w := e.do(t, httptest.NewRequest(http.MethodDelete, "/api/images", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp DeleteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Deleted != 3 || resp.Failed != 0 {
		t.Errorf("resp = %+v", resp)
	}

	w = e.do(t, httptest.NewRequest(http.MethodDelete, "/api/images", bytes.NewReader([]byte(`{"ids":[]}`))))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty ids status = %d", w.Code)
	}
}

func TestListAndGetImages(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	gen := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	a := testutil.Image("a", "a.jpg", gen)
	b := testutil.Image("b", "b.jpg", gen.Add(time.Hour))
	snap := testutil.Manifest(gen, b, a)
	e.sync.setManifest(snap)

	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/images/"+a.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	w = e.do(t, httptest.NewRequest(http.MethodGet, "/api/images/img_missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/api/images?limit=10", nil))
	var resp ImageListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Images == nil || resp.Limit != 10 {
		t.Errorf("list = %+v", resp)
	}
}

func TestClients(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/clients", nil))
	var resp ClientsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Clients[0].ID != "c1" || resp.Total != 4 {
		t.Errorf("clients = %+v", resp)
	}
}

func TestMedia(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	if _, err := e.store.Write(context.Background(), "albums/x.png", pngBytes); err != nil {
		t.Fatal(err)
	}
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/media/albums/x.png", nil))
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status = %d, type = %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.Equal(w.Body.Bytes(), pngBytes) {
		t.Error("body mismatch")
	}
	if w := e.do(t, httptest.NewRequest(http.MethodGet, "/media/albums/none.png", nil)); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", w.Code)
	}
}

func pushPayload(ref string, added ...string) []byte {
	body, _ := json.Marshal(map[string]any{
		"ref": ref,
		"commits": []map[string]any{
			{"id": "abc", "added": added, "modified": []string{}, "removed": []string{}},
		},
	})
	return body
}

func signedRequest(secret string, body []byte, event string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestWebhook(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{Secret: "hook", Branch: "main"})

	tests := []struct {
		name      string
		req       *http.Request
		status    int
		triggered bool
	}{
		{"bad signature", signedRequest("other", pushPayload("refs/heads/main", "a.jpg"), "push"), http.StatusUnauthorized, false},
		{"ping", signedRequest("hook", []byte(`{"zen":"hi"}`), "ping"), http.StatusOK, false},
		{"other branch", signedRequest("hook", pushPayload("refs/heads/dev", "a.jpg"), "push"), http.StatusOK, false},
		{"no images", signedRequest("hook", pushPayload("refs/heads/main", "README.md"), "push"), http.StatusOK, false},
		{"image push", signedRequest("hook", pushPayload("refs/heads/main", "public/a.JPG"), "push"), http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(e.sync.triggers())
			w := e.do(t, tt.req)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.status, w.Body.String())
			}
			fired := len(e.sync.triggers()) > before
			if fired != tt.triggered {
				t.Errorf("triggered = %v, want %v", fired, tt.triggered)
			}
		})
	}
}

func TestWebhookWithoutSecret(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/github", bytes.NewReader(pushPayload("refs/heads/main", "x.png")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	w := e.do(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := e.sync.triggers(); len(got) != 1 || got[0] != events.TriggerWebhook {
		t.Errorf("triggers = %v", got)
	}
}

func TestWebhookFormEncoded(t *testing.T) {
	form := url.Values{"payload": {string(pushPayload("refs/heads/main", "public/b.webp"))}}.Encode()

	tests := []struct {
		name   string
		secret string
	}{
		{"without secret", ""},
		{"with secret", "hook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEnv(t, AuthOptions{}, WebhookOptions{Secret: tt.secret})
			req := httptest.NewRequest(http.MethodPost, "/api/webhook/github", strings.NewReader(form))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("X-GitHub-Event", "push")
			if tt.secret != "" {
				mac := hmac.New(sha256.New, []byte(tt.secret))
				mac.Write([]byte(form))
				req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
			}
			w := e.do(t, req)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if got := e.sync.triggers(); len(got) != 1 || got[0] != events.TriggerWebhook {
				t.Errorf("triggers = %v", got)
			}
		})
	}
}

func TestWebhookWithoutSecretRejectsGarbage(t *testing.T) {
	e := testEnv(t, AuthOptions{}, WebhookOptions{})
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/github", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("X-GitHub-Event", "push")
	if w := e.do(t, req); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := e.sync.triggers(); len(got) != 0 {
		t.Errorf("triggers = %v", got)
	}
}
