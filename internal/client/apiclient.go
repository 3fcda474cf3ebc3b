package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/storage"
)

// ManifestFetcher returns the server's current manifest.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context) (*models.Manifest, error)
}

// APIClient talks to the gallery REST surface.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// Verify APIClient satisfies both client-side interfaces at compile time.
var (
	_ Deleter         = (*APIClient)(nil)
	_ ManifestFetcher = (*APIClient)(nil)
)

// NewAPIClient returns a client for the server at baseURL. An empty token
// sends no Authorization header.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchManifest implements ManifestFetcher via GET /api/metadata.
func (c *APIClient) FetchManifest(ctx context.Context) (*models.Manifest, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/metadata")
	if err != nil {
		return nil, err
	}
	return manifest.Decode(body)
}

// DeleteImage implements Deleter via DELETE /api/images/{id}.
func (c *APIClient) DeleteImage(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/images/"+url.PathEscape(id))
	return err
}

// Images returns one page of GET /api/images.
func (c *APIClient) Images(ctx context.Context, limit, offset int, sort string) ([]models.ImageRecord, int, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	if sort != "" {
		q.Set("sort", sort)
	}
	body, err := c.do(ctx, http.MethodGet, "/api/images?"+q.Encode())
	if err != nil {
		return nil, 0, err
	}
	var page struct {
		Images []models.ImageRecord `json:"images"`
		Total  int                  `json:"total"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, 0, fmt.Errorf("client: decode images: %w", err)
	}
	return page.Images, page.Total, nil
}

// WebSocketURL derives the realtime endpoint from the base URL.
func (c *APIClient) WebSocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *APIClient) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("client: read body: %w", err)
	}
	if se := storage.ClassifyStatus(resp.StatusCode); se != nil {
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("client: %s %s: %s: %w", method, path, eb.Error, se)
	}
	return body, nil
}
