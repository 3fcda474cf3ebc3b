package api

import (
	"time"

	"github.com/starford/gallery/internal/imageservice"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/realtime"
	"github.com/starford/gallery/internal/syncer"
)

// MemoryStats is the runtime memory subset reported by /api/health.
type MemoryStats struct {
	Alloc      uint64 `json:"alloc" example:"4194304"`
	HeapInUse  uint64 `json:"heapInUse" example:"6291456"`
	Sys        uint64 `json:"sys" example:"16777216"`
	NumGC      uint32 `json:"numGC" example:"12"`
	Goroutines int    `json:"goroutines" example:"9"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string       `json:"status" example:"healthy" validate:"required"`
	Timestamp time.Time    `json:"timestamp" validate:"required"`
	Uptime    float64      `json:"uptime" example:"3600.5" validate:"required"`
	Memory    MemoryStats  `json:"memory" validate:"required"`
	Sync      syncer.Stats `json:"sync" validate:"required"`
}

// ServerInfo is the server block of GET /api/status.
type ServerInfo struct {
	Uptime           float64 `json:"uptime"`
	ConnectedClients int     `json:"connectedClients"`
	TotalConnections int64   `json:"totalConnections"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Sync   syncer.Status `json:"sync" validate:"required"`
	Server ServerInfo    `json:"server" validate:"required"`
}

// SyncResponse is returned by POST /api/sync.
type SyncResponse struct {
	Success bool          `json:"success" validate:"required"`
	Result  syncer.Result `json:"result" validate:"required"`
}

// ImageListResponse wraps paginated image listings.
type ImageListResponse struct {
	Images []models.ImageRecord `json:"images" validate:"required"`
	Total  int                  `json:"total" example:"42" validate:"required"`
	Limit  int                  `json:"limit" example:"50"`
	Offset int                  `json:"offset" example:"0"`
}

// DeleteRequest is the body of DELETE /api/images.
type DeleteRequest struct {
	IDs []string `json:"ids" validate:"required"`
}

// DeleteResponse reports per-id results of a bulk delete.
type DeleteResponse struct {
	Results []imageservice.DeleteResult `json:"results" validate:"required"`
	Deleted int                         `json:"deleted"`
	Failed  int                         `json:"failed"`
}

// UploadResponse is returned by POST /api/upload.
type UploadResponse struct {
	Uploaded []imageservice.UploadResult `json:"uploaded" validate:"required"`
	Failed   []UploadFailure             `json:"failed,omitempty"`
}

// UploadFailure names a rejected file.
type UploadFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// HistoryResponse wraps recent sync runs.
type HistoryResponse struct {
	Runs []models.SyncRun `json:"runs" validate:"required"`
}

// ClientsResponse lists realtime connections.
type ClientsResponse struct {
	Clients []realtime.ClientInfo `json:"clients" validate:"required"`
	Count   int                   `json:"count"`
	Total   int64                 `json:"total"`
}

// WebhookResponse acknowledges a push notification.
type WebhookResponse struct {
	Message   string `json:"message"`
	Triggered bool   `json:"triggered"`
}
