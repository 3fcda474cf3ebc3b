package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/imageservice"
	"github.com/starford/gallery/internal/realtime"
	"github.com/starford/gallery/internal/storage"
	"github.com/starford/gallery/internal/syncer"
)

// SyncControl is the sync loop surface the API drives. It only reads status
// and queues triggers; the loop stays the single writer of sync state.
type SyncControl interface {
	Status() syncer.Status
	Trigger(ctx context.Context, trigger events.Trigger, by string) (syncer.Result, error)
	TriggerAsync(trigger events.Trigger, by string)
}

// ClientRegistry exposes the realtime connection registry.
type ClientRegistry interface {
	Clients() []realtime.ClientInfo
	Counts() realtime.Counts
}

// Handler holds API route handlers.
type Handler struct {
	svc     *imageservice.Service
	sync    SyncControl
	clients ClientRegistry
	webhook WebhookOptions
	started time.Time
}

// NewHandler creates a new Handler.
func NewHandler(svc *imageservice.Service, sync SyncControl, clients ClientRegistry, webhook WebhookOptions) *Handler {
	return &Handler{svc: svc, sync: sync, clients: clients, webhook: webhook, started: time.Now()}
}

func (h *Handler) uptime() float64 {
	return time.Since(h.started).Seconds()
}

// Health handles GET /api/health. It always answers 200.
//
//	@Summary		Process health, memory and sync counters
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    h.uptime(),
		Memory: MemoryStats{
			Alloc:      ms.Alloc,
			HeapInUse:  ms.HeapInuse,
			Sys:        ms.Sys,
			NumGC:      ms.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		Sync: h.sync.Status().Stats,
	})
}

// Status handles GET /api/status.
//
//	@Summary		Sync loop state and server info
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	counts := h.clients.Counts()
	writeJSON(w, http.StatusOK, StatusResponse{
		Sync: h.sync.Status(),
		Server: ServerInfo{
			Uptime:           h.uptime(),
			ConnectedClients: counts.Active,
			TotalConnections: counts.Total,
		},
	})
}

// Sync handles POST /api/sync. It waits for the cycle the request joins.
//
//	@Summary		Run a sync cycle now
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	SyncResponse
//	@Failure		500	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.sync.Trigger(r.Context(), events.TriggerManual, "api")
	if err != nil {
		slog.Warn("api: manual sync failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Success: true, Result: res})
}

// ListImages handles GET /api/images.
//
//	@Summary		List images with pagination
//	@Tags			images
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			sort	query		string	false	"Sort order"	Enums(newest, oldest, name, manifest)
//	@Success		200		{object}	ImageListResponse
//	@Router			/images [get]
func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	sort := q.Get("sort")

	images, total, err := h.svc.ListImages(r.Context(), limit, offset, sort)
	if err != nil {
		slog.Error("list images failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, ImageListResponse{Images: images, Total: total, Limit: limit, Offset: offset})
}

// GetImage handles GET /api/images/{id}.
//
//	@Summary		Get one image record
//	@Tags			images
//	@Produce		json
//	@Param			id	path		string	true	"Image id"
//	@Success		200	{object}	models.ImageRecord
//	@Failure		404	{object}	errResponse
//	@Router			/images/{id} [get]
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	img, err := h.svc.GetImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get image failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// Metadata handles GET /api/metadata: the last accepted manifest.
//
//	@Summary		Current gallery manifest
//	@Tags			images
//	@Produce		json
//	@Success		200	{object}	models.Manifest
//	@Failure		503	{object}	errResponse
//	@Router			/metadata [get]
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Metadata(r.Context())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody("metadata not available yet"))
		} else {
			slog.Error("metadata failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, m)
}

// History handles GET /api/history.
//
//	@Summary		Recent sync cycles
//	@Tags			sync
//	@Produce		json
//	@Param			limit	query		int	false	"Max runs"
//	@Success		200		{object}	HistoryResponse
//	@Router			/history [get]
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.svc.History(r.Context(), limit)
	if err != nil {
		slog.Error("history failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs})
}

// Clients handles GET /api/clients.
//
//	@Summary		Connected realtime clients
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	ClientsResponse
//	@Router			/clients [get]
func (h *Handler) Clients(w http.ResponseWriter, _ *http.Request) {
	clients := h.clients.Clients()
	counts := h.clients.Counts()
	writeJSON(w, http.StatusOK, ClientsResponse{Clients: clients, Count: len(clients), Total: counts.Total})
}

// DeleteImage handles DELETE /api/images/{id}. An image that is already gone
// answers 404, which clients treat as success.
//
//	@Summary		Delete one image
//	@Tags			images
//	@Param			id	path		string	true	"Image id"
//	@Success		200	{object}	imageservice.DeleteResult
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/images/{id} [delete]
func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := h.svc.DeleteImages(r.Context(), []string{id})[0]
	switch res.Status {
	case imageservice.StatusDeleted:
		writeJSON(w, http.StatusOK, res)
	case imageservice.StatusNotFound:
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	default:
		writeJSON(w, statusFor(res.Err()), errorBody(res.Error))
	}
}

// DeleteImages handles DELETE /api/images with a JSON body of ids.
//
//	@Summary		Delete several images
//	@Tags			images
//	@Accept			json
//	@Produce		json
//	@Param			body	body		DeleteRequest	true	"Ids to delete"
//	@Success		200		{object}	DeleteResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/images [delete]
func (h *Handler) DeleteImages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("ids are required"))
		return
	}
	results := h.svc.DeleteImages(r.Context(), req.IDs)
	resp := DeleteResponse{Results: results}
	for _, res := range results {
		if res.OK() {
			resp.Deleted++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Media handles GET /media/*: raw image bytes from the backend.
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	p, err := url.PathUnescape(raw)
	if err != nil {
		p = raw
	}
	data, err := h.svc.ReadMedia(r.Context(), p)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		slog.Error("media read failed", slog.String("path", p), slog.String("error", err.Error()))
		http.Error(w, "internal error", statusFor(err))
		return
	}
	w.Header().Set("Content-Type", storage.ContentType(p))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
