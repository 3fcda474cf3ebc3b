package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/gallery/internal/clock"
	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/syncer"
)

// Client → server message types.
const (
	MsgHeartbeat  = "heartbeat"
	MsgManualSync = "manual_sync"
	MsgGetStats   = "get_stats"
)

const writeTimeout = 5 * time.Second

// Syncer is the part of the sync service the channel drives.
type Syncer interface {
	Status() syncer.Status
	Trigger(ctx context.Context, trigger events.Trigger, by string) (syncer.Result, error)
}

// Message is a client → server frame.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Validate checks the message envelope.
func (m Message) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Type, validation.Required, validation.In(MsgHeartbeat, MsgManualSync, MsgGetStats)),
	)
}

type heartbeatIn struct {
	ClientTime string `json:"clientTime"`
}

// ServerStats is the stats block sent on connect and on get_stats.
type ServerStats struct {
	syncer.Stats
	ConnectedClients int   `json:"connectedClients"`
	TotalConnections int64 `json:"totalConnections"`
}

// ConnectedData greets a new connection.
type ConnectedData struct {
	ClientID   string      `json:"clientId"`
	ServerTime time.Time   `json:"serverTime"`
	Stats      ServerStats `json:"stats"`
}

// SyncStatusData carries the current sync state.
type SyncStatusData struct {
	Status syncer.Status `json:"status"`
	Stats  ServerStats   `json:"stats"`
}

// StatsUpdateData answers get_stats.
type StatsUpdateData struct {
	ServerStats
	Timestamp time.Time `json:"timestamp"`
}

// Handler serves the websocket and SSE transports for a Hub.
type Handler struct {
	hub       *Hub
	sync      Syncer
	clock     clock.Clock
	logger    *slog.Logger
	keepalive time.Duration
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithKeepalive sets the SSE keepalive interval.
func WithKeepalive(d time.Duration) HandlerOption {
	return func(h *Handler) { h.keepalive = d }
}

// NewHandler returns transport handlers bound to hub and the sync service.
func NewHandler(hub *Hub, s Syncer, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{hub: hub, sync: s, clock: clock.Real{}, logger: logger, keepalive: 30 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) stats(self bool) ServerStats {
	counts := h.hub.Counts()
	st := ServerStats{
		Stats:            h.sync.Status().Stats,
		ConnectedClients: counts.Active,
		TotalConnections: counts.Total,
	}
	if self {
		// Called before the new connection reaches the registry.
		st.ConnectedClients++
		st.TotalConnections++
	}
	return st
}

func (h *Handler) greet(id string) []events.Event {
	st := h.stats(true)
	return []events.Event{
		{Kind: events.Connected, Data: ConnectedData{ClientID: id, ServerTime: h.clock.Now(), Stats: st}},
		{Kind: events.SyncStatus, Data: SyncStatusData{Status: h.sync.Status(), Stats: st}},
	}
}

// ServeWS is the websocket endpoint handler (GET /ws).
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("realtime: websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sub := h.hub.Register(TransportWebSocket, r.UserAgent(), r.RemoteAddr, h.greet)
	defer h.hub.Unregister(sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, cancel, conn, sub)

	h.readLoop(ctx, conn, sub.ID)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *Subscription) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "connection removed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, f.Data)
			wcancel()
			if err != nil {
				h.logger.Debug("realtime: write failed", slog.String("client_id", sub.ID), slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, id string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			h.replyError(id, "binary messages are not supported")
			continue
		}
		h.handleMessage(ctx, id, data)
	}
}

func (h *Handler) handleMessage(ctx context.Context, id string, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.replyError(id, "invalid message: "+err.Error())
		return
	}
	if err := msg.Validate(); err != nil {
		h.replyError(id, "invalid message: "+err.Error())
		return
	}
	h.hub.Touch(id)

	switch msg.Type {
	case MsgHeartbeat:
		var in heartbeatIn
		if len(msg.Data) > 0 {
			_ = json.Unmarshal(msg.Data, &in)
		}
		h.hub.SendTo(id, events.Event{Kind: events.Heartbeat, Data: events.HeartbeatData{
			ServerTime: h.clock.Now(),
			ClientTime: in.ClientTime,
		}})

	case MsgManualSync:
		h.hub.SendTo(id, events.Event{Kind: events.SyncStart, Data: events.SyncStartData{
			Meta:    events.Meta{Type: events.TriggerManual, Timestamp: h.clock.Now(), TriggeredBy: []string{id}},
			Version: h.sync.Status().CurrentVersion,
		}})
		// The outcome reaches every client through the broadcast lifecycle events.
		go func() {
			_, err := h.sync.Trigger(ctx, events.TriggerManual, id)
			if errors.Is(err, syncer.ErrStopped) {
				h.replyError(id, "sync service is not running")
			}
		}()

	case MsgGetStats:
		h.hub.SendTo(id, events.Event{Kind: events.StatsUpdate, Data: StatsUpdateData{
			ServerStats: h.stats(false),
			Timestamp:   h.clock.Now(),
		}})
	}
}

func (h *Handler) replyError(id, msg string) {
	h.hub.SendTo(id, events.Event{Kind: events.Error, Data: events.ErrorData{Error: msg}})
}

// ServeSSE is the read-only event stream handler (GET /api/events).
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Register(TransportSSE, r.UserAgent(), r.RemoteAddr, h.greet)
	defer h.hub.Unregister(sub.ID)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			h.hub.Touch(sub.ID)
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case f, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Kind, f.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
