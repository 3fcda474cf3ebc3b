package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/models"
)

// WatchOptions configures Watch.
type WatchOptions struct {
	Token     string
	Heartbeat time.Duration
	// OnUpdate receives the visible images after every accepted manifest.
	OnUpdate func([]models.ImageRecord)
	Logger   *slog.Logger
}

type serverFrame struct {
	Event events.Kind     `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Watch subscribes to the realtime channel at wsURL and refreshes r from
// fetcher once on connect and after every sync_complete that carried an
// update. It returns when ctx is done or the connection drops.
func Watch(ctx context.Context, wsURL string, r *Reconciler, fetcher ManifestFetcher, opts WatchOptions) error {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var dialOpts *websocket.DialOptions
	if opts.Token != "" {
		dialOpts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": {"Bearer " + opts.Token}}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	refresh := func() {
		m, err := fetcher.FetchManifest(ctx)
		if err != nil {
			opts.Logger.Warn("client: fetch manifest failed", slog.String("error", err.Error()))
			return
		}
		visible, err := r.Apply(m)
		if err != nil {
			opts.Logger.Warn("client: apply manifest", slog.String("error", err.Error()))
		}
		if opts.OnUpdate != nil {
			opts.OnUpdate(visible)
		}
	}
	refresh()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go heartbeat(ctx, conn, opts.Heartbeat)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: read: %w", err)
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			opts.Logger.Debug("client: skip undecodable frame", slog.String("error", err.Error()))
			continue
		}
		switch f.Event {
		case events.SyncComplete:
			var done struct {
				HasUpdate bool `json:"hasUpdate"`
			}
			if json.Unmarshal(f.Data, &done) == nil && done.HasUpdate {
				refresh()
			}
		case events.SyncError:
			opts.Logger.Warn("client: server sync failed", slog.String("data", string(f.Data)))
		}
	}
}

func heartbeat(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			msg, _ := json.Marshal(map[string]any{
				"type":      "heartbeat",
				"data":      map[string]string{"clientTime": now.UTC().Format(time.RFC3339)},
				"timestamp": now.UTC().Format(time.RFC3339),
			})
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
