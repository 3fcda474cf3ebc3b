// Package realtime fans sync events out to connected browsers over
// websocket and SSE.
package realtime

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/starford/gallery/internal/clock"
	"github.com/starford/gallery/internal/events"
)

// Transports a client can connect with.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// ClientInfo describes one registered connection.
type ClientInfo struct {
	ID           string    `json:"id"`
	Transport    string    `json:"transport"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	UserAgent    string    `json:"userAgent,omitempty"`
	IP           string    `json:"ip,omitempty"`
}

// Counts summarizes the registry.
type Counts struct {
	Active int   `json:"active"`
	Total  int64 `json:"total"`
}

// Frame is one encoded event queued for a client.
type Frame struct {
	Kind events.Kind
	Data []byte
}

// Subscription is a registered client's outbound queue. C is closed when the
// client is unregistered or evicted.
type Subscription struct {
	ID string
	C  <-chan Frame
}

// HubConfig controls liveness and buffering.
type HubConfig struct {
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
	ClientBuffer    int
}

type client struct {
	info ClientInfo
	send chan Frame
}

type sendReq struct {
	id  string
	msg Frame
	ok  chan bool
}

// Hub owns the connection registry.
//
// A single goroutine owns all mutable state (clients, counters). Public
// methods talk to it through channels, so no mutexes are required.
type Hub struct {
	cfg    HubConfig
	clock  clock.Clock
	ids    clock.IDGenerator
	logger *slog.Logger

	registerCh   chan *client
	unregisterCh chan string
	publishCh    chan Frame
	sendCh       chan sendReq
	touchCh      chan string
	clientsReqCh chan chan []ClientInfo
	countsReqCh  chan chan Counts

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithHubClock sets the time source used for liveness.
func WithHubClock(c clock.Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

// WithHubIDs sets the connection id generator.
func WithHubIDs(g clock.IDGenerator) HubOption {
	return func(h *Hub) { h.ids = g }
}

// NewHub starts the hub loop.
func NewHub(cfg HubConfig, logger *slog.Logger, opts ...HubOption) *Hub {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	h := &Hub{
		cfg:          cfg,
		clock:        clock.Real{},
		ids:          clock.UUIDGenerator{},
		logger:       logger,
		registerCh:   make(chan *client),
		unregisterCh: make(chan string),
		publishCh:    make(chan Frame, 256),
		sendCh:       make(chan sendReq),
		touchCh:      make(chan string),
		clientsReqCh: make(chan chan []ClientInfo),
		countsReqCh:  make(chan chan Counts),
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	clients := make(map[string]*client)
	var total int64
	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()

	evict := func(id, reason string) {
		c, ok := clients[id]
		if !ok {
			return
		}
		delete(clients, id)
		close(c.send)
		h.logger.Info("realtime: client removed",
			slog.String("client_id", id),
			slog.String("reason", reason),
			slog.Int("active", len(clients)))
	}
	deliver := func(c *client, msg Frame) bool {
		select {
		case c.send <- msg:
			return true
		default:
			// A full buffer would mean a gap in the client's stream.
			evict(c.info.ID, "slow consumer")
			return false
		}
	}

	for {
		select {
		case <-h.stopCh:
			for _, c := range clients {
				close(c.send)
			}
			return

		case c := <-h.registerCh:
			clients[c.info.ID] = c
			total++
			h.logger.Info("realtime: client connected",
				slog.String("client_id", c.info.ID),
				slog.String("transport", c.info.Transport),
				slog.Int("active", len(clients)))

		case id := <-h.unregisterCh:
			evict(id, "disconnected")

		case msg := <-h.publishCh:
			for _, c := range clients {
				deliver(c, msg)
			}

		case req := <-h.sendCh:
			c, ok := clients[req.id]
			req.ok <- ok && deliver(c, req.msg)

		case id := <-h.touchCh:
			if c, ok := clients[id]; ok {
				c.info.LastActivity = h.clock.Now()
			}

		case resp := <-h.clientsReqCh:
			out := make([]ClientInfo, 0, len(clients))
			for _, c := range clients {
				out = append(out, c.info)
			}
			resp <- out

		case resp := <-h.countsReqCh:
			resp <- Counts{Active: len(clients), Total: total}

		case <-sweep.C:
			cutoff := h.clock.Now().Add(-h.cfg.LivenessTimeout)
			for id, c := range clients {
				if c.info.LastActivity.Before(cutoff) {
					evict(id, "liveness timeout")
				}
			}
		}
	}
}

// Close stops the loop and closes every subscription.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

// Register adds a client and returns its subscription. The events returned by
// greet are queued ahead of anything published after registration.
func (h *Hub) Register(transport, userAgent, ip string, greet func(id string) []events.Event) *Subscription {
	now := h.clock.Now()
	c := &client{
		info: ClientInfo{
			ID:           h.ids.New(),
			Transport:    transport,
			ConnectedAt:  now,
			LastActivity: now,
			UserAgent:    userAgent,
			IP:           ip,
		},
		send: make(chan Frame, h.cfg.ClientBuffer),
	}
	if greet != nil {
		for _, e := range greet(c.info.ID) {
			if f, err := encode(e); err == nil && len(c.send) < cap(c.send) {
				c.send <- f
			}
		}
	}
	sub := &Subscription{ID: c.info.ID, C: c.send}
	if h.closed.Load() {
		close(c.send)
		return sub
	}
	select {
	case h.registerCh <- c:
	case <-h.stopped:
		close(c.send)
	}
	return sub
}

// Unregister removes a client. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unregisterCh <- id:
	case <-h.stopped:
	}
}

// Publish encodes e once and fans it out to every client.
func (h *Hub) Publish(e events.Event) {
	if h.closed.Load() {
		return
	}
	msg, err := encode(e)
	if err != nil {
		h.logger.Error("realtime: encode event", slog.String("event", string(e.Kind)), slog.String("error", err.Error()))
		return
	}
	select {
	case h.publishCh <- msg:
	case <-h.stopped:
	}
}

// SendTo queues e for a single client. It reports false if the client is
// gone or was evicted because its buffer was full.
func (h *Hub) SendTo(id string, e events.Event) bool {
	if h.closed.Load() {
		return false
	}
	msg, err := encode(e)
	if err != nil {
		return false
	}
	ok := make(chan bool, 1)
	select {
	case h.sendCh <- sendReq{id: id, msg: msg, ok: ok}:
	case <-h.stopped:
		return false
	}
	select {
	case v := <-ok:
		return v
	case <-h.stopped:
		return false
	}
}

// Touch records activity for id.
func (h *Hub) Touch(id string) {
	if h.closed.Load() {
		return
	}
	select {
	case h.touchCh <- id:
	case <-h.stopped:
	}
}

// Clients returns a snapshot of the registry.
func (h *Hub) Clients() []ClientInfo {
	if h.closed.Load() {
		return []ClientInfo{}
	}
	resp := make(chan []ClientInfo, 1)
	select {
	case h.clientsReqCh <- resp:
	case <-h.stopped:
		return []ClientInfo{}
	}
	select {
	case out := <-resp:
		return out
	case <-h.stopped:
		return []ClientInfo{}
	}
}

// Counts returns active and lifetime connection counts.
func (h *Hub) Counts() Counts {
	if h.closed.Load() {
		return Counts{}
	}
	resp := make(chan Counts, 1)
	select {
	case h.countsReqCh <- resp:
	case <-h.stopped:
		return Counts{}
	}
	select {
	case n := <-resp:
		return n
	case <-h.stopped:
		return Counts{}
	}
}

func encode(e events.Event) (Frame, error) {
	data, err := e.Encode()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: e.Kind, Data: data}, nil
}
