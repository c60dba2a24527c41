package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coinlink-go/internal/alert"
	"coinlink-go/internal/market"
	"coinlink-go/internal/metrics"
	"coinlink-go/internal/sentiment"
)

// Client is a push destination. Enqueue must not block.
type Client interface {
	ID() string
	Enqueue(msg []byte) bool
	Close()
}

// SnapshotSource exposes the latest market snapshot.
type SnapshotSource interface {
	Latest() *market.Snapshot
}

// CorrelationSource exposes the current correlation reading.
type CorrelationSource interface {
	Snapshot() sentiment.Snapshot
}

// Config tunes keep-alive and queueing.
type Config struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	QueueSize        int
	SnapshotInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	return c
}

// Hub tracks open connections and fans messages out to them.
type Hub struct {
	cfg         Config
	log         zerolog.Logger
	market      SnapshotSource
	correlation CorrelationSource
	upgrader    websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]Client
	closed  bool
	last    *market.Snapshot // newest snapshot handed to clients

	pumps sync.WaitGroup
}

// NewHub builds a hub. Either source may be nil. The market source seeds the snapshot sent to
// clients before Run has forwarded anything.
func NewHub(cfg Config, snaps SnapshotSource, corr CorrelationSource, log zerolog.Logger) *Hub {
	h := &Hub{
		cfg:         cfg.withDefaults(),
		log:         log,
		market:      snaps,
		correlation: corr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]Client),
	}
	if snaps != nil {
		h.last = snaps.Latest()
	}
	return h
}

// Register adds c. After shutdown c is closed immediately.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return
	}
	h.clients[c.ID()] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))
	h.log.Info().Str("conn", c.ID()).Int("total", n).Msg("client connected")
}

// Unregister removes c; repeated calls are harmless.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID()]
	delete(h.clients, c.ID())
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.Connections.Set(float64(n))
		h.log.Info().Str("conn", c.ID()).Int("total", n).Msg("client disconnected")
	}
}

// Len reports the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast offers msg to every client without holding the registry lock during delivery.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	targets := h.targetsLocked()
	h.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(msg)
	}
}

func (h *Hub) targetsLocked() []Client {
	targets := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	return targets
}

// forward pushes a price update unless a client may already hold a newer version.
// Recording the snapshot and choosing targets happen under one lock with join, so every
// client sees versions in increasing order.
func (h *Hub) forward(snap market.Snapshot) error {
	msg, err := Encode(TypePriceUpdate, priceUpdate(snap))
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.last != nil && snap.Version <= h.last.Version {
		h.mu.Unlock()
		return nil
	}
	h.last = &snap
	targets := h.targetsLocked()
	h.mu.Unlock()

	for _, c := range targets {
		c.Enqueue(msg)
	}
	return nil
}

// Publish encodes data once and broadcasts it.
func (h *Hub) Publish(typ string, data any) error {
	msg, err := Encode(typ, data)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// Run forwards snapshots and alerts until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context, snaps <-chan market.Snapshot, alerts <-chan alert.Event) error {
	ticker := time.NewTicker(h.cfg.SnapshotInterval)
	defer ticker.Stop()
	defer h.CloseAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			h.guard(TypePriceUpdate, func() error { return h.forward(snap) })
		case ev, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			h.guard(TypeAlert, func() error { return h.Publish(TypeAlert, ev.Record()) })
		case <-ticker.C:
			h.guard(TypeSnapshot, func() error {
				h.mu.RLock()
				msg := h.snapshotLocked()
				h.mu.RUnlock()
				return h.Publish(TypeSnapshot, msg)
			})
		}
	}
}

func (h *Hub) guard(typ string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("type", typ).Msg("broadcast aborted")
		}
	}()
	if err := fn(); err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("encode push message")
	}
}

// snapshotLocked describes the last forwarded version. The engine's copy replaces it only when
// both carry the same version, which keeps a stale flag visible without skipping ahead.
func (h *Hub) snapshotLocked() SnapshotMessage {
	var out SnapshotMessage
	out.Market = h.last
	if h.market != nil && h.last != nil {
		if cur := h.market.Latest(); cur != nil && cur.Version == h.last.Version {
			out.Market = cur
		}
	}
	if h.correlation != nil {
		corr := h.correlation.Snapshot()
		out.Correlation = &corr
	}
	return out
}

// CloseAll closes every connection, refuses new ones and waits up to writeWait for the
// connections' write goroutines to send their close frames.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := h.clients
	h.clients = make(map[string]Client)
	h.closed = true
	h.mu.Unlock()

	for _, c := range targets {
		c.Close()
	}
	metrics.Connections.Set(0)
	if len(targets) > 0 {
		h.log.Info().Int("count", len(targets)).Msg("closed push connections")
	}

	flushed := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(writeWait):
		h.log.Warn().Dur("wait", writeWait).Msg("push connections did not flush before shutdown")
	}
}

// join sends the greeting and the current snapshot to c and registers it. pumps counts the
// goroutines c will start; CloseAll waits for them. It reports false once the hub is closed.
func (h *Hub) join(c Client, pumps int) bool {
	hello, err := Encode(TypeConnection, ConnectionMessage{ID: c.ID(), Message: "connected to coinlink market stream"})
	if err != nil {
		return false
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	c.Enqueue(hello)
	if snap, err := Encode(TypeSnapshot, h.snapshotLocked()); err == nil {
		c.Enqueue(snap)
	}
	h.clients[c.ID()] = c
	h.pumps.Add(pumps)
	n := len(h.clients)
	h.mu.Unlock()

	metrics.Connections.Set(float64(n))
	h.log.Info().Str("conn", c.ID()).Int("total", n).Msg("client connected")
	return true
}

// ServeWS upgrades the request and starts the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newConn(ws, h)
	if !h.join(c, 1) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		ws.Close()
		return
	}
	c.start()
}
