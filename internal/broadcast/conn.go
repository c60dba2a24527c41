package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coinlink-go/internal/metrics"
)

// State is the lifecycle of a push connection.
type State int32

const (
	Connecting State = iota
	Open
	PingSent
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case PingSent:
		return "ping_sent"
	default:
		return "closed"
	}
}

const (
	maxMessageSize = 4096
	writeWait      = 5 * time.Second
)

// Conn is one websocket client with its own queue and write goroutine.
type Conn struct {
	id    string
	ws    *websocket.Conn
	hub   *Hub
	queue *queue
	log   zerolog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration

	state    atomic.Int32
	lastPong atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	closeCode int
}

func newConn(ws *websocket.Conn, h *Hub) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:           id,
		ws:           ws,
		hub:          h,
		queue:        newQueue(h.cfg.QueueSize),
		log:          h.log.With().Str("conn", id).Logger(),
		pingInterval: h.cfg.PingInterval,
		pongTimeout:  h.cfg.PongTimeout,
		done:         make(chan struct{}),
		closeCode:    websocket.CloseGoingAway,
	}
	c.state.Store(int32(Connecting))
	return c
}

func (c *Conn) ID() string { return c.id }

// State reports the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Enqueue never blocks; a full queue drops its oldest message.
func (c *Conn) Enqueue(msg []byte) bool {
	evicted, ok := c.queue.push(msg)
	if evicted {
		metrics.BroadcastDropped.Inc()
	}
	return ok
}

// Close stops the connection; the write goroutine sends the close frame.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.queue.close()
		close(c.done)
	})
}

func (c *Conn) start() {
	c.state.CompareAndSwap(int32(Connecting), int32(Open))
	c.lastPong.Store(time.Now().UnixNano())
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.state.CompareAndSwap(int32(PingSent), int32(Open))
		return nil
	})
	for {
		// Inbound messages are ignored; reads service control frames.
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
	}
}

// writePump owns every write to ws. The hub counted it in join.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	pongTimer := time.NewTimer(time.Hour)
	pongTimer.Stop()
	defer func() {
		ticker.Stop()
		pongTimer.Stop()
		c.ws.Close()
		c.hub.pumps.Done()
	}()

	for {
		select {
		case <-c.done:
			c.drain()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, "server shutting down"))
			return

		case <-c.queue.notify:
			if err := c.drain(); err != nil {
				c.log.Debug().Err(err).Msg("write failed, dropping connection")
				c.Close()
				return
			}

		case <-ticker.C:
			if c.State() == PingSent {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
			c.state.CompareAndSwap(int32(Open), int32(PingSent))
			pongTimer.Reset(c.pongTimeout)

		case <-pongTimer.C:
			if c.State() == PingSent {
				c.log.Info().Dur("timeout", c.pongTimeout).Msg("pong not received, closing connection")
				c.closeCode = websocket.ClosePolicyViolation
				c.Close()
				c.hub.Unregister(c)
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, "pong timeout"))
				return
			}
		}
	}
}

// drain writes every queued message.
func (c *Conn) drain() error {
	for {
		msg, ok := c.queue.pop()
		if !ok {
			return nil
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
}
