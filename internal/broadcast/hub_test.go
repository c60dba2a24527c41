package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinlink-go/internal/alert"
	"coinlink-go/internal/market"
	"coinlink-go/internal/sentiment"
)

type mockClient struct {
	id     string
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (m *mockClient) ID() string { return m.id }

func (m *mockClient) Enqueue(msg []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return true
}

func (m *mockClient) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mockClient) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, raw := range m.msgs {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &env)
		out = append(out, env.Type)
	}
	return out
}

type fixedMarket struct{ snap *market.Snapshot }

func (f fixedMarket) Latest() *market.Snapshot { return f.snap }

type fixedCorrelation struct{ snap sentiment.Snapshot }

func (f fixedCorrelation) Snapshot() sentiment.Snapshot { return f.snap }

var ts0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testSnapshot(version uint64) market.Snapshot {
	return market.Snapshot{
		Version:   version,
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(120000),
		Volume:    decimal.NewFromFloat(0.5),
		Timestamp: ts0.Add(time.Duration(version) * time.Second),
		RSI:       55,
	}
}

func testEvent() alert.Event {
	return alert.Event{
		ID:        "evt-1",
		Kind:      alert.PriceMove,
		Severity:  alert.Medium,
		Message:   "BTCUSDT moved +2.18% in 1m to 121600",
		Timestamp: ts0,
		Detail:    alert.PriceMoveDetail{ChangePct: 2.18},
	}
}

func newTestHub(cfg Config) *Hub {
	snap := testSnapshot(1)
	return NewHub(cfg, fixedMarket{&snap}, fixedCorrelation{sentiment.Snapshot{Coefficient: 0.4, Confidence: sentiment.Low}}, zerolog.Nop())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := newTestHub(Config{})
	a, b := &mockClient{id: "a"}, &mockClient{id: "b"}
	h.Register(a)
	h.Register(b)
	h.Broadcast([]byte(`{"type":"alert"}`))
	h.Unregister(b)
	h.Broadcast([]byte(`{"type":"alert"}`))

	if len(a.types()) != 2 || len(b.types()) != 1 {
		t.Fatalf("unexpected deliveries a=%d b=%d", len(a.types()), len(b.types()))
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 client, got %d", h.Len())
	}
}

func TestCloseAllRefusesNewClients(t *testing.T) {
	h := newTestHub(Config{})
	a := &mockClient{id: "a"}
	h.Register(a)
	h.CloseAll()
	if !a.closed || h.Len() != 0 {
		t.Fatalf("expected client closed and hub empty")
	}
	late := &mockClient{id: "late"}
	h.Register(late)
	if !late.closed || h.Len() != 0 {
		t.Fatalf("late client should be closed immediately")
	}
}

func TestRunPublishesInArrivalOrder(t *testing.T) {
	h := newTestHub(Config{})
	c := &mockClient{id: "c"}
	h.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	snaps := make(chan market.Snapshot)
	alerts := make(chan alert.Event)
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, snaps, alerts) }()

	snaps <- testSnapshot(2)
	alerts <- testEvent()
	snaps <- testSnapshot(3)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	got := strings.Join(c.types(), ",")
	if got != "price_update,alert,price_update" {
		t.Fatalf("unexpected order %s", got)
	}
	if !c.closed {
		t.Fatal("Run should close clients on shutdown")
	}

	c.mu.Lock()
	raw := c.msgs[1]
	c.mu.Unlock()
	if !strings.Contains(string(raw), `"type":"price_move"`) || !strings.Contains(string(raw), `"severity":"medium"`) {
		t.Fatalf("unexpected alert payload %s", raw)
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	h := newTestHub(Config{SnapshotInterval: 20 * time.Millisecond})
	c := &mockClient{id: "c"}
	h.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx, nil, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(c.types()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no periodic snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.types()[0] != TypeSnapshot {
		t.Fatalf("expected snapshot, got %s", c.types()[0])
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env.Type, raw
}

func waitLen(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectSendsGreetingAndSnapshot(t *testing.T) {
	h := newTestHub(Config{})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	typ, raw := readType(t, conn)
	if typ != TypeConnection || !strings.Contains(string(raw), `"id":"`) {
		t.Fatalf("expected connection greeting, got %s", raw)
	}
	typ, raw = readType(t, conn)
	if typ != TypeSnapshot || !strings.Contains(string(raw), `"coefficient":0.4`) {
		t.Fatalf("expected snapshot with correlation, got %s", raw)
	}
}

func TestStalledClientDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(Config{QueueSize: 4})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	active := []*websocket.Conn{dial(t, srv), dial(t, srv)}
	_ = dial(t, srv) // never reads
	waitLen(t, h, 3)
	for _, c := range active {
		readType(t, c)
		readType(t, c)
	}

	// Flood well past the stalled client's queue, then raise the alert.
	for i := 0; i < 100; i++ {
		if err := h.Publish(TypePriceUpdate, priceUpdate(testSnapshot(uint64(i+2)))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := h.Publish(TypeAlert, testEvent().Record()); err != nil {
		t.Fatalf("publish alert: %v", err)
	}

	for i, c := range active {
		found := false
		for !found {
			typ, _ := readType(t, c)
			found = typ == TypeAlert
		}
		if !found {
			t.Fatalf("client %d missed the alert", i)
		}
	}
}

func TestPongTimeoutClosesConnection(t *testing.T) {
	h := newTestHub(Config{PingInterval: 20 * time.Millisecond, PongTimeout: 40 * time.Millisecond})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	// A client that reads answers pings automatically; the other never reads.
	live := dial(t, srv)
	_ = dial(t, srv)
	waitLen(t, h, 2)
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitLen(t, h, 1)
	time.Sleep(150 * time.Millisecond)
	if h.Len() != 1 {
		t.Fatalf("responsive client should stay connected, have %d", h.Len())
	}
}

func TestShutdownSendsCloseFrame(t *testing.T) {
	h := newTestHub(Config{})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, nil, nil) }()

	conn := dial(t, srv)
	waitLen(t, h, 1)
	readType(t, conn)
	readType(t, conn)
	cancel()
	<-done

	// Run only returns once the write goroutine has finished with the close frame.
	flushed := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("Run returned before connection writers finished")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close frame, got %v", err)
	}
}

func TestServeAfterShutdownRefuses(t *testing.T) {
	h := newTestHub(Config{})
	h.CloseAll()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close frame, got %v", err)
	}
	if h.Len() != 0 {
		t.Fatalf("closed hub registered a client")
	}
}

type movingMarket struct {
	snap atomic.Pointer[market.Snapshot]
}

func (m *movingMarket) Latest() *market.Snapshot { return m.snap.Load() }

// versions lists the market versions a client received, in delivery order.
func (m *mockClient) versions(t *testing.T) []uint64 {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint64
	for _, raw := range m.msgs {
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		switch env.Type {
		case TypePriceUpdate:
			var pu PriceUpdate
			if err := json.Unmarshal(env.Data, &pu); err != nil {
				t.Fatalf("decode price update: %v", err)
			}
			out = append(out, pu.Version)
		case TypeSnapshot:
			var sm struct {
				Market *struct {
					Version uint64 `json:"version"`
				} `json:"market"`
			}
			if err := json.Unmarshal(env.Data, &sm); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			if sm.Market != nil {
				out = append(out, sm.Market.Version)
			}
		}
	}
	return out
}

func TestVersionsNeverGoBackwardsForLateJoiner(t *testing.T) {
	src := &movingMarket{}
	h := NewHub(Config{SnapshotInterval: 5 * time.Millisecond}, src, nil, zerolog.Nop())

	// The engine has published five versions that the hub has not forwarded yet.
	snaps := make(chan market.Snapshot, 5)
	for v := uint64(1); v <= 5; v++ {
		snap := testSnapshot(v)
		src.snap.Store(&snap)
		snaps <- snap
	}
	c := &mockClient{id: "late"}
	if !h.join(c, 0) {
		t.Fatal("join refused on open hub")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, snaps, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		vs := c.versions(t)
		if len(vs) >= 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("too few deliveries: %v", vs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A client joining now gets the forwarded version, never an older one afterwards.
	late := &mockClient{id: "later"}
	if !h.join(late, 0) {
		t.Fatal("join refused on open hub")
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	for _, mc := range []*mockClient{c, late} {
		vs := mc.versions(t)
		if len(vs) == 0 {
			t.Fatalf("client %s received no versions", mc.id)
		}
		for i := 1; i < len(vs); i++ {
			if vs[i] < vs[i-1] {
				t.Fatalf("client %s saw version %d after %d: %v", mc.id, vs[i], vs[i-1], vs)
			}
		}
	}
	if vs := c.versions(t); vs[0] != 1 {
		t.Fatalf("first client should see every update from version 1, got %v", vs)
	}
}

func TestForwardSkipsVersionsAlreadyHandedOut(t *testing.T) {
	src := &movingMarket{}
	snap := testSnapshot(5)
	src.snap.Store(&snap)
	h := NewHub(Config{}, src, nil, zerolog.Nop())
	c := &mockClient{id: "c"}
	h.join(c, 0)

	for v := uint64(3); v <= 6; v++ {
		if err := h.forward(testSnapshot(v)); err != nil {
			t.Fatalf("forward: %v", err)
		}
	}
	vs := c.versions(t)
	if len(vs) != 2 || vs[0] != 5 || vs[1] != 6 {
		t.Fatalf("expected versions [5 6], got %v", vs)
	}
}

func TestEncodeEnvelope(t *testing.T) {
	raw, err := Encode(TypeConnection, ConnectionMessage{ID: "x", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"type":"connection","data":{"id":"x","message":"hi"}}` {
		t.Fatalf("unexpected encoding %s", got)
	}
}
