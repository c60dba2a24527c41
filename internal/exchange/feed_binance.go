package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"coinlink-go/internal/metrics"
	"coinlink-go/internal/signal"
)

var errNoTrade = errors.New("message carries no trade")

func (f *Feed) runBinance(ctx context.Context) {
	if f.symbol == "" {
		f.log.Error().Msg("binance feed requires a symbol")
		return
	}
	url := f.streamEndpoint()

	var lastDelivery atomic.Int64
	lastDelivery.Store(f.now().UnixNano())
	go f.runFallback(ctx, &lastDelivery)

	backoff := f.backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		delivered, err := f.consumeBinanceStream(ctx, url, &lastDelivery)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			backoff = f.backoffInitial
		}
		if f.onStale != nil {
			f.onStale()
		}
		metrics.FeedReconnects.Inc()
		f.log.Warn().Err(err).Dur("backoff", backoff).Msg("binance feed disconnected, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > f.backoffMax {
			backoff = f.backoffMax
		}
	}
}

// streamEndpoint appends the trade stream name to a raw /ws base URL.
func (f *Feed) streamEndpoint() string {
	u := f.streamURL
	stream := strings.ToLower(f.symbol) + "@trade"
	switch {
	case strings.Contains(u, "{stream}"):
		return strings.ReplaceAll(u, "{stream}", stream)
	case strings.HasSuffix(u, "/ws"):
		return u + "/" + stream
	case strings.HasSuffix(u, "/stream"):
		return u + "?streams=" + stream
	default:
		return u
	}
}

func (f *Feed) consumeBinanceStream(ctx context.Context, url string, lastDelivery *atomic.Int64) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	f.log.Info().Str("provider", ProviderBinance).Str("symbol", f.symbol).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				// unblock ReadMessage on shutdown
				conn.Close()
				return
			}
		}
	}()

	delivered := false
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		tk, err := parseTrade(message)
		if errors.Is(err, errNoTrade) {
			continue
		}
		if err != nil {
			metrics.TicksDiscarded.WithLabelValues(reasonMalformed).Inc()
			f.log.Warn().Err(err).Msg("failed to decode binance message")
			continue
		}
		if !delivered {
			delivered = true
			f.log.Info().Msg("binance stream delivering")
		}
		lastDelivery.Store(f.now().UnixNano())
		tk.Symbol = f.symbol
		if err := f.emit(ctx, tk); err != nil {
			return delivered, err
		}
	}
}

// parseTrade decodes a raw or combined-stream trade payload.
func parseTrade(message []byte) (signal.Tick, error) {
	if !gjson.ValidBytes(message) {
		return signal.Tick{}, fmt.Errorf("invalid json")
	}
	data := gjson.ParseBytes(message)
	if inner := data.Get("data"); inner.Exists() {
		data = inner
	}
	res := data.Get("p")
	if !res.Exists() {
		return signal.Tick{}, errNoTrade
	}
	price, err := decimal.NewFromString(res.String())
	if err != nil {
		return signal.Tick{}, fmt.Errorf("price %q: %w", res.String(), err)
	}
	volume := decimal.Zero
	if q := data.Get("q"); q.Exists() {
		if volume, err = decimal.NewFromString(q.String()); err != nil {
			return signal.Tick{}, fmt.Errorf("quantity %q: %w", q.String(), err)
		}
	}
	var ts time.Time
	if t := data.Get("T"); t.Exists() {
		ts = time.UnixMilli(t.Int()).UTC()
	} else if e := data.Get("E"); e.Exists() {
		ts = time.UnixMilli(e.Int()).UTC()
	}
	return signal.Tick{Price: price, Volume: volume, Ts: ts, Source: ProviderBinance}, nil
}

// runFallback polls the REST ticker whenever the stream has been silent for fallbackAfter.
func (f *Feed) runFallback(ctx context.Context, lastDelivery *atomic.Int64) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	defer metrics.FeedFallback.Set(0)

	active := false
	var prevVolume decimal.Decimal
	havePrev := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		silent := f.now().Sub(time.Unix(0, lastDelivery.Load()))
		if silent < f.fallbackAfter {
			if active {
				active = false
				havePrev = false
				metrics.FeedFallback.Set(0)
				f.log.Info().Msg("stream recovered, polling fallback stopped")
			}
			continue
		}
		if !active {
			active = true
			metrics.FeedFallback.Set(1)
			f.log.Warn().Dur("silent", silent).Msg("stream silent, polling fallback started")
		}
		price, cumulative, err := f.fetchTicker(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn().Err(err).Msg("ticker poll failed")
			continue
		}
		volume := decimal.Zero
		if havePrev && cumulative.GreaterThan(prevVolume) {
			volume = cumulative.Sub(prevVolume)
		}
		prevVolume, havePrev = cumulative, true
		tk := signal.Tick{Symbol: f.symbol, Price: price, Volume: volume, Ts: f.now(), Stale: true, Source: "poll"}
		if err := f.emit(ctx, tk); err != nil {
			return
		}
	}
}
