// Package exchange hosts the tick source for the tracked instrument and normalizes its output.
package exchange

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"coinlink-go/internal/metrics"
	"coinlink-go/internal/signal"
)

const (
	// ProviderStub emits a synthetic random walk (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBinance streams live trades from Binance public websockets.
	ProviderBinance = "binance"
	// ProviderInject has no network source; ticks arrive only through Inject.
	ProviderInject = "inject"
)

// Discard reasons reported by normalization.
const (
	reasonPrice     = "non_positive_price"
	reasonVolume    = "negative_volume"
	reasonTimestamp = "missing_timestamp"
	reasonOrder     = "out_of_order"
	reasonMalformed = "malformed"
)

// Feed produces normalized ticks from the configured provider plus any injected ticks.
type Feed struct {
	provider       string
	symbol         string
	log            zerolog.Logger
	streamURL      string
	restURL        string
	backoffInitial time.Duration
	backoffMax     time.Duration
	fallbackAfter  time.Duration
	pollInterval   time.Duration
	requestTimeout time.Duration
	stubInterval   time.Duration
	onStale        func()

	raw    chan signal.Tick
	client *fasthttp.Client
	now    func() time.Time
}

// Option configures Feed construction parameters.
type Option func(*Feed)

const (
	defaultStreamURL      = "wss://stream.binance.com:9443/ws"
	defaultRestURL        = "https://api.binance.com"
	defaultBackoffInitial = time.Second
	maxBackoff            = 30 * time.Second
	defaultFallbackAfter  = time.Minute
	defaultPollInterval   = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// WithEndpoints overrides the stream and REST base URLs.
func WithEndpoints(streamURL, restURL string) Option {
	return func(f *Feed) {
		if streamURL != "" {
			f.streamURL = strings.TrimSuffix(streamURL, "/")
		}
		if restURL != "" {
			f.restURL = strings.TrimSuffix(restURL, "/")
		}
	}
}

// WithBackoff sets the reconnect backoff bounds. The cap never exceeds 30s.
func WithBackoff(initial, max time.Duration) Option {
	return func(f *Feed) {
		if initial > 0 {
			f.backoffInitial = initial
		}
		if max > 0 {
			f.backoffMax = max
		}
	}
}

// WithFallback configures how long the stream may be silent before REST polling starts,
// and the polling cadence.
func WithFallback(after, every time.Duration) Option {
	return func(f *Feed) {
		if after > 0 {
			f.fallbackAfter = after
		}
		if every > 0 {
			f.pollInterval = every
		}
	}
}

// WithRequestTimeout bounds each REST call.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.requestTimeout = d
		}
	}
}

// WithBuffer sizes the internal queue shared by network and injected ticks.
func WithBuffer(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.raw = make(chan signal.Tick, n)
		}
	}
}

// WithStaleHook registers a callback invoked when the stream drops.
func WithStaleHook(fn func()) Option {
	return func(f *Feed) { f.onStale = fn }
}

// WithStubInterval overrides the synthetic tick cadence.
func WithStubInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.stubInterval = d
		}
	}
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider, symbol string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:       strings.ToLower(provider),
		symbol:         strings.ToUpper(strings.TrimSpace(symbol)),
		log:            log,
		streamURL:      defaultStreamURL,
		restURL:        defaultRestURL,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     maxBackoff,
		fallbackAfter:  defaultFallbackAfter,
		pollInterval:   defaultPollInterval,
		requestTimeout: defaultRequestTimeout,
		stubInterval:   500 * time.Millisecond,
		raw:            make(chan signal.Tick, 1024),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.backoffMax > maxBackoff {
		f.backoffMax = maxBackoff
	}
	if f.backoffInitial > f.backoffMax {
		f.backoffInitial = f.backoffMax
	}
	f.client = &fasthttp.Client{
		Name:         "coinlink-go/1.0",
		ReadTimeout:  f.requestTimeout,
		WriteTimeout: f.requestTimeout,
	}
	return f
}

// Symbol is the tracked instrument.
func (f *Feed) Symbol() string { return f.symbol }

// Run starts the provider and forwards normalized ticks to out until ctx is canceled.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Tick) error {
	switch f.provider {
	case ProviderBinance:
		go f.runBinance(ctx)
	case ProviderInject:
		f.log.Info().Str("symbol", f.symbol).Msg("feed waiting for injected ticks")
	default:
		go f.runStub(ctx)
	}
	return f.normalizeLoop(ctx, out)
}

// Inject queues a synthetic tick stamped with the current time.
func (f *Feed) Inject(ctx context.Context, price, volume decimal.Decimal) error {
	return f.InjectTick(ctx, signal.Tick{Price: price, Volume: volume, Ts: f.now()})
}

// InjectTick queues tk through the same normalization as network ticks.
func (f *Feed) InjectTick(ctx context.Context, tk signal.Tick) error {
	if tk.Source == "" {
		tk.Source = ProviderInject
	}
	return f.emit(ctx, tk)
}

func (f *Feed) emit(ctx context.Context, tk signal.Tick) error {
	select {
	case f.raw <- tk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) normalizeLoop(ctx context.Context, out chan<- signal.Tick) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tk := <-f.raw:
			if reason := validateTick(tk, last); reason != "" {
				metrics.TicksDiscarded.WithLabelValues(reason).Inc()
				f.log.Warn().Str("reason", reason).Str("source", tk.Source).
					Str("price", tk.Price.String()).Time("ts", tk.Ts).Msg("tick discarded")
				continue
			}
			if tk.Symbol == "" {
				tk.Symbol = f.symbol
			}
			last = tk.Ts
			select {
			case out <- tk:
				metrics.TicksTotal.WithLabelValues(tk.Source).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// validateTick returns the discard reason, or "" when the tick is acceptable.
// Ticks sharing the previous timestamp are accepted.
func validateTick(tk signal.Tick, last time.Time) string {
	switch {
	case !tk.Price.IsPositive():
		return reasonPrice
	case tk.Volume.IsNegative():
		return reasonVolume
	case tk.Ts.IsZero():
		return reasonTimestamp
	case !last.IsZero() && tk.Ts.Before(last):
		return reasonOrder
	}
	return ""
}

func (f *Feed) runStub(ctx context.Context) {
	ticker := time.NewTicker(f.stubInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	px := decimal.NewFromInt(100)
	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-ticker.C:
			step := decimal.NewFromFloat((rng.Float64() - 0.5) * 0.002).Add(decimal.NewFromInt(1))
			px = px.Mul(step).Round(8)
			vol := decimal.NewFromFloat(rng.Float64() * 2).Round(6)
			tk := signal.Tick{Symbol: f.symbol, Price: px, Volume: vol, Ts: ts.UTC(), Source: ProviderStub}
			if err := f.emit(ctx, tk); err != nil {
				return
			}
		}
	}
}
