package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"coinlink-go/internal/alert"
	"coinlink-go/internal/api"
	"coinlink-go/internal/broadcast"
	"coinlink-go/internal/config"
	"coinlink-go/internal/exchange"
	"coinlink-go/internal/journal"
	"coinlink-go/internal/market"
	"coinlink-go/internal/metrics"
	"coinlink-go/internal/sentiment"
	sig "coinlink-go/internal/signal"
	"coinlink-go/internal/store"
	"coinlink-go/internal/util"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	path := os.Getenv("COINLINK_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		bootLog := util.NewLogger("info", "console")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	cfg.ApplyEnv()

	log := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat).With().Str("app", cfg.App.Name).Logger()

	metricsSrv := metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("service stopped")
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info().Msg("shut down")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := market.NewEngine(market.Config{
		Symbol:         cfg.Exchange.Symbol,
		BarInterval:    config.Secs(cfg.Market.BarInterval),
		RSIPeriod:      cfg.Market.RSIPeriod,
		LevelsLookback: config.Secs(cfg.Market.LevelsLookback),
		LevelsWarmup:   config.Secs(cfg.Market.LevelsWarmup),
		History:        time.Duration(cfg.Market.HistoryDays) * 24 * time.Hour,
	}, util.Component(log, "market"))

	provider := cfg.Exchange.Provider
	feed := exchange.NewFeed(provider, cfg.Exchange.Symbol, util.Component(log, "feed"),
		exchange.WithEndpoints(cfg.Exchange.StreamURL, cfg.Exchange.RestURL),
		exchange.WithBackoff(config.Millis(cfg.Exchange.BackoffInitial), config.Millis(cfg.Exchange.BackoffMax)),
		exchange.WithFallback(config.Millis(cfg.Exchange.FallbackAfter), config.Millis(cfg.Exchange.PollInterval)),
		exchange.WithRequestTimeout(config.Millis(cfg.Exchange.RequestTimeout)),
		exchange.WithBuffer(cfg.Ingest.Buffer),
		exchange.WithStaleHook(engine.MarkStale),
	)
	if cfg.Exchange.Backfill && provider == exchange.ProviderBinance {
		bctx, bcancel := context.WithTimeout(ctx, 30*time.Second)
		if err := feed.Backfill(bctx, engine.History(), cfg.Market.HistoryDays); err != nil {
			log.Warn().Err(err).Msg("history backfill failed, starting without it")
		}
		bcancel()
	}

	overrides := make(map[alert.Kind]time.Duration, len(alert.Kinds))
	for _, k := range alert.Kinds {
		overrides[k] = cfg.Alerts.CooldownFor(string(k))
	}
	monitor := alert.NewMonitor(alert.NewRules(alert.Thresholds{
		PriceMovePct:  cfg.Alerts.PriceMovePct,
		RSIOverbought: cfg.Alerts.RSIOverbought,
		RSIOversold:   cfg.Alerts.RSIOversold,
		BreachPct:     cfg.Alerts.BreachPct,
		VolumeRatio:   cfg.Alerts.VolumeRatio,
	}), alert.NewCooldowns(config.Secs(cfg.Alerts.Cooldown), overrides), util.Component(log, "alerts"))

	correlator := sentiment.NewCorrelator(sentiment.Config{
		Window:     time.Duration(cfg.Sentiment.WindowMins) * time.Minute,
		MaxShift:   time.Duration(cfg.Sentiment.MaxShiftMins) * time.Minute,
		StaleAfter: config.Secs(cfg.Sentiment.StaleAfter),
		MinPairs:   cfg.Sentiment.MinPairs,
	}, util.Component(log, "sentiment"))

	hub := broadcast.NewHub(broadcast.Config{
		PingInterval:     config.Secs(cfg.Broadcast.PingInterval),
		PongTimeout:      config.Secs(cfg.Broadcast.PongTimeout),
		QueueSize:        cfg.Broadcast.QueueSize,
		SnapshotInterval: config.Secs(cfg.Broadcast.SnapshotInterval),
	}, engine, correlator, util.Component(log, "broadcast"))

	// Subscriptions must exist before the producers start.
	monitorSnaps := engine.Subscribe("monitor", 256)
	corrSnaps := engine.Subscribe("correlator", 256)
	hubSnaps := engine.Subscribe("broadcast", 256)
	hubAlerts := monitor.Subscribe(64)
	journalAlerts := monitor.Subscribe(64)

	var recorder *journal.JSONLRecorder
	if cfg.Alerts.JournalPath != "" {
		rec, err := journal.NewJSONLRecorder(cfg.Alerts.JournalPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Alerts.JournalPath).Msg("alert journal file unavailable, keeping memory only")
		} else {
			recorder = rec
		}
	}
	alertLog := journal.New(journal.NewLedger(cfg.Alerts.JournalSize), recorder, util.Component(log, "journal"))

	var publisher *store.Publisher
	var storeSnaps <-chan market.Snapshot
	var storeAlerts <-chan alert.Event
	if cfg.Redis.Enabled {
		rdb, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, hand-off disabled")
		} else {
			defer rdb.Close()
			publisher = store.NewPublisher(rdb, cfg.Redis.KeyPrefix, config.Secs(cfg.Redis.TTL), util.Component(log, "store"))
			storeSnaps = engine.Subscribe("store", 64)
			storeAlerts = monitor.Subscribe(64)
		}
	}

	var injector api.Injector
	if cfg.Ingest.AllowInjection || provider == exchange.ProviderInject {
		injector = feed
	}
	srv := &http.Server{
		Addr: cfg.App.HTTPAddr,
		Handler: api.New(api.Deps{
			Market:      engine,
			Correlation: correlator,
			Injector:    injector,
			Alerts:      alertLog.Ledger,
			WS:          http.HandlerFunc(hub.ServeWS),
		}, util.Component(log, "api")).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ticks := make(chan sig.Tick, cfg.Ingest.Buffer)
	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("component", name).Msg("component stopped")
			}
		}()
	}

	start("engine", func() error { return engine.Run(ctx, ticks) })
	start("feed", func() error { return feed.Run(ctx, ticks) })
	start("monitor", func() error { return monitor.Run(ctx, monitorSnaps) })
	start("correlator", func() error { return correlator.Run(ctx, corrSnaps) })
	start("broadcast", func() error { return hub.Run(ctx, hubSnaps, hubAlerts) })
	start("journal", func() error { return alertLog.Run(ctx, journalAlerts) })
	if publisher != nil {
		start("store", func() error { return publisher.Run(ctx, storeSnaps, storeAlerts, correlator, time.Minute) })
	}
	if cfg.Sentiment.Kafka.Enabled && len(cfg.Sentiment.Kafka.Brokers) > 0 {
		reader := sentiment.NewKafkaReader(cfg.Sentiment.Kafka.Brokers, cfg.Sentiment.Kafka.Topic, cfg.Sentiment.Kafka.GroupID)
		src := sentiment.NewKafkaSource(reader, correlator, util.Component(log, "kafka"))
		start("kafka", func() error { return src.Run(ctx) })
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("provider", provider).Str("symbol", cfg.Exchange.Symbol).Msg("coinlink serving")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return runErr
}
