package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks accepted"},
		[]string{"source"},
	)
	TicksDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_discarded_total", Help: "Ticks rejected during normalization"},
		[]string{"reason"},
	)
	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Stream reconnect attempts"},
	)
	FeedFallback = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "feed_fallback_active", Help: "1 while the REST polling fallback is running"},
	)
	SnapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "market_snapshot_version", Help: "Latest published market snapshot version"},
	)
	SubscriberDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "snapshot_subscriber_drops_total", Help: "Snapshots not delivered to a full subscriber"},
		[]string{"subscriber"},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "alerts_total", Help: "Alerts emitted"},
		[]string{"kind", "severity"},
	)
	RuleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "alert_rule_errors_total", Help: "Rule evaluations that failed"},
		[]string{"kind"},
	)
	SentimentSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentiment_samples_total", Help: "Sentiment samples received"},
		[]string{"source"},
	)
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "broadcast_connections", Help: "Open push connections"},
	)
	BroadcastDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broadcast_dropped_total", Help: "Messages dropped from full connection queues"},
	)
	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "redis_publish_errors_total", Help: "Failed Redis hand-off writes"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TicksDiscarded, FeedReconnects, FeedFallback,
		SnapshotVersion, SubscriberDrops,
		AlertsTotal, RuleErrors, SentimentSamples,
		Connections, BroadcastDropped, PublishErrors,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
