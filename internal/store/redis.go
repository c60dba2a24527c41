// Package store hands the latest market view to external readers through Redis.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coinlink-go/internal/alert"
	"coinlink-go/internal/market"
	"coinlink-go/internal/metrics"
	"coinlink-go/internal/sentiment"
)

// RedisClient abstracts the connection; *redis.Client satisfies it.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Pipeline() redis.Pipeliner
	Close() error
}

const recentAlerts = 100

// Publisher writes snapshots, correlation readings and alerts with SET+PUBLISH pipelines.
type Publisher struct {
	rdb    RedisClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewPublisher prefixes every key and channel with prefix.
func NewPublisher(rdb RedisClient, prefix string, ttl time.Duration, log zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = "coinlink"
	}
	return &Publisher{rdb: rdb, prefix: prefix, ttl: ttl, log: log}
}

func (p *Publisher) SnapshotKey() string        { return p.prefix + ":snapshot" }
func (p *Publisher) CorrelationKey() string     { return p.prefix + ":correlation" }
func (p *Publisher) AlertsKey() string          { return p.prefix + ":alerts" }
func (p *Publisher) SnapshotChannel() string    { return p.prefix + ".snapshot" }
func (p *Publisher) CorrelationChannel() string { return p.prefix + ".correlation" }
func (p *Publisher) AlertsChannel() string      { return p.prefix + ".alerts" }

func (p *Publisher) setAndPublish(ctx context.Context, key, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, key, payload, p.ttl)
	pipe.Publish(ctx, channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// PublishSnapshot stores and announces the latest market snapshot.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap market.Snapshot) error {
	return p.setAndPublish(ctx, p.SnapshotKey(), p.SnapshotChannel(), snap)
}

// PublishCorrelation stores and announces the current correlation reading.
func (p *Publisher) PublishCorrelation(ctx context.Context, corr sentiment.Snapshot) error {
	return p.setAndPublish(ctx, p.CorrelationKey(), p.CorrelationChannel(), corr)
}

// PublishAlert keeps the most recent alerts in a capped list and announces the new one.
func (p *Publisher) PublishAlert(ctx context.Context, ev alert.Event) error {
	payload, err := json.Marshal(ev.Record())
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	pipe := p.rdb.Pipeline()
	pipe.LPush(ctx, p.AlertsKey(), payload)
	pipe.LTrim(ctx, p.AlertsKey(), 0, recentAlerts-1)
	pipe.Publish(ctx, p.AlertsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}

// CorrelationSource exposes the current correlation reading.
type CorrelationSource interface {
	Snapshot() sentiment.Snapshot
}

// Run mirrors snapshots and alerts as they arrive and refreshes the correlation every interval.
// Write failures and panics are logged and counted; they never stop the loop.
func (p *Publisher) Run(ctx context.Context, snaps <-chan market.Snapshot, alerts <-chan alert.Event, corr CorrelationSource, every time.Duration) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			p.guard("snapshot", func() error { return p.PublishSnapshot(ctx, snap) })
		case ev, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			p.guard("alert", func() error { return p.PublishAlert(ctx, ev) })
		case <-ticker.C:
			if corr == nil {
				continue
			}
			p.guard("correlation", func() error { return p.PublishCorrelation(ctx, corr.Snapshot()) })
		}
	}
}

// guard runs one hand-off write, turning a panic into a counted failure.
func (p *Publisher) guard(kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(kind, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		p.fail(kind, err)
	}
}

func (p *Publisher) fail(kind string, err error) {
	metrics.PublishErrors.WithLabelValues(kind).Inc()
	p.log.Warn().Err(err).Str("kind", kind).Msg("redis hand-off failed")
}
