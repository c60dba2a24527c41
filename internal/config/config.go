// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, listeners and logging.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Exchange describes where ticks come from and how the feed recovers from outages.
type Exchange struct {
	Provider       string `yaml:"provider"`
	Symbol         string `yaml:"symbol"`
	StreamURL      string `yaml:"stream_url"`
	RestURL        string `yaml:"rest_url"`
	BackoffInitial int    `yaml:"backoff_initial_ms"`
	BackoffMax     int    `yaml:"backoff_max_ms"`
	FallbackAfter  int    `yaml:"fallback_after_ms"`
	PollInterval   int    `yaml:"poll_interval_ms"`
	Backfill       bool   `yaml:"backfill"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

// Ingest controls the hand-off between the feed and the market engine.
type Ingest struct {
	AllowInjection bool `yaml:"allow_injection"`
	Buffer         int  `yaml:"buffer"`
}

// Market tunes the rolling indicator windows.
type Market struct {
	BarInterval    int `yaml:"bar_interval_secs"` // 0 samples RSI per tick
	RSIPeriod      int `yaml:"rsi_period"`
	LevelsLookback int `yaml:"levels_lookback_secs"`
	LevelsWarmup   int `yaml:"levels_warmup_secs"`
	HistoryDays    int `yaml:"history_days"`
}

// Alerts holds rule thresholds and cooldowns.
type Alerts struct {
	PriceMovePct  float64        `yaml:"price_move_pct"`
	RSIOverbought float64        `yaml:"rsi_overbought"`
	RSIOversold   float64        `yaml:"rsi_oversold"`
	BreachPct     float64        `yaml:"breach_pct"`
	VolumeRatio   float64        `yaml:"volume_ratio"`
	Cooldown      int            `yaml:"cooldown_secs"`
	Cooldowns     map[string]int `yaml:"cooldowns"` // per-rule override in seconds
	JournalPath   string         `yaml:"journal_path"`
	JournalSize   int            `yaml:"journal_size"`
}

// Kafka configures the sentiment topic consumer.
type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Sentiment tunes the correlator.
type Sentiment struct {
	WindowMins   int   `yaml:"window_mins"`
	MaxShiftMins int   `yaml:"max_shift_mins"`
	StaleAfter   int   `yaml:"stale_after_secs"`
	MinPairs     int   `yaml:"min_pairs"`
	Kafka        Kafka `yaml:"kafka"`
}

// Broadcast tunes push connections.
type Broadcast struct {
	PingInterval     int `yaml:"ping_interval_secs"`
	PongTimeout      int `yaml:"pong_timeout_secs"`
	QueueSize        int `yaml:"queue_size"`
	SnapshotInterval int `yaml:"snapshot_interval_secs"`
}

// Redis configures the hand-off store read by the chat layer.
type Redis struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TTL       int    `yaml:"ttl_secs"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Exchange  Exchange  `yaml:"exchange"`
	Ingest    Ingest    `yaml:"ingest"`
	Market    Market    `yaml:"market"`
	Alerts    Alerts    `yaml:"alerts"`
	Sentiment Sentiment `yaml:"sentiment"`
	Broadcast Broadcast `yaml:"broadcast"`
	Redis     Redis     `yaml:"redis"`
}

// Load reads a YAML file from disk, hydrates a Config struct and fills unset knobs with defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.ApplyDefaults()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero values. Market.BarInterval is left alone since 0 is meaningful.
func (c *Config) ApplyDefaults() {
	setStr(&c.App.Name, "coinlink")
	setStr(&c.App.MetricsAddr, ":9100")
	setStr(&c.App.HTTPAddr, ":8080")
	setStr(&c.App.LogLevel, "info")
	setStr(&c.App.LogFormat, "json")

	setStr(&c.Exchange.Provider, "binance")
	setStr(&c.Exchange.Symbol, "BTCUSDT")
	setStr(&c.Exchange.StreamURL, "wss://stream.binance.com:9443/ws")
	setStr(&c.Exchange.RestURL, "https://api.binance.com")
	setInt(&c.Exchange.BackoffInitial, 1000)
	setInt(&c.Exchange.BackoffMax, 30000)
	setInt(&c.Exchange.FallbackAfter, 60000)
	setInt(&c.Exchange.PollInterval, 5000)
	setInt(&c.Exchange.RequestTimeout, 10000)

	setInt(&c.Ingest.Buffer, 1024)

	setInt(&c.Market.RSIPeriod, 14)
	setInt(&c.Market.LevelsLookback, 3600)
	setInt(&c.Market.LevelsWarmup, 300)
	setInt(&c.Market.HistoryDays, 30)

	setFloat(&c.Alerts.PriceMovePct, 2)
	setFloat(&c.Alerts.RSIOverbought, 70)
	setFloat(&c.Alerts.RSIOversold, 30)
	setFloat(&c.Alerts.BreachPct, 0.5)
	setFloat(&c.Alerts.VolumeRatio, 3)
	setInt(&c.Alerts.Cooldown, 300)
	setInt(&c.Alerts.JournalSize, 200)

	setInt(&c.Sentiment.WindowMins, 30)
	setInt(&c.Sentiment.MaxShiftMins, 30)
	setInt(&c.Sentiment.StaleAfter, 600)
	setInt(&c.Sentiment.MinPairs, 5)
	setStr(&c.Sentiment.Kafka.Topic, "sentiment")
	setStr(&c.Sentiment.Kafka.GroupID, "coinlink")

	setInt(&c.Broadcast.PingInterval, 25)
	setInt(&c.Broadcast.PongTimeout, 10)
	setInt(&c.Broadcast.QueueSize, 256)
	setInt(&c.Broadcast.SnapshotInterval, 300)

	setStr(&c.Redis.Addr, "localhost:6379")
	setStr(&c.Redis.KeyPrefix, "coinlink")
	setInt(&c.Redis.TTL, 3600)
}

// ApplyEnv loads optional .env files and lets COINLINK_* variables override the YAML values.
func (c *Config) ApplyEnv(files ...string) {
	_ = godotenv.Load(files...) // best-effort

	if v := os.Getenv("COINLINK_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("COINLINK_HTTP_ADDR"); v != "" {
		c.App.HTTPAddr = v
	}
	if v := os.Getenv("COINLINK_SYMBOL"); v != "" {
		c.Exchange.Symbol = strings.ToUpper(v)
	}
	if v := os.Getenv("COINLINK_PROVIDER"); v != "" {
		c.Exchange.Provider = v
	}
	if v := os.Getenv("COINLINK_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("COINLINK_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("COINLINK_KAFKA_BROKERS"); v != "" {
		c.Sentiment.Kafka.Brokers = splitList(v)
		c.Sentiment.Kafka.Enabled = true
	}
	if v := os.Getenv("COINLINK_ALLOW_INJECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Ingest.AllowInjection = b
		}
	}
}

// CooldownFor returns the cooldown for a rule kind, honoring per-rule overrides.
func (a Alerts) CooldownFor(kind string) time.Duration {
	if secs, ok := a.Cooldowns[kind]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(a.Cooldown) * time.Second
}

// Millis converts a millisecond knob to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Secs converts a second knob to a duration.
func Secs(n int) time.Duration { return time.Duration(n) * time.Second }

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

func setFloat(p *float64, def float64) {
	if *p <= 0 {
		*p = def
	}
}
