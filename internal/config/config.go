// Package config loads the process configuration from an optional YAML
// file, with defaults suitable for a local demo.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"exchange/internal/engine"
	"exchange/internal/idempotency"
	"exchange/internal/marketdata"
	"exchange/internal/outbox"
	"exchange/internal/risk"
)

// Duration accepts "200ms"-style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr          string              `yaml:"addr"`
	SnapshotDepth int                 `yaml:"snapshot_depth"`
	Instruments   []engine.Instrument `yaml:"instruments"`

	Risk        RiskConfig        `yaml:"risk"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	MarketData  MarketDataConfig  `yaml:"market_data"`

	Kafka KafkaConfig `yaml:"kafka"`
}

type RiskConfig struct {
	MaxQuantityPerOrder        string `yaml:"max_quantity_per_order"`
	PriceBandPercent           string `yaml:"price_band_percent"`
	RequestsPerMinutePerClient int    `yaml:"requests_per_minute_per_client"`
}

// Parse converts the string decimals; empty strings disable a check.
func (c RiskConfig) Parse() (risk.Config, error) {
	out := risk.Config{RequestsPerMinutePerClient: c.RequestsPerMinutePerClient}

	var err error
	if c.MaxQuantityPerOrder != "" {
		if out.MaxQuantityPerOrder, err = decimal.NewFromString(c.MaxQuantityPerOrder); err != nil {
			return out, fmt.Errorf("max_quantity_per_order: %w", err)
		}
	}
	if c.PriceBandPercent != "" {
		if out.PriceBandPercent, err = decimal.NewFromString(c.PriceBandPercent); err != nil {
			return out, fmt.Errorf("price_band_percent: %w", err)
		}
	}
	return out, nil
}

type IdempotencyConfig struct {
	TTL          Duration `yaml:"ttl"`
	MaxTotal     int      `yaml:"max_total"`
	MaxPerClient int      `yaml:"max_per_client"`
}

func (c IdempotencyConfig) Parse() idempotency.Config {
	return idempotency.Config{
		TTL:          c.TTL.std(),
		MaxTotal:     c.MaxTotal,
		MaxPerClient: c.MaxPerClient,
	}
}

type OutboxConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	BatchSize      int      `yaml:"batch_size"`
	LeaseDuration  Duration `yaml:"lease_duration"`
	MaxParallelism int      `yaml:"max_parallelism"`
	MaxAttempts    int      `yaml:"max_attempts"`
	BaseDelay      Duration `yaml:"base_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	PublishTimeout Duration `yaml:"publish_timeout"`
}

func (c OutboxConfig) Parse() outbox.PublisherConfig {
	return outbox.PublisherConfig{
		PollInterval:   c.PollInterval.std(),
		BatchSize:      c.BatchSize,
		LeaseDuration:  c.LeaseDuration.std(),
		MaxParallelism: c.MaxParallelism,
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay.std(),
		MaxDelay:       c.MaxDelay.std(),
		PublishTimeout: c.PublishTimeout.std(),
	}
}

type MarketDataConfig struct {
	BatchWindow          Duration `yaml:"batch_window"`
	MaxMessagesPerSecond int      `yaml:"max_messages_per_second"`
	SendTimeout          Duration `yaml:"send_timeout"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
}

func (c MarketDataConfig) Parse() marketdata.Config {
	return marketdata.Config{
		BatchWindow:          c.BatchWindow.std(),
		MaxMessagesPerSecond: c.MaxMessagesPerSecond,
		SendTimeout:          c.SendTimeout.std(),
		HeartbeatInterval:    c.HeartbeatInterval.std(),
	}
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:          ":8080",
		SnapshotDepth: 20,
		Instruments: []engine.Instrument{
			{Symbol: "BTC-USD", Base: "BTC", Quote: "USD"},
		},
		Risk: RiskConfig{
			MaxQuantityPerOrder:        "1000",
			PriceBandPercent:           "20",
			RequestsPerMinutePerClient: 600,
		},
		Idempotency: IdempotencyConfig{
			TTL:          Duration(10 * time.Minute),
			MaxTotal:     10000,
			MaxPerClient: 100,
		},
		Outbox: OutboxConfig{
			PollInterval:   Duration(200 * time.Millisecond),
			BatchSize:      50,
			LeaseDuration:  Duration(30 * time.Second),
			MaxParallelism: 8,
			MaxAttempts:    10,
			BaseDelay:      Duration(time.Second),
			MaxDelay:       Duration(time.Minute),
			PublishTimeout: Duration(5 * time.Second),
		},
		MarketData: MarketDataConfig{
			BatchWindow:          Duration(50 * time.Millisecond),
			MaxMessagesPerSecond: 10,
			SendTimeout:          Duration(time.Second),
			HeartbeatInterval:    Duration(30 * time.Second),
		},
		Kafka: KafkaConfig{
			Topic: "exchange.events",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Instruments) == 0 {
		return cfg, fmt.Errorf("config: at least one instrument is required")
	}
	return cfg, nil
}
