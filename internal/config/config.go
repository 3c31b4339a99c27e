package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/signals-engine/internal/api"
	"github.com/Rajchodisetti/signals-engine/internal/batcher"
	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/feed"
	"github.com/Rajchodisetti/signals-engine/internal/health"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
	"github.com/Rajchodisetti/signals-engine/internal/transport"
)

// Environment overrides, applied after the file
const (
	EnvAPIBase  = "SIGNALS_API_BASE"
	EnvMode     = "SIGNALS_MODE"
	EnvLogLevel = "SIGNALS_LOG_LEVEL"
)

type Feed struct {
	Mode            string `yaml:"mode"` // paper | live
	Pair            string `yaml:"pair"` // empty for all pairs
	HistoryLimit    int    `yaml:"history_limit"`
	MaxSignals      int    `yaml:"max_signals"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	MaxBuffer       int    `yaml:"max_buffer"`
	SignalsPath     string `yaml:"signals_path"`
	EquityPath      string `yaml:"equity_path"`
	EquityEnabled   bool   `yaml:"equity_enabled"`
	EquityMaxPoints int    `yaml:"equity_max_points"`
	SummarySeconds  int    `yaml:"summary_seconds"` // performance log cadence, 0 disables
}

type Log struct {
	Level string `yaml:"level"`
}

type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

type Root struct {
	API     api.Config       `yaml:"api"`
	Stream  transport.Config `yaml:"stream"`
	Feed    Feed             `yaml:"feed"`
	PnL     pnl.Config       `yaml:"pnl"`
	Health  health.Config    `yaml:"health"`
	Log     Log              `yaml:"log"`
	Metrics Metrics          `yaml:"metrics"`
}

// LoadDotEnv sources a .env file into the process environment when one
// exists. Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads the YAML file at path (an empty path uses defaults only),
// applies environment overrides and validates the result.
func Load(path string) (Root, error) {
	c := Root{PnL: pnl.DefaultConfig()}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&c, os.Getenv)
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Root, getenv func(string) string) {
	if v := getenv(EnvAPIBase); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv(EnvMode); v != "" {
		c.Feed.Mode = strings.ToLower(v)
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func applyDefaults(c *Root) {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8000"
	}
	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 10
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 120
	}

	// the stream follows the API unless pointed elsewhere
	if c.Stream.BaseURL == "" {
		c.Stream.BaseURL = c.API.BaseURL
	}
	if c.Stream.Transport == "" {
		c.Stream.Transport = "sse"
	}
	if c.Stream.Timeout == 0 {
		c.Stream.Timeout = 10 * time.Second
	}
	if c.Stream.Reconnect.BaseDelayMs == 0 {
		c.Stream.Reconnect.BaseDelayMs = 1000
	}
	if c.Stream.Reconnect.MaxDelayMs == 0 {
		c.Stream.Reconnect.MaxDelayMs = 10000
	}
	if c.Stream.Reconnect.MaxAttempts == 0 {
		c.Stream.Reconnect.MaxAttempts = transport.DefaultMaxAttempts
	}
	if c.Stream.PollIntervalMs == 0 {
		c.Stream.PollIntervalMs = 2000
	}

	if c.Feed.Mode == "" {
		c.Feed.Mode = string(domain.ModePaper)
	}
	if c.Feed.HistoryLimit == 0 {
		c.Feed.HistoryLimit = feed.DefaultHistoryLimit
	}
	if c.Feed.MaxSignals == 0 {
		c.Feed.MaxSignals = feed.DefaultMaxSignals
	}
	if c.Feed.FlushIntervalMs == 0 {
		c.Feed.FlushIntervalMs = int(batcher.DefaultInterval / time.Millisecond)
	}
	if c.Feed.MaxBuffer == 0 {
		c.Feed.MaxBuffer = batcher.DefaultMaxBuffer
	}
	if c.Feed.SignalsPath == "" {
		c.Feed.SignalsPath = feed.DefaultSignalsPath
	}
	if c.Feed.EquityPath == "" {
		c.Feed.EquityPath = feed.DefaultEquityPath
	}
	if c.Feed.EquityMaxPoints == 0 {
		c.Feed.EquityMaxPoints = feed.DefaultMaxPoints
	}

	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = int(health.DefaultInterval / time.Second)
	}
	if c.Health.TimeoutSeconds == 0 {
		c.Health.TimeoutSeconds = int(health.DefaultTimeout / time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects values no component can work with
func (c Root) Validate() error {
	if _, err := domain.ParseMode(c.Feed.Mode); err != nil {
		return fmt.Errorf("feed.mode: %w", err)
	}
	if c.Feed.HistoryLimit < 0 || c.Feed.HistoryLimit > domain.MaxSignalsLimit {
		return fmt.Errorf("feed.history_limit must be in 1..%d, got %d", domain.MaxSignalsLimit, c.Feed.HistoryLimit)
	}
	if c.Feed.MaxSignals < 0 {
		return fmt.Errorf("feed.max_signals must not be negative, got %d", c.Feed.MaxSignals)
	}
	if c.Feed.FlushIntervalMs < 0 || c.Feed.MaxBuffer < 0 {
		return fmt.Errorf("feed.flush_interval_ms and feed.max_buffer must not be negative")
	}
	if c.Feed.EquityMaxPoints < 0 || c.Feed.EquityMaxPoints > api.MaxPnLPoints {
		return fmt.Errorf("feed.equity_max_points must be in 1..%d, got %d", api.MaxPnLPoints, c.Feed.EquityMaxPoints)
	}
	if c.Stream.Reconnect.BaseDelayMs < 0 || c.Stream.Reconnect.MaxDelayMs < 0 || c.Stream.Reconnect.JitterMs < 0 {
		return fmt.Errorf("stream.reconnect delays must not be negative")
	}
	switch strings.ToLower(c.Stream.Transport) {
	case "", "sse", "ws", "websocket", "poll", "http":
	default:
		return fmt.Errorf("stream.transport %q: want sse, ws or poll", c.Stream.Transport)
	}
	if c.Health.IntervalSeconds < 0 || c.Health.TimeoutSeconds < 0 {
		return fmt.Errorf("health intervals must not be negative")
	}
	if err := c.PnL.Validate(); err != nil {
		return fmt.Errorf("pnl: %w", err)
	}
	return nil
}

// Query is the signal filter shared by history and stream
func (c Root) Query() domain.SignalsQuery {
	return domain.SignalsQuery{Mode: domain.Mode(c.Feed.Mode), Pair: c.Feed.Pair}
}

func (c Root) batch(name string, clock clockwork.Clock) batcher.Config {
	return batcher.Config{
		Name:      name,
		Interval:  time.Duration(c.Feed.FlushIntervalMs) * time.Millisecond,
		MaxBuffer: c.Feed.MaxBuffer,
		Clock:     clock,
	}
}

// SignalFeed builds the signal feed configuration
func (c Root) SignalFeed(clock clockwork.Clock) feed.SignalConfig {
	stream := transport.ManagerConfigFrom(c.Stream, "signals", transport.Params{Path: c.Feed.SignalsPath})
	stream.Clock = clock
	return feed.SignalConfig{
		Query:        c.Query(),
		HistoryLimit: c.Feed.HistoryLimit,
		MaxItems:     c.Feed.MaxSignals,
		Batch:        c.batch("signals", clock),
		Stream:       stream,
	}
}

// EquityFeed builds the equity feed configuration
func (c Root) EquityFeed(clock clockwork.Clock) feed.EquityConfig {
	stream := transport.ManagerConfigFrom(c.Stream, "equity", transport.Params{Path: c.Feed.EquityPath, Query: domain.SignalsQuery{Mode: domain.Mode(c.Feed.Mode)}})
	stream.Clock = clock
	return feed.EquityConfig{
		MaxPoints: c.Feed.EquityMaxPoints,
		Batch:     c.batch("equity", clock),
		Stream:    stream,
	}
}
