package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", c.API.BaseURL)
	assert.Equal(t, c.API.BaseURL, c.Stream.BaseURL)
	assert.Equal(t, "sse", c.Stream.Transport)
	assert.Equal(t, "paper", c.Feed.Mode)
	assert.Equal(t, 50, c.Feed.HistoryLimit)
	assert.Equal(t, 200, c.Feed.MaxSignals)
	assert.Equal(t, 500, c.Feed.FlushIntervalMs)
	assert.Equal(t, 20, c.Feed.MaxBuffer)
	assert.Equal(t, 30, c.Health.IntervalSeconds)
	assert.Equal(t, pnl.DefaultConfig(), c.PnL)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadFileKeepsUnsetPnLDefaults(t *testing.T) {
	path := writeFile(t, "signals.yaml", `
api:
  base_url: http://signals.internal:9000
stream:
  transport: ws
  timeout: 3s
  reconnect:
    max_attempts: -1
feed:
  mode: live
  pair: BTC/USD
  flush_interval_ms: 250
pnl:
  trading_fee: 0.002
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://signals.internal:9000", c.Stream.BaseURL)
	assert.Equal(t, 3*time.Second, c.Stream.Timeout)
	assert.Equal(t, -1, c.Stream.Reconnect.MaxAttempts)
	assert.Equal(t, 0.002, c.PnL.TradingFee)
	assert.Equal(t, 10000.0, c.PnL.InitialEquity)
	assert.Equal(t, domain.SignalsQuery{Mode: domain.ModeLive, Pair: "BTC/USD"}, c.Query())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "signals.yaml", "api:\n  base_url: http://from-file\nfeed:\n  mode: paper\n")
	t.Setenv(EnvAPIBase, "http://from-env")
	t.Setenv(EnvMode, "LIVE")
	t.Setenv(EnvLogLevel, "debug")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env", c.API.BaseURL)
	assert.Equal(t, "http://from-env", c.Stream.BaseURL)
	assert.Equal(t, "live", c.Feed.Mode)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", EnvLogLevel+"=warn\n")
	t.Setenv(EnvLogLevel, "")
	require.NoError(t, os.Unsetenv(EnvLogLevel))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "warn", os.Getenv(EnvLogLevel))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Root)
	}{
		{"unknown mode", func(c *Root) { c.Feed.Mode = "demo" }},
		{"history limit too large", func(c *Root) { c.Feed.HistoryLimit = 5000 }},
		{"negative max signals", func(c *Root) { c.Feed.MaxSignals = -1 }},
		{"negative buffer", func(c *Root) { c.Feed.MaxBuffer = -3 }},
		{"too many equity points", func(c *Root) { c.Feed.EquityMaxPoints = 20000 }},
		{"unknown transport", func(c *Root) { c.Stream.Transport = "grpc" }},
		{"negative jitter", func(c *Root) { c.Stream.Reconnect.JitterMs = -1 }},
		{"fee of one", func(c *Root) { c.PnL.TradingFee = 1 }},
		{"unknown exit policy", func(c *Root) { c.PnL.ExitPolicy = "random" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load("")
			require.NoError(t, err)
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "feed: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "mode.yaml", "feed:\n  mode: backtest\n"))
	assert.Error(t, err)
}

func TestFeedConfigs(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	c.Feed.Pair = "ETH/USD"
	clock := clockwork.NewFakeClock()

	sc := c.SignalFeed(clock)
	assert.Equal(t, "signals", sc.Stream.Name)
	assert.Equal(t, "/v1/signals/stream", sc.Stream.Params.Path)
	assert.Equal(t, 10, sc.Stream.MaxAttempts)
	assert.Equal(t, time.Second, sc.Stream.Backoff.Base)
	assert.Equal(t, 10*time.Second, sc.Stream.Backoff.Cap)
	assert.Equal(t, 500*time.Millisecond, sc.Batch.Interval)
	assert.Equal(t, 20, sc.Batch.MaxBuffer)
	assert.Equal(t, "ETH/USD", sc.Query.Pair)
	assert.Equal(t, 50, sc.HistoryLimit)
	assert.True(t, sc.Stream.Clock == clockwork.Clock(clock))

	ec := c.EquityFeed(clock)
	assert.Equal(t, "/v1/pnl/stream", ec.Stream.Params.Path)
	assert.Equal(t, 500, ec.MaxPoints)
	assert.Equal(t, "equity", ec.Batch.Name)
}
