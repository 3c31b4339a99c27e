// Package domain holds the records that flow through the signal pipeline.
package domain

import (
	"fmt"
	"net/url"
	"strconv"
)

// Side is the direction of a signal. The wire also uses long/short; the
// validator normalizes those to buy/sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// IsLong reports whether the side opens a long position
func (s Side) IsLong() bool {
	return s == SideBuy
}

// Mode selects the paper or live signal feed
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ParseMode accepts "paper" or "live"
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePaper, ModeLive:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q: want paper or live", s)
	}
}

// Signal is one trading recommendation as published by the signal service.
// Signals are never mutated after validation.
type Signal struct {
	ID         string   `json:"id"`
	TS         int64    `json:"ts"` // seconds since epoch
	Pair       string   `json:"pair"`
	Side       Side     `json:"side"`
	Entry      float64  `json:"entry"`
	SL         *float64 `json:"sl,omitempty"`
	TP         *float64 `json:"tp,omitempty"`
	Strategy   string   `json:"strategy"`
	Confidence float64  `json:"confidence"`
	Mode       Mode     `json:"mode"`
}

// EquityPoint is one sample of portfolio value. DailyPnL is the PnL booked
// by the event (or period) that produced the sample.
type EquityPoint struct {
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	DailyPnL float64 `json:"daily_pnl"`
}

// HealthStatus as reported by the signal service
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ServiceStates is the optional per-dependency breakdown of a health check
type ServiceStates struct {
	Redis string `json:"redis,omitempty"`
	API   string `json:"api,omitempty"`
}

// HealthCheck is the body of the service health endpoint
type HealthCheck struct {
	Status        HealthStatus   `json:"status"`
	Timestamp     int64          `json:"timestamp"`
	Version       string         `json:"version,omitempty"`
	Services      *ServiceStates `json:"services,omitempty"`
	LatencyMs     *float64       `json:"latency_ms,omitempty"`
	UptimeSeconds *float64       `json:"uptime_seconds,omitempty"`
}

const (
	DefaultSignalsLimit = 200
	MaxSignalsLimit     = 1000
)

// SignalsQuery filters the historical signals endpoint and the live stream
type SignalsQuery struct {
	Mode  Mode
	Pair  string
	Limit int
}

// Normalize fills defaults and rejects out-of-range limits
func (q SignalsQuery) Normalize() (SignalsQuery, error) {
	if q.Mode == "" {
		q.Mode = ModePaper
	}
	if _, err := ParseMode(string(q.Mode)); err != nil {
		return q, err
	}
	if q.Limit == 0 {
		q.Limit = DefaultSignalsLimit
	}
	if q.Limit < 0 || q.Limit > MaxSignalsLimit {
		return q, fmt.Errorf("invalid limit %d: want 1..%d", q.Limit, MaxSignalsLimit)
	}
	return q, nil
}

// Values encodes the query for the signals endpoints. Limit is omitted when
// zero so the same query can parameterize the stream.
func (q SignalsQuery) Values() url.Values {
	v := url.Values{}
	if q.Mode != "" {
		v.Set("mode", string(q.Mode))
	}
	if q.Pair != "" {
		v.Set("pair", q.Pair)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}
