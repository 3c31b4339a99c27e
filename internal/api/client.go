// Package api is the request/response side of the signal service: signal
// history, the PnL series with its fallbacks, and the health endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/envelope"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
)

const (
	PathSignals = "/v1/signals"
	PathPnL     = "/v1/pnl"
	PathHealth  = "/v1/status/health"

	DefaultPnLPoints = 500
	MaxPnLPoints     = 10000

	maxBody = 16 << 20
)

// Config for the service client
type Config struct {
	BaseURL            string `yaml:"base_url"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	// StaticPnL is a backtest series file, local path or URL, consulted
	// before the PnL endpoint. Empty skips it.
	StaticPnL string `yaml:"static_pnl"`
}

// Client talks to the signal service. Responses are validated before they
// are returned; a response with any malformed record is an error.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	pnl     pnl.Config
	log     zerolog.Logger
}

// New creates a client. pnlConfig drives the client-side PnL fallback.
func New(config Config, pnlConfig pnl.Config, log zerolog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 120
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 5),
		pnl:     pnlConfig,
		log:     observ.Component(log, "api"),
	}, nil
}

// GetSignals fetches recent signals, newest first
func (c *Client) GetSignals(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	endpoint := c.config.BaseURL + PathSignals + "?" + q.Values().Encode()
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	signals, err := envelope.DecodeSignals(body)
	if err != nil {
		observ.PayloadsRejected.WithLabelValues(envelope.KindSignal).Inc()
		return nil, newDecodeError(endpoint, err)
	}
	return signals, nil
}

// FetchSignals lets the client serve as the history source of a reconciler
func (c *Client) FetchSignals(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) {
	return c.GetSignals(ctx, q)
}

// GetEquity fetches the service-computed equity series
func (c *Client) GetEquity(ctx context.Context, n int) ([]domain.EquityPoint, error) {
	n, err := normalizePoints(n)
	if err != nil {
		return nil, err
	}
	endpoint := c.config.BaseURL + PathPnL + "?n=" + strconv.Itoa(n)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	points, err := envelope.DecodeEquityPoints(body)
	if err != nil {
		observ.PayloadsRejected.WithLabelValues(envelope.KindEquity).Inc()
		return nil, newDecodeError(endpoint, err)
	}
	return points, nil
}

// GetHealth fetches the service health and measures the round trip
func (c *Client) GetHealth(ctx context.Context) (domain.HealthCheck, time.Duration, error) {
	endpoint := c.config.BaseURL + PathHealth
	start := time.Now()
	body, err := c.get(ctx, endpoint)
	latency := time.Since(start)
	if err != nil {
		return domain.HealthCheck{}, latency, err
	}
	h, err := envelope.DecodeHealth(body)
	if err != nil {
		observ.PayloadsRejected.WithLabelValues(envelope.KindHealth).Inc()
		return domain.HealthCheck{}, latency, newDecodeError(endpoint, err)
	}
	return h, latency, nil
}

func normalizePoints(n int) (int, error) {
	if n == 0 {
		return DefaultPnLPoints, nil
	}
	if n < 0 || n > MaxPnLPoints {
		return 0, fmt.Errorf("invalid point count %d: want 1..%d", n, MaxPnLPoints)
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindCanceled, URL: endpoint, Message: "rate limiter wait", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: KindCanceled, URL: endpoint, Message: "request canceled", Cause: err}
		}
		return nil, newNetworkError(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, newStatusError(endpoint, resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, newNetworkError(endpoint, err)
	}
	if !json.Valid(body) {
		return nil, newDecodeError(endpoint, errors.New("body is not JSON"))
	}
	return body, nil
}
