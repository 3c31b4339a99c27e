package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
)

var (
	// ErrRemoteClosed is returned by a stream when the server ends it
	ErrRemoteClosed = errors.New("stream closed by remote")
	// ErrIdleTimeout is the failure recorded when a channel goes silent
	ErrIdleTimeout = errors.New("no traffic within idle timeout")
	// ErrReconnectExhausted is the terminal error after the last retry
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Control event types. They keep a channel alive but carry no record.
const (
	EventHeartbeat = "heartbeat"
	EventConnected = "connected"
	EventPing      = "ping"
	EventError     = "error"
	EventMessage   = "message"
)

// EventEnvelope is one message read from a push channel
type EventEnvelope struct {
	Type     string          `json:"type"` // SSE event name, "message" when unnamed
	ID       string          `json:"id"`   // server event id, used for resume
	Data     json.RawMessage `json:"data"` // raw record, validated downstream
	Received time.Time       `json:"received"`
}

// IsControl reports whether the event only signals liveness or server state
func (e EventEnvelope) IsControl() bool {
	switch e.Type {
	case EventHeartbeat, EventConnected, EventPing, EventError:
		return true
	}
	return false
}

// Params are fixed for the lifetime of one channel; changing them requires
// a reconnect.
type Params struct {
	Path        string // endpoint path below the base URL, e.g. /v1/signals/stream
	Query       domain.SignalsQuery
	LastEventID string
}

// Stream is an open push channel
type Stream interface {
	// Recv blocks until the next event, the remote closing the stream
	// (ErrRemoteClosed) or a transport failure.
	Recv(ctx context.Context) (EventEnvelope, error)
	Close() error
}

// Dialer opens streams. Dial returns only after the handshake succeeded.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Stream, error)
}

// Config for push channel transports
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	Transport string        `yaml:"transport"` // "sse", "ws" or "poll"
	Timeout   time.Duration `yaml:"timeout"`   // handshake timeout

	Reconnect ReconnectConfig `yaml:"reconnect"`

	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"` // 0 disables the watchdog
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
	PollPath           string `yaml:"poll_path"` // polled when a stream has no path
	PollLimit          int    `yaml:"poll_limit"`
}

type ReconnectConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
	MaxAttempts int `yaml:"max_attempts"` // -1 for infinite
	JitterMs    int `yaml:"jitter_ms"`
}

// NewDialer creates the dialer selected by config
func NewDialer(config Config, clock clockwork.Clock) (Dialer, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("transport base url is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	switch strings.ToLower(config.Transport) {
	case "", "sse":
		return NewSSEDialer(config), nil
	case "ws", "websocket":
		return NewWSDialer(config), nil
	case "poll", "http":
		return NewPollDialer(config, clock), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
}

// endpointURL joins base, path and the channel parameters
func endpointURL(base string, p Params) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/") + p.Path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range p.Query.Values() {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("unexpected status: %d", resp.StatusCode)
}
