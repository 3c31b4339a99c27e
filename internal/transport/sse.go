package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxSSELine bounds a single SSE line; records are small JSON objects
const maxSSELine = 1 << 20

// SSEDialer opens Server-Sent Events channels
type SSEDialer struct {
	config Config
	client *http.Client
}

// NewSSEDialer creates an SSE dialer. The HTTP client has no overall
// timeout because the response body lives as long as the channel.
func NewSSEDialer(config Config) *SSEDialer {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &SSEDialer{
		config: config,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: config.Timeout,
			},
		},
	}
}

// Dial performs the SSE handshake and returns once the server answered 200
// with an event-stream body.
func (d *SSEDialer) Dial(ctx context.Context, p Params) (Stream, error) {
	endpoint, err := endpointURL(d.config.BaseURL, p)
	if err != nil {
		return nil, err
	}

	// The request context outlives Dial; Close cancels it
	reqCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if p.LastEventID != "" {
		req.Header.Set("Last-Event-ID", p.LastEventID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		stop()
		cancel()
		return nil, statusError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		stop()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}
	stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// Recv reads lines until one complete event is dispatched. Comment lines are
// surfaced as heartbeats so callers can track liveness.
func (s *sseStream) Recv(ctx context.Context) (EventEnvelope, error) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	var (
		eventType, eventID string
		data               []string
		hasData            bool
	)

	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")

		if line == "" {
			if !hasData {
				eventType, eventID = "", ""
				continue
			}
			if eventType == "" {
				eventType = EventMessage
			}
			return EventEnvelope{
				Type:     eventType,
				ID:       eventID,
				Data:     []byte(strings.Join(data, "\n")),
				Received: time.Now(),
			}, nil
		}

		if strings.HasPrefix(line, ":") {
			if hasData || eventType != "" || eventID != "" {
				continue
			}
			return EventEnvelope{Type: EventHeartbeat, Received: time.Now()}, nil
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "id":
			eventID = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if ctx.Err() != nil {
		return EventEnvelope{}, ctx.Err()
	}
	if err := s.scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return EventEnvelope{}, fmt.Errorf("read event stream: %w", err)
	}
	return EventEnvelope{}, ErrRemoteClosed
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
