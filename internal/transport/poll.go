package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxPollSeen bounds the id memory of a polling stream
const maxPollSeen = 4096

// PollDialer emulates a push channel by polling the history endpoint behind
// each stream path and emitting records it has not emitted before. Used where
// SSE and WebSocket are blocked by intermediaries.
type PollDialer struct {
	config Config
	client *http.Client
	clock  clockwork.Clock
}

// NewPollDialer creates a polling dialer
func NewPollDialer(config Config, clock clockwork.Clock) *PollDialer {
	if config.PollIntervalMs <= 0 {
		config.PollIntervalMs = 1000
	}
	if config.PollPath == "" {
		config.PollPath = "/v1/signals"
	}
	if config.PollLimit <= 0 {
		config.PollLimit = 50
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &PollDialer{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		clock:  clock,
	}
}

// Dial runs the first poll as the handshake
func (d *PollDialer) Dial(ctx context.Context, p Params) (Stream, error) {
	endpoint, err := d.pollURL(p)
	if err != nil {
		return nil, err
	}
	s := &pollStream{
		dialer:   d,
		endpoint: endpoint,
		seen:     make(map[string]struct{}),
		interval: time.Duration(d.config.PollIntervalMs) * time.Millisecond,
	}
	if err := s.pollOnce(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// pollURL maps a stream path to the history endpoint behind it:
// /v1/signals/stream and /v1/signals/ws poll /v1/signals?limit=,
// /v1/pnl/stream polls /v1/pnl?n=. An empty path polls PollPath.
func (d *PollDialer) pollURL(p Params) (string, error) {
	path := d.config.PollPath
	if p.Path != "" {
		path = strings.TrimSuffix(strings.TrimSuffix(p.Path, "/stream"), "/ws")
	}
	q := p.Query
	q.Limit = 0
	endpoint, err := endpointURL(d.config.BaseURL, Params{Path: path, Query: q})
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	size := "limit"
	if strings.HasSuffix(path, "/pnl") {
		size = "n"
	}
	values := u.Query()
	values.Set(size, strconv.Itoa(d.config.PollLimit))
	u.RawQuery = values.Encode()
	return u.String(), nil
}

type pollStream struct {
	dialer   *PollDialer
	endpoint string
	interval time.Duration

	queue []EventEnvelope
	seen  map[string]struct{}
	order []string
}

func (s *pollStream) Recv(ctx context.Context) (EventEnvelope, error) {
	for len(s.queue) == 0 {
		select {
		case <-ctx.Done():
			return EventEnvelope{}, ctx.Err()
		case <-s.dialer.clock.After(s.interval):
		}
		if err := s.pollOnce(ctx); err != nil {
			return EventEnvelope{}, err
		}
	}
	env := s.queue[0]
	s.queue = s.queue[1:]
	return env, nil
}

// pollOnce fetches the newest records and queues the unseen ones oldest
// first. The endpoint returns newest first.
func (s *pollStream) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.dialer.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	now := s.dialer.clock.Now()
	for i := len(items) - 1; i >= 0; i-- {
		id, key := recordKey(items[i])
		if key != "" {
			if _, dup := s.seen[key]; dup {
				continue
			}
			s.remember(key)
		}
		s.queue = append(s.queue, EventEnvelope{Type: EventMessage, ID: id, Data: items[i], Received: now})
	}
	return nil
}

func (s *pollStream) remember(id string) {
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > maxPollSeen {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *pollStream) Close() error { return nil }

// recordKey extracts the id of a record without validating the rest, and the
// key it is deduplicated by. Records without an id (equity points) fall back
// to their ts.
func recordKey(raw json.RawMessage) (id, key string) {
	var head struct {
		ID json.RawMessage `json:"id"`
		TS json.RawMessage `json:"ts"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", ""
	}
	if len(head.ID) > 0 && json.Unmarshal(head.ID, &id) == nil && id != "" {
		return id, id
	}
	if ts := strings.TrimSpace(string(head.TS)); ts != "" && ts != "null" {
		return "", "ts:" + ts
	}
	return "", ""
}
