package stubs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
)

const Version = "stub-1"

type ServerConfig struct {
	Heartbeat time.Duration // SSE comment / WS heartbeat cadence
	Clock     clockwork.Clock
}

// Server serves the signal service API from a Simulator: history, PnL and
// health over REST, signals and equity points over SSE or WebSocket on the
// same stream paths.
type Server struct {
	sim       *Simulator
	clock     clockwork.Clock
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	log       zerolog.Logger
	started   time.Time

	mu     sync.RWMutex
	status domain.HealthStatus
}

func NewServer(sim *Simulator, cfg ServerConfig, log zerolog.Logger) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	return &Server{
		sim:       sim,
		clock:     cfg.Clock,
		heartbeat: cfg.Heartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     observ.Component(log, "stub_server"),
		started: cfg.Clock.Now(),
		status:  domain.HealthHealthy,
	}
}

// SetStatus changes what the health endpoint reports
func (s *Server) SetStatus(st domain.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/signals", s.serveSignals)
	mux.HandleFunc("GET /v1/signals/stream", s.stream(KindSignal))
	mux.HandleFunc("GET /v1/signals/ws", s.stream(KindSignal))
	mux.HandleFunc("GET /v1/pnl", s.servePnL)
	mux.HandleFunc("GET /v1/pnl/stream", s.stream(KindPnL))
	mux.HandleFunc("GET /v1/status/health", s.serveHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseQuery(r *http.Request) (domain.SignalsQuery, error) {
	v := r.URL.Query()
	q := domain.SignalsQuery{Mode: domain.Mode(v.Get("mode")), Pair: v.Get("pair")}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return q, fmt.Errorf("invalid limit %q", l)
		}
		q.Limit = n
	}
	return q.Normalize()
}

func (s *Server) serveSignals(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.sim.Signals(q))
}

func (s *Server) servePnL(w http.ResponseWriter, r *http.Request) {
	n := 500
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 10000 {
			http.Error(w, "n must be in 1..10000", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, s.sim.Equity(n))
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	uptime := s.clock.Since(s.started).Seconds()
	writeJSON(w, domain.HealthCheck{
		Status:        status,
		Timestamp:     s.clock.Now().Unix(),
		Version:       Version,
		Services:      &domain.ServiceStates{Redis: "up", API: "up"},
		UptimeSeconds: &uptime,
	})
}

// stream serves one event kind, as WebSocket when the request asks for an
// upgrade and as SSE otherwise
func (s *Server) stream(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := domain.SignalsQuery{Mode: domain.Mode(r.URL.Query().Get("mode")), Pair: r.URL.Query().Get("pair")}
		if q.Mode != "" {
			if _, err := domain.ParseMode(string(q.Mode)); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if websocket.IsWebSocketUpgrade(r) {
			s.serveWS(w, r, kind, q)
			return
		}
		s.serveSSE(w, r, kind, q)
	}
}

// wanted filters subscriber events for one connection
func wanted(e Event, kind string, q domain.SignalsQuery) bool {
	if e.Kind != kind {
		return false
	}
	return e.Signal == nil || matches(*e.Signal, q)
}

// replay returns the signals a resuming client missed
func (s *Server) replay(r *http.Request, kind string, q domain.SignalsQuery) []Event {
	last := r.Header.Get("Last-Event-ID")
	if kind != KindSignal || last == "" {
		return nil
	}
	var out []Event
	for _, sig := range s.sim.Since(last) {
		if !matches(sig, q) {
			continue
		}
		data, _ := json.Marshal(sig)
		out = append(out, Event{Kind: KindSignal, ID: sig.ID, Data: data})
	}
	return out
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, kind string, q domain.SignalsQuery) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.sim.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	log := s.log.With().Str("kind", kind).Str("transport", "sse").Logger()
	log.Info().Str("last_event_id", r.Header.Get("Last-Event-ID")).Msg("client connected")
	defer log.Info().Msg("client disconnected")

	hello, _ := json.Marshal(map[string]any{"ts": s.clock.Now().Unix(), "kind": kind})
	if err := writeSSE(w, Event{Kind: "connected", Data: hello}); err != nil {
		return
	}
	for _, e := range s.replay(r, kind, q) {
		if err := writeSSE(w, e); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := s.clock.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.Chan():
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if !wanted(e, kind, q) {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", e.Kind); err != nil {
		return err
	}
	if e.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", e.ID); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", e.Data)
	return err
}

type wsFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, kind string, q domain.SignalsQuery) {
	events, unsubscribe := s.sim.Subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.With().Str("kind", kind).Str("transport", "ws").Logger()
	log.Info().Msg("client connected")
	defer log.Info().Msg("client disconnected")

	// reader: notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(f wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(f)
	}
	if err := send(wsFrame{Event: "connected"}); err != nil {
		return
	}
	for _, e := range s.replay(r, kind, q) {
		if err := send(wsFrame{Event: e.Kind, ID: e.ID, Data: e.Data}); err != nil {
			return
		}
	}

	ticker := s.clock.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.Chan():
			if err := send(wsFrame{Event: "heartbeat"}); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if !wanted(e, kind, q) {
				continue
			}
			if err := send(wsFrame{Event: e.Kind, ID: e.ID, Data: e.Data}); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}
