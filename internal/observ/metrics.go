package observ

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry holds every collector of the engine. A private registry keeps
// tests and embedding programs free of default-registry collisions.
var Registry = prometheus.NewRegistry()

var (
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_events_received_total", Help: "Events read from a push channel"},
		[]string{"stream", "type"},
	)
	PayloadsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_payloads_rejected_total", Help: "Inbound payloads dropped by the validator"},
		[]string{"kind"},
	)
	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_reconnect_attempts_total", Help: "Reconnect cycles scheduled"},
		[]string{"stream"},
	)
	ConnectionPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "signals_connection_phase", Help: "Connection manager phase (0 idle .. 5 closed)"},
		[]string{"stream"},
	)
	BatchFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_batch_flushes_total", Help: "Batcher flushes by trigger"},
		[]string{"batcher", "reason"},
	)
	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "signals_batch_size", Help: "Items per flush", Buckets: []float64{1, 2, 5, 10, 20, 50}},
		[]string{"batcher"},
	)
	ItemsEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_items_evicted_total", Help: "Items dropped by the retention cap"},
		[]string{"list"},
	)
	VisibleItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "signals_visible_items", Help: "Items currently retained"},
		[]string{"list"},
	)
	HealthLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "signals_health_latency_seconds", Help: "Health poll round trip", Buckets: prometheus.DefBuckets},
	)
	HealthState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "signals_health_status", Help: "Service health (2 healthy, 1 degraded, 0 down)"},
	)
)

func init() {
	Registry.MustRegister(
		EventsReceived, PayloadsRejected, ReconnectAttempts, ConnectionPhase,
		BatchFlushes, BatchSize, ItemsEvicted, VisibleItems, HealthLatency, HealthState,
	)
}

// Handler exposes the registry in Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve binds addr and serves the metrics endpoint in the background. Bind
// failures are returned; later serve failures are logged.
func Serve(addr string, log zerolog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("metrics endpoint stopped")
		}
	}()
	return srv, nil
}
