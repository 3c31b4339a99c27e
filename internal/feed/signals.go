// Package feed assembles the ingestion pipeline: a managed push channel,
// the validator, the flood-control batcher and the retained state.
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/batcher"
	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/envelope"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
	"github.com/Rajchodisetti/signals-engine/internal/reconcile"
	"github.com/Rajchodisetti/signals-engine/internal/transport"
)

const (
	DefaultSignalsPath  = "/v1/signals/stream"
	DefaultHistoryLimit = 50
	DefaultMaxSignals   = 200
)

// SignalConfig parameterizes a signal feed
type SignalConfig struct {
	Query        domain.SignalsQuery // mode and pair filters for history and stream
	HistoryLimit int
	MaxItems     int
	Batch        batcher.Config
	Stream       transport.ManagerConfig // Params.Query is taken from Query
}

// SignalState is what consumers of a signal feed observe
type SignalState struct {
	Signals      []domain.Signal // newest first, replaced wholesale
	Loading      bool
	HistoryErr   error // recoverable; live updates continue
	Connection   transport.Status
	LastActivity time.Time
}

// Connected reports whether the push channel is open
func (s SignalState) Connected() bool { return s.Connection.Connected() }

// Err returns the most relevant error for display: a connection failure
// wins over a history failure
func (s SignalState) Err() error {
	if s.Connection.LastError != nil {
		return s.Connection.LastError
	}
	return s.HistoryErr
}

// SignalFeed keeps a bounded, newest-first list of validated signals: one
// history fetch, then live signals from the push channel. Callbacks run in
// the order manager -> batcher -> reconciler; onChange must not call Enable,
// Disable, Retry or Clear.
type SignalFeed struct {
	manager   *transport.Manager
	batcher   *batcher.Batcher[domain.Signal]
	recon     *reconcile.Reconciler
	validator *envelope.Validator
	clock     clockwork.Clock
	log       zerolog.Logger
	onChange  func(SignalState)

	list     atomic.Value // reconcile.State
	conn     atomic.Value // transport.Status
	activity atomic.Int64 // unix nanos

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
}

// NewSignalFeed wires a feed. fetcher serves the history snapshot.
func NewSignalFeed(dialer transport.Dialer, fetcher reconcile.Fetcher, cfg SignalConfig, log zerolog.Logger, onChange func(SignalState)) *SignalFeed {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxSignals
	}
	if cfg.Stream.Clock == nil {
		cfg.Stream.Clock = clockwork.NewRealClock()
	}
	if cfg.Batch.Clock == nil {
		cfg.Batch.Clock = cfg.Stream.Clock
	}
	if cfg.Stream.Name == "" {
		cfg.Stream.Name = "signals"
	}
	if cfg.Batch.Name == "" {
		cfg.Batch.Name = cfg.Stream.Name
	}
	if cfg.Stream.Params.Path == "" {
		cfg.Stream.Params.Path = DefaultSignalsPath
	}
	stream := cfg.Query
	stream.Limit = 0
	cfg.Stream.Params.Query = stream

	history := cfg.Query
	history.Limit = cfg.HistoryLimit

	f := &SignalFeed{
		validator: envelope.NewValidator(log),
		clock:     cfg.Stream.Clock,
		log:       observ.Component(log, "signal_feed"),
		onChange:  onChange,
	}
	f.list.Store(reconcile.State{})
	f.conn.Store(transport.Status{Phase: transport.PhaseIdle})

	f.recon = reconcile.New(fetcher, reconcile.Config{Name: cfg.Stream.Name, Query: history, MaxItems: cfg.MaxItems}, log,
		func(s reconcile.State) {
			f.list.Store(s)
			f.notify()
		})
	f.batcher = batcher.New(cfg.Batch, f.recon.Apply)
	f.manager = transport.NewManager(dialer, cfg.Stream, transport.Handlers{
		OnEvent: f.onEvent,
		OnStatus: func(s transport.Status) {
			f.conn.Store(s)
			f.notify()
		},
	}, log)
	return f
}

func (f *SignalFeed) onEvent(env transport.EventEnvelope) {
	f.activity.Store(f.clock.Now().UnixNano())
	switch env.Type {
	case transport.EventMessage, envelope.KindSignal:
	default:
		f.log.Debug().Str("type", env.Type).Msg("ignoring event")
		return
	}
	s, ok := f.validator.Signal(env.Data)
	if !ok {
		return
	}
	f.batcher.Add(s)
}

// Enable fetches history and opens the push channel. Enabling an enabled
// feed does nothing.
func (f *SignalFeed) Enable(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled {
		return
	}
	f.enabled = true
	ctx, f.cancel = context.WithCancel(ctx)

	f.log.Info().Msg("enabling signal feed")
	f.recon.Start(ctx)
	f.manager.Connect()
}

// Disable closes the channel, drops buffered signals without applying them
// and abandons an in-flight history fetch. The retained list is kept.
// Nothing changes after Disable returns.
func (f *SignalFeed) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return
	}
	f.enabled = false

	f.manager.Disconnect()
	f.batcher.Reset()
	f.recon.Stop()
	f.cancel()
	f.log.Info().Msg("signal feed disabled")
}

// Retry reconnects with a fresh attempt budget, also after exhaustion
func (f *SignalFeed) Retry() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return
	}
	f.manager.Retry()
}

// Clear empties the retained list and the batch buffer
func (f *SignalFeed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batcher.Reset()
	f.recon.Clear()
}

// Flush applies buffered signals now instead of at the next interval
func (f *SignalFeed) Flush() {
	f.batcher.Flush()
}

// State returns the current view without blocking on the pipeline
func (f *SignalFeed) State() SignalState {
	list := f.list.Load().(reconcile.State)
	st := SignalState{
		Signals:    list.Items,
		Loading:    list.Loading,
		HistoryErr: list.Err,
		Connection: f.conn.Load().(transport.Status),
	}
	if ns := f.activity.Load(); ns > 0 {
		st.LastActivity = time.Unix(0, ns)
	}
	return st
}

// Performance simulates the retained signals
func (f *SignalFeed) Performance(cfg pnl.Config) pnl.Report {
	return pnl.Analyze(f.State().Signals, cfg)
}

func (f *SignalFeed) notify() {
	if f.onChange != nil {
		f.onChange(f.State())
	}
}
