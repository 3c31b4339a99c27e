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
	"github.com/Rajchodisetti/signals-engine/internal/transport"
)

const (
	DefaultEquityPath = "/v1/pnl/stream"
	DefaultMaxPoints  = 500
)

// EquitySource provides the initial equity series
type EquitySource interface {
	GetPnL(ctx context.Context, n int) ([]domain.EquityPoint, string, error)
}

type EquityConfig struct {
	MaxPoints int // retained points, oldest dropped; also the seed size
	Batch     batcher.Config
	Stream    transport.ManagerConfig
}

// EquityState is what consumers of an equity feed observe
type EquityState struct {
	Points       []domain.EquityPoint // ascending by ts, replaced wholesale
	Source       string               // where the seed came from
	Seeding      bool
	SeedErr      error
	Connection   transport.Status
	LastActivity time.Time
}

// Connected reports whether the push channel is open
func (s EquityState) Connected() bool { return s.Connection.Connected() }

// EquityFeed keeps the most recent equity points: a seed series from the
// PnL fallback chain plus points streamed live.
type EquityFeed struct {
	manager   *transport.Manager
	batcher   *batcher.Batcher[domain.EquityPoint]
	source    EquitySource
	validator *envelope.Validator
	clock     clockwork.Clock
	log       zerolog.Logger
	maxPoints int
	name      string
	onChange  func(EquityState)

	conn     atomic.Value // transport.Status
	view     atomic.Value // EquityState without connection
	activity atomic.Int64

	mu      sync.Mutex // guards the series; taken inside batcher callbacks
	epoch   uint64
	points  []domain.EquityPoint
	src     string
	seeding bool
	seedErr error

	life    sync.Mutex
	enabled bool
	cancel  context.CancelFunc
}

func NewEquityFeed(dialer transport.Dialer, source EquitySource, cfg EquityConfig, log zerolog.Logger, onChange func(EquityState)) *EquityFeed {
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = DefaultMaxPoints
	}
	if cfg.Stream.Clock == nil {
		cfg.Stream.Clock = clockwork.NewRealClock()
	}
	if cfg.Batch.Clock == nil {
		cfg.Batch.Clock = cfg.Stream.Clock
	}
	if cfg.Stream.Name == "" {
		cfg.Stream.Name = "equity"
	}
	if cfg.Batch.Name == "" {
		cfg.Batch.Name = cfg.Stream.Name
	}
	if cfg.Stream.Params.Path == "" {
		cfg.Stream.Params.Path = DefaultEquityPath
	}

	f := &EquityFeed{
		source:    source,
		validator: envelope.NewValidator(log),
		clock:     cfg.Stream.Clock,
		log:       observ.Component(log, "equity_feed"),
		maxPoints: cfg.MaxPoints,
		name:      cfg.Stream.Name,
		onChange:  onChange,
	}
	f.conn.Store(transport.Status{Phase: transport.PhaseIdle})
	f.view.Store(EquityState{})

	f.batcher = batcher.New(cfg.Batch, f.apply)
	f.manager = transport.NewManager(dialer, cfg.Stream, transport.Handlers{
		OnEvent: f.onEvent,
		OnStatus: func(s transport.Status) {
			f.conn.Store(s)
			f.notify()
		},
	}, log)
	return f
}

func (f *EquityFeed) onEvent(env transport.EventEnvelope) {
	f.activity.Store(f.clock.Now().UnixNano())
	switch env.Type {
	case transport.EventMessage, "pnl", envelope.KindEquity:
	default:
		f.log.Debug().Str("type", env.Type).Msg("ignoring event")
		return
	}
	if p, ok := f.validator.EquityPoint(env.Data); ok {
		f.batcher.Add(p)
	}
}

// Enable starts a fresh series: it drops the previous one, loads the seed
// and opens the push channel
func (f *EquityFeed) Enable(ctx context.Context) {
	f.life.Lock()
	defer f.life.Unlock()
	if f.enabled {
		return
	}
	f.enabled = true
	ctx, f.cancel = context.WithCancel(ctx)

	f.mu.Lock()
	f.epoch++
	epoch := f.epoch
	f.points = nil
	f.src = ""
	f.seeding = true
	f.seedErr = nil
	observ.VisibleItems.WithLabelValues(f.name).Set(0)
	f.publishLocked()
	f.mu.Unlock()

	go func() {
		points, src, err := f.source.GetPnL(ctx, f.maxPoints)
		f.seed(epoch, points, src, err)
	}()
	f.manager.Connect()
}

func (f *EquityFeed) seed(epoch uint64, points []domain.EquityPoint, src string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.epoch != epoch {
		return
	}
	f.seeding = false
	if err != nil {
		f.seedErr = err
		f.log.Warn().Err(err).Msg("equity seed unavailable")
		f.publishLocked()
		return
	}
	f.src = src
	f.mergeLocked(points)
}

func (f *EquityFeed) apply(batch []domain.EquityPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeLocked(batch)
}

// mergeLocked adds points, keeps the series ascending by ts, drops exact
// duplicates and keeps only the newest maxPoints
func (f *EquityFeed) mergeLocked(add []domain.EquityPoint) {
	merged := pnl.SortByTS(append(append([]domain.EquityPoint(nil), f.points...), add...))
	out := make([]domain.EquityPoint, 0, len(merged))
	seen := make(map[domain.EquityPoint]struct{}, len(merged))
	for _, p := range merged {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if over := len(out) - f.maxPoints; over > 0 {
		observ.ItemsEvicted.WithLabelValues(f.name).Add(float64(over))
		out = out[over:]
	}
	f.points = out
	observ.VisibleItems.WithLabelValues(f.name).Set(float64(len(out)))
	f.publishLocked()
}

// Disable closes the channel and drops buffered points; the series is kept
func (f *EquityFeed) Disable() {
	f.life.Lock()
	defer f.life.Unlock()
	if !f.enabled {
		return
	}
	f.enabled = false

	f.manager.Disconnect()
	f.batcher.Reset()
	f.cancel()

	f.mu.Lock()
	f.epoch++
	if f.seeding {
		f.seeding = false
		f.publishLocked()
	}
	f.mu.Unlock()
}

// Retry reconnects with a fresh attempt budget
func (f *EquityFeed) Retry() {
	f.life.Lock()
	defer f.life.Unlock()
	if f.enabled {
		f.manager.Retry()
	}
}

// State returns the current view
func (f *EquityFeed) State() EquityState {
	st := f.view.Load().(EquityState)
	st.Connection = f.conn.Load().(transport.Status)
	if ns := f.activity.Load(); ns > 0 {
		st.LastActivity = time.Unix(0, ns)
	}
	return st
}

func (f *EquityFeed) publishLocked() {
	f.view.Store(EquityState{Points: f.points, Source: f.src, Seeding: f.seeding, SeedErr: f.seedErr})
	f.notify()
}

func (f *EquityFeed) notify() {
	if f.onChange != nil {
		f.onChange(f.State())
	}
}
