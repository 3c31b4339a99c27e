package stubs

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
)

// Load presets in signals per minute
const (
	RateLight   = 30
	RateNormal  = 100
	RateHeavy   = 200
	RateExtreme = 500
	BurstSize   = 50
)

// Event kinds published to subscribers
const (
	KindSignal = "signal"
	KindPnL    = "pnl"
)

var (
	simPairs      = []string{"BTC/USD", "ETH/USD", "SOL/USD", "AVAX/USD", "MATIC/USD"}
	simStrategies = []string{"momentum", "meanrev", "breakout", "scalp"}
)

// Event is one record fanned out to stream subscribers
type Event struct {
	Kind   string
	ID     string
	Data   json.RawMessage
	Signal *domain.Signal // set for signal events, used for filtering
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// GenerateSignal builds a random but valid signal: stop 1-3% and target 2-6%
// away from entry on the correct sides.
func GenerateSignal(rng *rand.Rand, now time.Time, mode domain.Mode) domain.Signal {
	side := domain.SideSell
	if rng.Float64() > 0.5 {
		side = domain.SideBuy
	}
	entry := rng.Float64()*10000 + 1000
	slOff := entry * (0.01 + rng.Float64()*0.02)
	tpOff := entry * (0.02 + rng.Float64()*0.04)

	sl, tp := entry+slOff, entry-tpOff
	if side == domain.SideBuy {
		sl, tp = entry-slOff, entry+tpOff
	}
	sl, tp = round2(sl), round2(tp)

	return domain.Signal{
		ID:         "sim-" + uuid.NewString(),
		TS:         now.Unix(),
		Pair:       simPairs[rng.Intn(len(simPairs))],
		Side:       side,
		Entry:      round2(entry),
		SL:         &sl,
		TP:         &tp,
		Strategy:   simStrategies[rng.Intn(len(simStrategies))],
		Confidence: 0.5 + rng.Float64()*0.5,
		Mode:       mode,
	}
}

type SimConfig struct {
	Mode        domain.Mode
	Seed        int64 // 0 seeds from the clock
	HistorySize int   // retained signals and equity points
	PnL         pnl.Config
}

// SimStats mirrors what the simulator reports while running
type SimStats struct {
	Count      int           `json:"count"`
	Elapsed    time.Duration `json:"elapsed"`
	RatePerMin float64       `json:"rate_per_min"`
	Running    bool          `json:"running"`
}

// Simulator produces signals at a fixed rate or in bursts, keeps a bounded
// history for the REST endpoints and fans every signal and the resulting
// equity point out to subscribers.
type Simulator struct {
	cfg   SimConfig
	clock clockwork.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	count   int
	started time.Time
	running bool
	signals []domain.Signal      // chronological
	points  []domain.EquityPoint // chronological
	equity  float64
	subs    map[int]chan Event
	nextSub int
}

func NewSimulator(cfg SimConfig, clock clockwork.Clock, log zerolog.Logger) *Simulator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePaper
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = domain.MaxSignalsLimit
	}
	if cfg.PnL == (pnl.Config{}) {
		cfg.PnL = pnl.DefaultConfig()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	s := &Simulator{
		cfg:     cfg,
		clock:   clock,
		log:     observ.Component(log, "simulator"),
		rng:     rand.New(rand.NewSource(seed)),
		started: clock.Now(),
		equity:  cfg.PnL.InitialEquity,
		subs:    make(map[int]chan Event),
	}
	s.points = []domain.EquityPoint{{TS: s.started.Unix(), Equity: s.equity}}
	return s
}

// Subscribe registers a listener. Slow listeners miss events rather than
// stalling the simulator. The returned func unsubscribes.
func (s *Simulator) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 100)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// Emit generates n signals at once and returns them
func (s *Simulator) Emit(n int) []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Signal, 0, n)
	for i := 0; i < n; i++ {
		sig := GenerateSignal(s.rng, s.clock.Now(), s.cfg.Mode)
		s.addLocked(sig)
		out = append(out, sig)
	}
	return out
}

// Publish records and broadcasts a caller-supplied signal
func (s *Simulator) Publish(sig domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(sig)
}

func (s *Simulator) addLocked(sig domain.Signal) {
	s.count++
	s.signals = append(s.signals, sig)
	if over := len(s.signals) - s.cfg.HistorySize; over > 0 {
		s.signals = s.signals[over:]
	}

	cfg := s.cfg.PnL
	cfg.InitialEquity = s.equity
	trade := pnl.SimulateTrades([]domain.Signal{sig}, cfg)[0]
	s.equity = trade.EquityAfter
	point := domain.EquityPoint{TS: sig.TS, Equity: trade.EquityAfter, DailyPnL: trade.Net}
	s.points = append(s.points, point)
	if over := len(s.points) - s.cfg.HistorySize; over > 0 {
		s.points = s.points[over:]
	}

	sigData, _ := json.Marshal(sig)
	s.broadcastLocked(Event{Kind: KindSignal, ID: sig.ID, Data: sigData, Signal: &sig})
	pointData, _ := json.Marshal(point)
	s.broadcastLocked(Event{Kind: KindPnL, Data: pointData})
}

func (s *Simulator) broadcastLocked(e Event) {
	for id, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.log.Warn().Int("subscriber", id).Str("kind", e.Kind).Msg("subscriber full, dropping event")
		}
	}
}

// Run emits perMinute signals per minute until ctx is done
func (s *Simulator) Run(ctx context.Context, perMinute int) error {
	if perMinute <= 0 {
		perMinute = RateNormal
	}
	interval := time.Minute / time.Duration(perMinute)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn().Msg("simulator already running")
		return nil
	}
	s.running = true
	s.count = 0
	s.started = s.clock.Now()
	s.mu.Unlock()

	s.log.Info().Int("per_minute", perMinute).Dur("interval", interval).Msg("simulator started")
	ticker := s.clock.NewTicker(interval)
	defer func() {
		ticker.Stop()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		st := s.Stats()
		s.log.Info().Int("count", st.Count).Float64("rate_per_min", st.RatePerMin).Msg("simulator stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			s.Emit(1)
			if st := s.Stats(); st.Count%10 == 0 {
				s.log.Debug().Int("count", st.Count).Float64("rate_per_min", st.RatePerMin).Msg("simulator progress")
			}
		}
	}
}

// Stats reports the count and observed rate since the last start
func (s *Simulator) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.clock.Since(s.started)
	st := SimStats{Count: s.count, Elapsed: elapsed, Running: s.running}
	if minutes := elapsed.Minutes(); minutes > 0 {
		st.RatePerMin = float64(s.count) / minutes
	}
	return st
}

// Signals returns retained signals matching q, newest first, at most q.Limit
func (s *Simulator) Signals(q domain.SignalsQuery) []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Signal{}
	for i := len(s.signals) - 1; i >= 0 && (q.Limit <= 0 || len(out) < q.Limit); i-- {
		if matches(s.signals[i], q) {
			out = append(out, s.signals[i])
		}
	}
	return out
}

// Since returns the retained signals published after id, oldest first. An
// unknown id yields nothing.
func (s *Simulator) Since(id string) []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sig := range s.signals {
		if sig.ID == id {
			return append([]domain.Signal(nil), s.signals[i+1:]...)
		}
	}
	return nil
}

// Equity returns the equity series resampled to at most n points
func (s *Simulator) Equity(n int) []domain.EquityPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pnl.Resample(s.points, n)
}

func matches(sig domain.Signal, q domain.SignalsQuery) bool {
	if q.Mode != "" && sig.Mode != q.Mode {
		return false
	}
	return q.Pair == "" || sig.Pair == q.Pair
}
