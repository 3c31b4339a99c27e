package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/observ"
)

// Phase of a managed push channel
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseError
	PhaseReconnecting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseError:
		return "error"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultMaxAttempts caps reconnect cycles when the config leaves it unset
const DefaultMaxAttempts = 10

// Status is the externally visible connection state
type Status struct {
	Phase     Phase
	Attempt   int           // reconnect cycles since the last successful open
	LastError error         // nil while healthy
	NextDelay time.Duration // wait before the pending reconnect
	Exhausted bool          // retries stopped; Retry is required
}

// Connected reports whether the channel is open
func (s Status) Connected() bool { return s.Phase == PhaseOpen }

// Handlers receive channel output. They run with the manager lock held and
// must not call Connect, Disconnect or Retry; Status is safe.
type Handlers struct {
	OnEvent  func(EventEnvelope)
	OnStatus func(Status)
}

// ManagerConfig parameterizes one managed channel
type ManagerConfig struct {
	Name        string // log and metric label
	Params      Params
	Backoff     Backoff
	MaxAttempts int // 0 uses DefaultMaxAttempts, negative retries forever
	Jitter      time.Duration
	IdleTimeout time.Duration // 0 disables the idle watchdog
	Clock       clockwork.Clock
}

// ManagerConfigFrom maps the YAML transport config onto a manager config
func ManagerConfigFrom(c Config, name string, p Params) ManagerConfig {
	b := DefaultBackoff
	if c.Reconnect.BaseDelayMs > 0 {
		b.Base = time.Duration(c.Reconnect.BaseDelayMs) * time.Millisecond
	}
	if c.Reconnect.MaxDelayMs > 0 {
		b.Cap = time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond
	}
	return ManagerConfig{
		Name:        name,
		Params:      p,
		Backoff:     b,
		MaxAttempts: c.Reconnect.MaxAttempts,
		Jitter:      time.Duration(c.Reconnect.JitterMs) * time.Millisecond,
		IdleTimeout: time.Duration(c.IdleTimeoutSeconds) * time.Second,
	}
}

// Manager owns one push channel and its reconnect state machine:
//
//	idle -> connecting -> open -> error -> reconnecting -> connecting ...
//	any  -> closed (Disconnect)
//
// Every goroutine and timer it starts carries the epoch that was current
// when it was started; state only changes when that epoch is still current,
// so nothing scheduled before Disconnect can take effect after it returns.
type Manager struct {
	dialer   Dialer
	cfg      ManagerConfig
	handlers Handlers
	clock    clockwork.Clock
	log      zerolog.Logger

	mu          sync.Mutex
	phase       Phase
	attempt     int
	lastErr     error
	nextDelay   time.Duration
	exhausted   bool
	epoch       uint64
	timer       clockwork.Timer
	idle        clockwork.Timer
	cancel      context.CancelFunc
	stream      Stream
	lastEventID string

	status atomic.Value // Status
}

// NewManager creates an idle manager; nothing is dialed until Connect
func NewManager(dialer Dialer, cfg ManagerConfig, handlers Handlers, log zerolog.Logger) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	m := &Manager{
		dialer:   dialer,
		cfg:      cfg,
		handlers: handlers,
		clock:    cfg.Clock,
		log:      observ.Component(log, "connection").With().Str("stream", cfg.Name).Logger(),
	}
	m.status.Store(Status{Phase: PhaseIdle})
	return m
}

// Status returns the latest state without taking the manager lock
func (m *Manager) Status() Status {
	return m.status.Load().(Status)
}

// Connect starts a new channel lifecycle from idle or closed. It is a no-op
// while a channel is active or after retries are exhausted (use Retry).
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseIdle && m.phase != PhaseClosed {
		return
	}
	m.attempt = 0
	m.lastErr = nil
	m.exhausted = false
	m.startLocked()
}

// Retry abandons whatever the channel is doing and connects again with a
// fresh attempt counter. This is the explicit recovery after exhaustion.
func (m *Manager) Retry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	m.attempt = 0
	m.lastErr = nil
	m.exhausted = false
	m.startLocked()
}

// Disconnect closes the channel and cancels any pending reconnect. When it
// returns no handler will be invoked again until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	if m.phase != PhaseClosed {
		m.log.Info().Msg("disconnected")
		m.setPhaseLocked(PhaseClosed)
	}
}

func (m *Manager) teardownLocked() {
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.stopIdleLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
	m.nextDelay = 0
}

func (m *Manager) startLocked() {
	m.epoch++
	epoch := m.epoch

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	params := m.cfg.Params
	params.LastEventID = m.lastEventID

	m.nextDelay = 0
	m.setPhaseLocked(PhaseConnecting)
	go m.run(ctx, epoch, params)
}

func (m *Manager) run(ctx context.Context, epoch uint64, params Params) {
	stream, err := m.dialer.Dial(ctx, params)
	if err != nil {
		m.fail(epoch, fmt.Errorf("dial: %w", err))
		return
	}

	if !m.opened(epoch, stream) {
		stream.Close()
		return
	}

	for {
		env, err := stream.Recv(ctx)
		if err != nil {
			stream.Close()
			m.fail(epoch, err)
			return
		}
		if !m.deliver(epoch, env) {
			stream.Close()
			return
		}
	}
}

func (m *Manager) opened(epoch uint64, stream Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch {
		return false
	}
	m.stream = stream
	m.attempt = 0
	m.lastErr = nil
	m.exhausted = false
	m.log.Info().Msg("connected")
	m.armIdleLocked(epoch)
	m.setPhaseLocked(PhaseOpen)
	return true
}

func (m *Manager) deliver(epoch uint64, env EventEnvelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch {
		return false
	}
	m.armIdleLocked(epoch)
	observ.EventsReceived.WithLabelValues(m.cfg.Name, env.Type).Inc()

	if env.Type == EventError {
		m.log.Warn().RawJSON("data", rawOrNull(env.Data)).Msg("server reported stream error")
		return true
	}
	if env.IsControl() {
		return true
	}
	if env.ID != "" {
		m.lastEventID = env.ID
	}
	if m.handlers.OnEvent != nil {
		m.handlers.OnEvent(env)
	}
	return true
}

func (m *Manager) fail(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(epoch, err)
}

// failLocked moves the session for epoch to error and schedules the next
// attempt, or stops for good when the attempt budget is spent.
func (m *Manager) failLocked(epoch uint64, err error) {
	if m.epoch != epoch {
		return
	}
	m.epoch++
	next := m.epoch

	m.stopIdleLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}

	m.lastErr = err
	m.setPhaseLocked(PhaseError)

	if m.cfg.MaxAttempts > 0 && m.attempt >= m.cfg.MaxAttempts {
		m.exhausted = true
		m.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.attempt, err)
		m.log.Error().Err(err).Int("attempts", m.attempt).Msg("giving up reconnecting")
		m.publishLocked()
		return
	}

	m.attempt++
	delay := m.cfg.Backoff.Delay(m.attempt)
	if m.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(m.cfg.Jitter)))
	}
	m.nextDelay = delay
	observ.ReconnectAttempts.WithLabelValues(m.cfg.Name).Inc()
	m.log.Warn().Err(err).Int("attempt", m.attempt).Dur("delay", delay).Msg("connection lost, reconnecting")

	m.timer = m.clock.AfterFunc(delay, func() { m.fire(next) })
	m.setPhaseLocked(PhaseReconnecting)
}

func (m *Manager) fire(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch || m.phase != PhaseReconnecting {
		return
	}
	m.timer = nil
	m.startLocked()
}

func (m *Manager) armIdleLocked(epoch uint64) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	m.stopIdleLocked()
	m.idle = m.clock.AfterFunc(m.cfg.IdleTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.phase == PhaseOpen {
			m.failLocked(epoch, ErrIdleTimeout)
		}
	})
}

func (m *Manager) stopIdleLocked() {
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
}

func (m *Manager) setPhaseLocked(p Phase) {
	m.phase = p
	observ.ConnectionPhase.WithLabelValues(m.cfg.Name).Set(float64(p))
	m.publishLocked()
}

func (m *Manager) publishLocked() {
	s := Status{
		Phase:     m.phase,
		Attempt:   m.attempt,
		LastError: m.lastErr,
		NextDelay: m.nextDelay,
		Exhausted: m.exhausted,
	}
	m.status.Store(s)
	if m.handlers.OnStatus != nil {
		m.handlers.OnStatus(s)
	}
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
