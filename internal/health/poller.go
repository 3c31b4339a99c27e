package health

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Checker performs one health request
type Checker interface {
	GetHealth(ctx context.Context) (domain.HealthCheck, time.Duration, error)
}

type Config struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

// Poller checks service health on a fixed interval, independent of any
// push channel
type Poller struct {
	checker  Checker
	tracker  *Tracker
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	onSample func(Sample)
}

// NewPoller creates a poller. onSample, if set, is called after every poll.
func NewPoller(checker Checker, cfg Config, clock clockwork.Clock, log zerolog.Logger, onSample func(Sample)) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Poller{
		checker:  checker,
		tracker:  NewTracker(observ.Component(log, "health")),
		clock:    clock,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		onSample: onSample,
	}
	if cfg.IntervalSeconds > 0 {
		p.interval = time.Duration(cfg.IntervalSeconds) * time.Second
	}
	if cfg.TimeoutSeconds > 0 {
		p.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return p
}

// Run polls immediately and then once per interval until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			p.Poll(ctx)
		}
	}
}

// Poll performs one check and records it. A failed request counts as down.
func (p *Poller) Poll(ctx context.Context) Sample {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	h, latency, err := p.checker.GetHealth(ctx)
	s := Sample{Latency: latency, Err: err, At: p.clock.Now()}
	if err != nil {
		s.Status = domain.HealthDown
	} else {
		s.Status = h.Status
		s.Check = &h
	}

	p.tracker.Record(s)
	if p.onSample != nil {
		p.onSample(s)
	}
	return s
}

// Snapshot returns the tracker view
func (p *Poller) Snapshot() Snapshot {
	return p.tracker.Snapshot()
}
