// Package health polls the signal service health endpoint and keeps a
// rolling view of its reliability.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
)

// Sample is the outcome of one health poll
type Sample struct {
	Status  domain.HealthStatus
	Check   *domain.HealthCheck // nil when the request failed
	Latency time.Duration
	Err     error
	At      time.Time
}

// Snapshot summarises every sample recorded so far
type Snapshot struct {
	Last              Sample
	ConsecutiveErrors int
	SuccessCount      int64
	ErrorCount        int64
	LatencyP95        time.Duration
	LastSuccessful    time.Time
	LastError         time.Time
}

// Tracker accumulates samples
type Tracker struct {
	mu                sync.RWMutex
	log               zerolog.Logger
	last              Sample
	successCount      int64
	errorCount        int64
	consecutiveErrors int
	latencyP95        time.Duration
	lastSuccessful    time.Time
	lastError         time.Time
}

// NewTracker creates an empty tracker
func NewTracker(log zerolog.Logger) *Tracker {
	return &Tracker{log: log}
}

// Record adds a sample and updates the exported health metrics
func (t *Tracker) Record(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.last.Status
	t.last = s
	if s.Err != nil {
		t.errorCount++
		t.consecutiveErrors++
		t.lastError = s.At
		t.log.Warn().Err(s.Err).Int("consecutive_errors", t.consecutiveErrors).Msg("health check failed")
	} else {
		t.successCount++
		t.consecutiveErrors = 0
		t.lastSuccessful = s.At
		t.updateLatency(s.Latency)
		observ.HealthLatency.Observe(s.Latency.Seconds())
	}

	if prev != "" && prev != s.Status {
		t.log.Info().Str("from", string(prev)).Str("to", string(s.Status)).Msg("service health changed")
	}
	observ.HealthState.Set(statusValue(s.Status))
}

// Snapshot returns the accumulated view
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		Last:              t.last,
		ConsecutiveErrors: t.consecutiveErrors,
		SuccessCount:      t.successCount,
		ErrorCount:        t.errorCount,
		LatencyP95:        t.latencyP95,
		LastSuccessful:    t.lastSuccessful,
		LastError:         t.lastError,
	}
}

// ErrorRate is the fraction of failed polls
func (s Snapshot) ErrorRate() float64 {
	total := s.SuccessCount + s.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(total)
}

// updateLatency keeps a cheap p95 approximation: samples above the estimate
// pull it up faster than samples below pull it down
func (t *Tracker) updateLatency(latency time.Duration) {
	if t.latencyP95 == 0 {
		t.latencyP95 = latency
		return
	}
	alpha := 0.1
	if latency > t.latencyP95 {
		alpha = 0.3
	}
	t.latencyP95 = time.Duration(float64(t.latencyP95)*(1-alpha) + float64(latency)*alpha)
}

func statusValue(s domain.HealthStatus) float64 {
	switch s {
	case domain.HealthHealthy:
		return 2
	case domain.HealthDegraded:
		return 1
	default:
		return 0
	}
}
