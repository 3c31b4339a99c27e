// Package batcher implements flood control between a fast event source and
// the state it feeds: items are buffered and handed over in batches, at most
// once per interval, or immediately when the buffer reaches its ceiling.
package batcher

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rajchodisetti/signals-engine/internal/observ"
)

const (
	DefaultInterval  = 500 * time.Millisecond
	DefaultMaxBuffer = 20
)

// Flush reasons, also used as metric labels
const (
	ReasonInterval = "interval"
	ReasonSize     = "size"
	ReasonManual   = "manual"
)

type Config struct {
	Name      string        // metric label
	Interval  time.Duration // flush cadence
	MaxBuffer int           // flush immediately at this many buffered items
	Clock     clockwork.Clock
}

// Batcher buffers items of type T. The flush function receives each batch in
// arrival order and runs with the batcher lock held, so it must not call
// back into the batcher.
type Batcher[T any] struct {
	cfg   Config
	flush func([]T)

	mu    sync.Mutex
	buf   []T
	timer clockwork.Timer
	epoch uint64
}

func New[T any](cfg Config, flush func([]T)) *Batcher[T] {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Name == "" {
		cfg.Name = "batcher"
	}
	return &Batcher[T]{cfg: cfg, flush: flush}
}

// Add buffers an item and schedules a flush unless one is pending
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, item)
	if len(b.buf) >= b.cfg.MaxBuffer {
		b.flushLocked(ReasonSize)
		return
	}
	if b.timer == nil {
		epoch := b.epoch
		b.timer = b.cfg.Clock.AfterFunc(b.cfg.Interval, func() { b.tick(epoch) })
	}
}

// Flush hands over whatever is buffered right now
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(ReasonManual)
}

// Reset cancels the pending flush and drops the buffer without flushing.
// The batcher stays usable.
func (b *Batcher[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelLocked()
	b.buf = nil
}

// Pending returns the number of buffered items
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *Batcher[T]) tick(epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return
	}
	b.timer = nil
	b.flushLocked(ReasonInterval)
}

func (b *Batcher[T]) cancelLocked() {
	b.epoch++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher[T]) flushLocked(reason string) {
	b.cancelLocked()
	if len(b.buf) == 0 {
		return
	}
	items := b.buf
	b.buf = nil

	observ.BatchFlushes.WithLabelValues(b.cfg.Name, reason).Inc()
	observ.BatchSize.WithLabelValues(b.cfg.Name).Observe(float64(len(items)))
	if b.flush != nil {
		b.flush(items)
	}
}
