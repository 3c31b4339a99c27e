// Package reconcile merges a one-time history snapshot with the live signal
// sequence into one newest-first, deduplicated and bounded list.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/observ"
)

const DefaultMaxItems = 200

// Fetcher loads recent signals, newest first
type Fetcher interface {
	FetchSignals(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error)
}

type Config struct {
	Name     string              // metric label
	Query    domain.SignalsQuery // Limit is the history size
	MaxItems int                 // retained items, oldest evicted
}

// State is an immutable view of the reconciled list. Items is replaced as a
// whole on every change and must not be modified by consumers.
type State struct {
	Items   []domain.Signal // newest first
	Loading bool            // history fetch in flight
	Err     error           // history failure; live updates continue
}

// Reconciler owns the visible signal list. Live signals that arrive while
// history is loading are held and placed ahead of the history once it
// resolves, whatever its outcome.
type Reconciler struct {
	fetcher  Fetcher
	cfg      Config
	log      zerolog.Logger
	onChange func(State)

	mu      sync.Mutex
	epoch   uint64
	cancel  context.CancelFunc
	items   []domain.Signal
	ids     map[string]struct{}
	pending []domain.Signal // arrival order
	loading bool
	err     error
}

// New creates a reconciler. onChange runs with the reconciler lock held.
func New(fetcher Fetcher, cfg Config, log zerolog.Logger, onChange func(State)) *Reconciler {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.Name == "" {
		cfg.Name = "signals"
	}
	return &Reconciler{
		fetcher:  fetcher,
		cfg:      cfg,
		log:      observ.Component(log, "reconciler"),
		onChange: onChange,
		ids:      make(map[string]struct{}),
	}
}

// Start resets the list and fetches history. The returned channel is closed
// once the fetch has been applied or abandoned.
func (r *Reconciler) Start(ctx context.Context) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.epoch++
	epoch := r.epoch

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.loading = true
	r.err = nil
	r.pending = nil
	r.replaceLocked(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		items, err := r.fetcher.FetchSignals(ctx, r.cfg.Query)
		r.resolve(epoch, items, err)
	}()
	return done
}

func (r *Reconciler) resolve(epoch uint64, history []domain.Signal, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epoch != epoch {
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.loading = false

	live := reversed(r.pending)
	r.pending = nil

	if err != nil {
		r.err = fmt.Errorf("load history: %w", err)
		r.log.Warn().Err(err).Int("live", len(live)).Msg("history unavailable, continuing live only")
		r.replaceLocked(dedupe(live))
		return
	}

	history = append([]domain.Signal(nil), history...)
	sort.SliceStable(history, func(i, j int) bool { return history[i].TS > history[j].TS })
	r.log.Debug().Int("history", len(history)).Int("live", len(live)).Msg("history loaded")
	r.replaceLocked(dedupe(append(live, history...)))
}

// Apply merges one flushed batch, given in arrival order, ahead of the
// visible list. Signals already visible are discarded.
func (r *Reconciler) Apply(batch []domain.Signal) {
	if len(batch) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loading {
		r.pending = append(r.pending, batch...)
		if over := len(r.pending) - r.cfg.MaxItems; over > 0 {
			r.pending = append([]domain.Signal(nil), r.pending[over:]...)
		}
		return
	}

	fresh := make([]domain.Signal, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		if _, seen := r.ids[batch[i].ID]; seen {
			continue
		}
		fresh = append(fresh, batch[i])
	}
	if len(fresh) == 0 {
		return
	}
	r.replaceLocked(dedupe(append(fresh, r.items...)))
}

// Stop abandons an in-flight fetch and drops held live signals. The visible
// list is kept.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasLoading := r.loading
	r.stopLocked()
	r.loading = false
	if wasLoading {
		r.notifyLocked()
	}
}

// Clear empties the visible list
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.err = nil
	r.replaceLocked(nil)
}

// State returns the current view
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Reconciler) stopLocked() {
	r.epoch++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.pending = nil
}

func (r *Reconciler) stateLocked() State {
	return State{Items: r.items, Loading: r.loading, Err: r.err}
}

// replaceLocked installs a new list, applying the retention cap
func (r *Reconciler) replaceLocked(items []domain.Signal) {
	if over := len(items) - r.cfg.MaxItems; over > 0 {
		observ.ItemsEvicted.WithLabelValues(r.cfg.Name).Add(float64(over))
		items = items[:r.cfg.MaxItems]
	}
	r.items = items
	r.ids = make(map[string]struct{}, len(items))
	for _, s := range items {
		r.ids[s.ID] = struct{}{}
	}
	observ.VisibleItems.WithLabelValues(r.cfg.Name).Set(float64(len(items)))
	r.notifyLocked()
}

func (r *Reconciler) notifyLocked() {
	if r.onChange != nil {
		r.onChange(r.stateLocked())
	}
}

func reversed(in []domain.Signal) []domain.Signal {
	out := make([]domain.Signal, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

// dedupe keeps the first occurrence of every id
func dedupe(in []domain.Signal) []domain.Signal {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.Signal, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}
