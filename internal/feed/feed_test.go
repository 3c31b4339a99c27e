package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signals-engine/internal/batcher"
	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
	"github.com/Rajchodisetti/signals-engine/internal/transport"
)

type chanStream struct {
	events chan transport.EventEnvelope
	done   chan struct{}
	once   sync.Once
}

func (s *chanStream) Recv(ctx context.Context) (transport.EventEnvelope, error) {
	select {
	case <-ctx.Done():
		return transport.EventEnvelope{}, ctx.Err()
	case <-s.done:
		return transport.EventEnvelope{}, transport.ErrRemoteClosed
	case e := <-s.events:
		return e, nil
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type chanDialer struct {
	mu      sync.Mutex
	fail    bool
	params  []transport.Params
	streams []*chanStream
}

func (d *chanDialer) Dial(ctx context.Context, p transport.Params) (transport.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, p)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	s := &chanStream{events: make(chan transport.EventEnvelope, 64), done: make(chan struct{})}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *chanDialer) stream() *chanStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

func (d *chanDialer) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

type fetchFunc func(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error)

func (f fetchFunc) FetchSignals(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) {
	return f(ctx, q)
}

func signalEvent(id string, ts int64) transport.EventEnvelope {
	data := fmt.Sprintf(`{"id":%q,"ts":%d,"pair":"ETH/USD","side":"long","entry":2000,"tp":2100,"strategy":"breakout","confidence":0.6,"mode":"paper"}`, id, ts)
	return transport.EventEnvelope{Type: "signal", ID: id, Data: json.RawMessage(data)}
}

func signalIDs(items []domain.Signal) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = s.ID
	}
	return out
}

func newSignalFeed(t *testing.T, d *chanDialer, fetch fetchFunc, clock clockwork.Clock, maxItems int) *SignalFeed {
	t.Helper()
	cfg := SignalConfig{
		Query:    domain.SignalsQuery{Mode: domain.ModePaper, Pair: "ETH/USD"},
		MaxItems: maxItems,
		Stream:   transport.ManagerConfig{Clock: clock, MaxAttempts: 3},
	}
	f := NewSignalFeed(d, fetch, cfg, zerolog.Nop(), nil)
	t.Cleanup(f.Disable)
	return f
}

func waitOpen(t *testing.T, f *SignalFeed) {
	t.Helper()
	require.Eventually(t, func() bool { return f.State().Connected() }, 2*time.Second, time.Millisecond)
}

func waitPending(t *testing.T, f *SignalFeed, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.batcher.Pending() == n }, 2*time.Second, time.Millisecond)
}

func TestSignalFeedHistoryFailsThenLive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{}
	var historyQuery domain.SignalsQuery
	fetch := fetchFunc(func(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) {
		historyQuery = q
		return nil, errors.New("history endpoint returned 500")
	})
	f := newSignalFeed(t, d, fetch, clock, 0)

	f.Enable(context.Background())
	waitOpen(t, f)
	require.Eventually(t, func() bool { return f.State().HistoryErr != nil }, time.Second, time.Millisecond)

	s := d.stream()
	s.events <- signalEvent("a", 1)
	s.events <- signalEvent("b", 2)
	s.events <- signalEvent("a", 1)
	s.events <- signalEvent("c", 3)
	waitPending(t, f, 4)
	assert.Empty(t, f.State().Signals, "nothing visible before the flush")

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.State().Signals) == 3 }, time.Second, time.Millisecond)

	st := f.State()
	assert.Equal(t, []string{"c", "b", "a"}, signalIDs(st.Signals))
	assert.Equal(t, domain.SideBuy, st.Signals[0].Side)
	assert.Error(t, st.Err())
	assert.Equal(t, 50, historyQuery.Limit)
	assert.Equal(t, "ETH/USD", historyQuery.Pair)

	d.mu.Lock()
	assert.Zero(t, d.params[0].Query.Limit, "stream carries no limit")
	assert.Equal(t, "/v1/signals/stream", d.params[0].Path)
	d.mu.Unlock()
}

func TestSignalFeedDropsMalformedAndControl(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{}
	history := []domain.Signal{{ID: "h1", TS: 1, Pair: "ETH/USD", Side: domain.SideBuy, Entry: 10, Strategy: "x", Confidence: 0.5, Mode: domain.ModePaper}}
	f := newSignalFeed(t, d, func(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) { return history, nil }, clock, 0)

	f.Enable(context.Background())
	waitOpen(t, f)
	require.Eventually(t, func() bool { return len(f.State().Signals) == 1 }, time.Second, time.Millisecond)

	s := d.stream()
	s.events <- transport.EventEnvelope{Type: transport.EventHeartbeat}
	s.events <- transport.EventEnvelope{Type: transport.EventMessage, Data: json.RawMessage(`{"id":"bad","ts":2}`)}
	s.events <- transport.EventEnvelope{Type: "pnl", Data: json.RawMessage(`{"ts":2,"equity":1,"daily_pnl":0}`)}
	s.events <- signalEvent("h1", 1)
	s.events <- signalEvent("l1", 5)
	waitPending(t, f, 2)

	f.Flush()
	assert.Equal(t, []string{"l1", "h1"}, signalIDs(f.State().Signals))
	assert.False(t, f.State().LastActivity.IsZero())
}

func TestSignalFeedDisableDropsBuffer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{}
	changes := 0
	var mu sync.Mutex
	cfg := SignalConfig{Stream: transport.ManagerConfig{Clock: clock}}
	f := NewSignalFeed(d, fetchFunc(func(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) { return nil, nil }), cfg, zerolog.Nop(),
		func(SignalState) {
			mu.Lock()
			changes++
			mu.Unlock()
		})

	f.Enable(context.Background())
	waitOpen(t, f)
	d.stream().events <- signalEvent("x", 1)
	waitPending(t, f, 1)

	f.Disable()
	mu.Lock()
	before := changes
	mu.Unlock()

	clock.Advance(time.Minute)
	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changes != before
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, f.State().Signals)
	assert.Equal(t, transport.PhaseClosed, f.State().Connection.Phase)
}

func TestSignalFeedCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{}
	f := newSignalFeed(t, d, func(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) { return nil, nil }, clock, 10)

	f.Enable(context.Background())
	waitOpen(t, f)
	require.Eventually(t, func() bool { return !f.State().Loading }, time.Second, time.Millisecond)

	s := d.stream()
	for i := 0; i < 45; i++ {
		s.events <- signalEvent(fmt.Sprintf("s%02d", i), int64(i+1))
	}
	waitPending(t, f, 5)
	f.Flush()

	st := f.State()
	assert.Len(t, st.Signals, 10)
	assert.Equal(t, "s44", st.Signals[0].ID)
}

func TestSignalFeedRetryAfterExhaustion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{fail: true}
	f := newSignalFeed(t, d, func(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) { return nil, nil }, clock, 0)

	f.Enable(context.Background())
	for attempt := 1; attempt <= 3; attempt++ {
		require.Eventually(t, func() bool {
			c := f.State().Connection
			return c.Phase == transport.PhaseReconnecting && c.Attempt == attempt
		}, 2*time.Second, time.Millisecond)
		clock.Advance(f.State().Connection.NextDelay)
	}
	require.Eventually(t, func() bool { return f.State().Connection.Exhausted }, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, f.State().Err(), transport.ErrReconnectExhausted)

	d.setFail(false)
	f.Retry()
	waitOpen(t, f)
	assert.NoError(t, f.State().Connection.LastError)
}

func TestSignalFeedClearAndPerformance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{}
	f := newSignalFeed(t, d, func(ctx context.Context, q domain.SignalsQuery) ([]domain.Signal, error) { return nil, nil }, clock, 0)

	f.Enable(context.Background())
	waitOpen(t, f)
	require.Eventually(t, func() bool { return !f.State().Loading }, time.Second, time.Millisecond)

	d.stream().events <- signalEvent("a", 1000)
	waitPending(t, f, 1)
	f.Flush()

	rep := f.Performance(pnl.DefaultConfig())
	require.Len(t, rep.Curve, 2)
	// long 2000 -> tp 2100 on a 1000 position: +50 gross, 2 fees
	assert.InDelta(t, 10048, rep.Stats.CurrentEquity, 1e-9)

	f.Clear()
	assert.Empty(t, f.State().Signals)
	assert.Equal(t, pnl.Stats{CurrentEquity: 10000}, f.Performance(pnl.DefaultConfig()).Stats)
}

type seedSource struct {
	points []domain.EquityPoint
	err    error
}

func (s seedSource) GetPnL(ctx context.Context, n int) ([]domain.EquityPoint, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.points, "service", nil
}

func equityEvent(ts int64, equity float64) transport.EventEnvelope {
	data := fmt.Sprintf(`{"ts":%d,"equity":%g,"daily_pnl":1}`, ts, equity)
	return transport.EventEnvelope{Type: transport.EventMessage, Data: json.RawMessage(data)}
}

func TestEquityFeedSeedsAndMerges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{}
	seed := seedSource{points: []domain.EquityPoint{{TS: 10, Equity: 100, DailyPnL: 1}, {TS: 20, Equity: 110, DailyPnL: 1}, {TS: 30, Equity: 105, DailyPnL: 1}}}
	f := NewEquityFeed(d, seed, EquityConfig{MaxPoints: 4, Stream: transport.ManagerConfig{Clock: clock}}, zerolog.Nop(), nil)
	t.Cleanup(f.Disable)

	f.Enable(context.Background())
	require.Eventually(t, func() bool { return f.State().Connected() && len(f.State().Points) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "service", f.State().Source)
	assert.False(t, f.State().Seeding)

	s := d.stream()
	s.events <- equityEvent(25, 108)
	s.events <- equityEvent(40, 120)
	s.events <- equityEvent(30, 105) // duplicate of a seeded point
	require.Eventually(t, func() bool { return f.batcher.Pending() == 3 }, time.Second, time.Millisecond)
	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		p := f.State().Points
		return len(p) == 4 && p[3].TS == 40
	}, time.Second, time.Millisecond)

	var ts []int64
	for _, p := range f.State().Points {
		ts = append(ts, p.TS)
	}
	assert.Equal(t, []int64{20, 25, 30, 40}, ts, "ascending, oldest dropped")

	live := Live(nil, f)
	assert.True(t, live.IsLive())
	assert.False(t, live.FullyConnected())
	assert.False(t, live.LastActivity.IsZero())
}

func TestEquityFeedSeedFailure(t *testing.T) {
	d := &chanDialer{}
	f := NewEquityFeed(d, seedSource{err: errors.New("no pnl")}, EquityConfig{Stream: transport.ManagerConfig{Clock: clockwork.NewFakeClock()}}, zerolog.Nop(), nil)
	t.Cleanup(f.Disable)

	f.Enable(context.Background())
	require.Eventually(t, func() bool { return f.State().SeedErr != nil }, time.Second, time.Millisecond)
	assert.Empty(t, f.State().Points)
	assert.False(t, f.State().Seeding)
}

func TestEquityFeedOverPolling(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/pnl":
			fmt.Fprint(w, `[{"ts":10,"equity":10000,"daily_pnl":0},{"ts":20,"equity":10050,"daily_pnl":50},{"ts":30,"equity":10020,"daily_pnl":-30}]`)
		case "/v1/signals":
			fmt.Fprint(w, `[]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	clock := clockwork.NewRealClock()
	d, err := transport.NewDialer(transport.Config{BaseURL: srv.URL, Transport: "poll", PollIntervalMs: 20}, clock)
	require.NoError(t, err)
	f := NewEquityFeed(d, seedSource{}, EquityConfig{
		Batch:  batcher.Config{Interval: 10 * time.Millisecond, Clock: clock},
		Stream: transport.ManagerConfig{Clock: clock},
	}, zerolog.Nop(), nil)
	t.Cleanup(f.Disable)

	f.Enable(context.Background())
	require.Eventually(t, func() bool { return len(f.State().Points) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return paths["/v1/pnl"] >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.State().Points, 3, "repeated polls are deduplicated")
	assert.Equal(t, int64(30), f.State().Points[2].TS)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, paths["/v1/signals"])
}

func TestEquityFeedReenableStartsFreshSeries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &chanDialer{}
	first := seedSource{points: []domain.EquityPoint{{TS: 10, Equity: 100}, {TS: 20, Equity: 110}}}
	f := NewEquityFeed(d, first, EquityConfig{Stream: transport.ManagerConfig{Clock: clock}}, zerolog.Nop(), nil)
	t.Cleanup(f.Disable)

	f.Enable(context.Background())
	require.Eventually(t, func() bool { return len(f.State().Points) == 2 }, time.Second, time.Millisecond)
	f.Disable()
	assert.Len(t, f.State().Points, 2, "series is kept while disabled")

	f.source = seedSource{err: errors.New("pnl down")}
	f.Enable(context.Background())
	assert.Empty(t, f.State().Points)
	assert.Empty(t, f.State().Source)
	require.Eventually(t, func() bool { return f.State().SeedErr != nil }, time.Second, time.Millisecond)
	assert.Empty(t, f.State().Points)
}

func TestLiveStatus(t *testing.T) {
	assert.False(t, Live(nil, nil).IsLive())

	st := LiveStatus{SignalsConnected: true, PnLConnected: true}
	assert.True(t, st.IsLive())
	assert.True(t, st.FullyConnected())
}
