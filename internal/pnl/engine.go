package pnl

import (
	"sort"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
)

// Trade is one simulated round trip
type Trade struct {
	SignalID     string      `json:"signal_id"`
	TS           int64       `json:"ts"`
	Pair         string      `json:"pair"`
	Side         domain.Side `json:"side"`
	Entry        float64     `json:"entry"`
	Exit         float64     `json:"exit"`
	Size         float64     `json:"size"` // quote currency
	Gross        float64     `json:"gross"`
	Fees         float64     `json:"fees"`
	Net          float64     `json:"net"`
	EquityBefore float64     `json:"equity_before"`
	EquityAfter  float64     `json:"equity_after"`
}

// sorted returns a copy ordered by timestamp, ties broken by id so that the
// result does not depend on input order
func sorted(signals []domain.Signal) []domain.Signal {
	out := append([]domain.Signal(nil), signals...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS < out[j].TS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// simulate closes one position opened with a fraction of equity
func simulate(s domain.Signal, equity float64, cfg Config, exit ExitPolicy) Trade {
	size := equity * cfg.PositionSizeFraction
	exitPrice := exit(s)

	var gross float64
	if s.Side.IsLong() {
		gross = (exitPrice - s.Entry) / s.Entry * size
	} else {
		gross = (s.Entry - exitPrice) / s.Entry * size
	}
	fees := size*cfg.TradingFee + size*cfg.TradingFee
	net := gross - fees

	return Trade{
		SignalID:     s.ID,
		TS:           s.TS,
		Pair:         s.Pair,
		Side:         s.Side,
		Entry:        s.Entry,
		Exit:         exitPrice,
		Size:         size,
		Gross:        gross,
		Fees:         fees,
		Net:          net,
		EquityBefore: equity,
		EquityAfter:  equity + net,
	}
}

// SimulateTrades replays signals in time order and returns the trade ledger
func SimulateTrades(signals []domain.Signal, cfg Config) []Trade {
	if len(signals) == 0 {
		return nil
	}
	exit := cfg.exit()
	equity := cfg.InitialEquity
	trades := make([]Trade, 0, len(signals))
	for _, s := range sorted(signals) {
		t := simulate(s, equity, cfg, exit)
		equity = t.EquityAfter
		trades = append(trades, t)
	}
	return trades
}

// Aggregate builds the equity curve: a seed point at the first signal's
// timestamp holding the initial equity, then one point per trade whose
// DailyPnL is that trade's net result.
func Aggregate(signals []domain.Signal, cfg Config) []domain.EquityPoint {
	return curve(SimulateTrades(signals, cfg), cfg)
}

func curve(trades []Trade, cfg Config) []domain.EquityPoint {
	if len(trades) == 0 {
		return []domain.EquityPoint{}
	}
	points := make([]domain.EquityPoint, 0, len(trades)+1)
	points = append(points, domain.EquityPoint{TS: trades[0].TS, Equity: cfg.InitialEquity})
	for _, t := range trades {
		points = append(points, domain.EquityPoint{TS: t.TS, Equity: t.EquityAfter, DailyPnL: t.Net})
	}
	return points
}

// Report bundles everything derived from one signal sequence
type Report struct {
	Curve    []domain.EquityPoint `json:"curve"`
	Daily    []domain.EquityPoint `json:"daily"`
	Drawdown []DrawdownPoint      `json:"drawdown"`
	Trades   []Trade              `json:"trades"`
	Stats    Stats                `json:"stats"`
}

// Analyze runs the simulation once and derives every view from it
func Analyze(signals []domain.Signal, cfg Config) Report {
	trades := SimulateTrades(signals, cfg)
	points := curve(trades, cfg)
	return Report{
		Curve:    points,
		Daily:    DailyReturns(points),
		Drawdown: DrawdownSeries(points),
		Trades:   trades,
		Stats:    statsFromTrades(trades, points, cfg),
	}
}
