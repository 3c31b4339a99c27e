package pnl

import (
	"math"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
)

// Stats summarises a simulated signal sequence
type Stats struct {
	TotalPnL           float64 `json:"total_pnl"`
	TotalPnLPercent    float64 `json:"total_pnl_percent"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	MaxDrawdownPercent float64 `json:"max_drawdown_percent"`
	WinRate            float64 `json:"win_rate"` // percent
	TotalTrades        int     `json:"total_trades"`
	WinningTrades      int     `json:"winning_trades"`
	LosingTrades       int     `json:"losing_trades"`
	AverageWin         float64 `json:"average_win"`
	AverageLoss        float64 `json:"average_loss"` // positive magnitude
	ProfitFactor       float64 `json:"profit_factor"`
	SharpeRatio        float64 `json:"sharpe_ratio"` // mean/stdev of per-trade % returns
	CurrentEquity      float64 `json:"current_equity"`
}

// ComputeStats simulates signals and summarises the outcome. Empty input
// yields zero stats with CurrentEquity equal to the initial equity.
func ComputeStats(signals []domain.Signal, cfg Config) Stats {
	trades := SimulateTrades(signals, cfg)
	return statsFromTrades(trades, curve(trades, cfg), cfg)
}

func statsFromTrades(trades []Trade, points []domain.EquityPoint, cfg Config) Stats {
	st := Stats{CurrentEquity: cfg.InitialEquity}
	if len(trades) == 0 {
		return st
	}

	var wins, losses float64
	returns := make([]float64, 0, len(trades))
	for _, t := range trades {
		switch {
		case t.Net > 0:
			st.WinningTrades++
			wins += t.Net
		case t.Net < 0:
			st.LosingTrades++
			losses += math.Abs(t.Net)
		}
		var r float64
		if t.EquityBefore != 0 {
			r = t.Net / t.EquityBefore * 100
		}
		returns = append(returns, r)
	}

	st.TotalTrades = len(trades)
	st.CurrentEquity = trades[len(trades)-1].EquityAfter
	st.TotalPnL = st.CurrentEquity - cfg.InitialEquity
	if cfg.InitialEquity != 0 {
		st.TotalPnLPercent = st.TotalPnL / cfg.InitialEquity * 100
	}
	st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades) * 100
	if st.WinningTrades > 0 {
		st.AverageWin = wins / float64(st.WinningTrades)
	}
	if st.LosingTrades > 0 {
		st.AverageLoss = losses / float64(st.LosingTrades)
	}
	if losses > 0 {
		st.ProfitFactor = wins / losses
	}
	st.SharpeRatio = sharpe(returns)

	dd := MaxDrawdown(points)
	st.MaxDrawdown = dd.Absolute
	st.MaxDrawdownPercent = dd.Percent
	return st
}

// sharpe is mean over population standard deviation, 0 for a flat series
func sharpe(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return mean / std
}
