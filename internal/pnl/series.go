package pnl

import (
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
)

// Drawdown is the largest decline from a running peak
type Drawdown struct {
	Absolute float64 `json:"absolute"`
	Percent  float64 `json:"percent"` // of the peak; 0 when the peak is not positive
}

// MaxDrawdown scans the series in order. A non-decreasing series has zero
// drawdown.
func MaxDrawdown(points []domain.EquityPoint) Drawdown {
	if len(points) == 0 {
		return Drawdown{}
	}
	var dd Drawdown
	peak := points[0].Equity
	for _, p := range points {
		peak = math.Max(peak, p.Equity)
		abs := peak - p.Equity
		var pct float64
		if peak > 0 {
			pct = abs / peak * 100
		}
		dd.Absolute = math.Max(dd.Absolute, abs)
		dd.Percent = math.Max(dd.Percent, pct)
	}
	return dd
}

// DrawdownPoint is an equity point with its distance from the running peak
type DrawdownPoint struct {
	domain.EquityPoint
	Drawdown float64 `json:"drawdown"` // percent, <= 0
}

// DrawdownSeries annotates every point for chart overlays
func DrawdownSeries(points []domain.EquityPoint) []DrawdownPoint {
	if len(points) == 0 {
		return []DrawdownPoint{}
	}
	out := make([]DrawdownPoint, len(points))
	peak := points[0].Equity
	for i, p := range points {
		peak = math.Max(peak, p.Equity)
		var dd float64
		if peak > 0 {
			dd = (p.Equity - peak) / peak * 100
		}
		out[i] = DrawdownPoint{EquityPoint: p, Drawdown: dd}
	}
	return out
}

// DailyReturns buckets points by UTC calendar day. Each bucket keeps the
// timestamp of its first point, the equity of its last point and the sum of
// DailyPnL. Buckets are returned in ascending order.
func DailyReturns(points []domain.EquityPoint) []domain.EquityPoint {
	if len(points) == 0 {
		return []domain.EquityPoint{}
	}
	index := make(map[string]int)
	var days []domain.EquityPoint
	for _, p := range points {
		key := time.Unix(p.TS, 0).UTC().Format(time.DateOnly)
		i, ok := index[key]
		if !ok {
			index[key] = len(days)
			days = append(days, p)
			continue
		}
		days[i].Equity = p.Equity
		days[i].DailyPnL += p.DailyPnL
	}
	sortByTS(days)
	return days
}

// Resample thins the series to target points by even stride, then appends
// the final point if the stride skipped it. The result holds at most
// target+1 points and always keeps the first and last. Short series and a
// non-positive target are returned unchanged (as a copy).
func Resample(points []domain.EquityPoint, target int) []domain.EquityPoint {
	if len(points) <= target || target <= 0 {
		return append([]domain.EquityPoint(nil), points...)
	}
	step := float64(len(points)) / float64(target)
	out := make([]domain.EquityPoint, 0, target+1)
	last := -1
	for i := 0; i < target; i++ {
		last = int(math.Floor(float64(i) * step))
		out = append(out, points[last])
	}
	if last != len(points)-1 {
		out = append(out, points[len(points)-1])
	}
	return out
}

// SortByTS orders a copy of points by timestamp, keeping arrival order for
// equal timestamps
func SortByTS(points []domain.EquityPoint) []domain.EquityPoint {
	out := append([]domain.EquityPoint(nil), points...)
	sortByTS(out)
	return out
}

func sortByTS(points []domain.EquityPoint) {
	sort.SliceStable(points, func(i, j int) bool { return points[i].TS < points[j].TS })
}
