package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
	"github.com/Rajchodisetti/signals-engine/internal/envelope"
	"github.com/Rajchodisetti/signals-engine/internal/pnl"
)

// PnL sources in fallback order
const (
	SourceStatic   = "static"
	SourceService  = "service"
	SourceComputed = "computed"
	SourceNone     = "none"
)

// staticFullSeries is the point count from which a static backtest series
// is returned whole, since it spans about one point per day for a year
const staticFullSeries = 365

// staticSeries is the layout of a backtest series file
type staticSeries struct {
	Metadata json.RawMessage `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// GetPnL returns up to n equity points from the first source that works:
// the static backtest series, the service PnL endpoint, then a client-side
// simulation over recent paper signals. When every source fails the series
// is empty and the source is SourceNone; only an invalid n is an error.
func (c *Client) GetPnL(ctx context.Context, n int) ([]domain.EquityPoint, string, error) {
	n, err := normalizePoints(n)
	if err != nil {
		return nil, SourceNone, err
	}

	if c.config.StaticPnL != "" {
		points, err := c.loadStatic(ctx)
		if err == nil {
			if len(points) > n && n < staticFullSeries {
				points = pnl.Resample(points, n)
			}
			return points, SourceStatic, nil
		}
		c.log.Warn().Err(err).Str("path", c.config.StaticPnL).Msg("static pnl series unavailable")
	}

	points, err := c.GetEquity(ctx, n)
	if err == nil {
		return points, SourceService, nil
	}
	c.log.Warn().Err(err).Msg("pnl endpoint unavailable, computing from signals")

	limit := min(n*2, domain.MaxSignalsLimit)
	signals, err := c.GetSignals(ctx, domain.SignalsQuery{Mode: domain.ModePaper, Limit: limit})
	if err != nil {
		c.log.Error().Err(err).Msg("all pnl sources failed")
		return []domain.EquityPoint{}, SourceNone, nil
	}
	points = pnl.Aggregate(signals, c.pnl)
	if len(points) > n {
		points = pnl.Resample(points, n)
	}
	return points, SourceComputed, nil
}

func (c *Client) loadStatic(ctx context.Context) ([]domain.EquityPoint, error) {
	var (
		raw []byte
		err error
	)
	path := c.config.StaticPnL
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		raw, err = c.get(ctx, path)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var file staticSeries
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse static series: %w", err)
	}
	if len(file.Data) == 0 {
		return []domain.EquityPoint{}, nil
	}
	points, err := envelope.DecodeEquityPoints(file.Data)
	if err != nil {
		return nil, fmt.Errorf("static series: %w", err)
	}
	c.log.Debug().RawJSON("metadata", rawOrNull(file.Metadata)).Int("points", len(points)).Msg("loaded static pnl series")
	return points, nil
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
