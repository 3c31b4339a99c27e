// Package pnl replays signals into a simulated, fee-aware equity curve and
// derives drawdown, daily buckets, resampled views and trade statistics.
// Every function is pure: identical input yields identical output.
package pnl

import (
	"fmt"
	"strings"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
)

// Config parameterizes a simulation. Zero values are not replaced by
// defaults; start from DefaultConfig.
type Config struct {
	TradingFee           float64 `yaml:"trading_fee"`            // per leg, 0.001 = 0.1%
	InitialEquity        float64 `yaml:"initial_equity"`         // starting balance
	PositionSizeFraction float64 `yaml:"position_size_fraction"` // of current equity per trade
	ExitPolicy           string  `yaml:"exit_policy"`            // see Policies; empty = take_profit_first
}

// DefaultConfig returns the conservative simulation defaults
func DefaultConfig() Config {
	return Config{
		TradingFee:           0.001,
		InitialEquity:        10000,
		PositionSizeFraction: 0.1,
		ExitPolicy:           PolicyTakeProfitFirst,
	}
}

// Validate rejects configurations that cannot describe a real account
func (c Config) Validate() error {
	if c.TradingFee < 0 || c.TradingFee >= 1 {
		return fmt.Errorf("trading_fee must be in [0,1), got %v", c.TradingFee)
	}
	if c.InitialEquity < 0 {
		return fmt.Errorf("initial_equity must not be negative, got %v", c.InitialEquity)
	}
	if c.PositionSizeFraction < 0 || c.PositionSizeFraction > 1 {
		return fmt.Errorf("position_size_fraction must be in [0,1], got %v", c.PositionSizeFraction)
	}
	if _, ok := Policies[c.policyName()]; !ok {
		return fmt.Errorf("unknown exit_policy %q", c.ExitPolicy)
	}
	return nil
}

func (c Config) policyName() string {
	if c.ExitPolicy == "" {
		return PolicyTakeProfitFirst
	}
	return strings.ToLower(c.ExitPolicy)
}

func (c Config) exit() ExitPolicy {
	if p, ok := Policies[c.policyName()]; ok {
		return p
	}
	return TakeProfitFirst
}

// ExitPolicy picks the price a simulated trade is closed at
type ExitPolicy func(s domain.Signal) float64

const (
	PolicyTakeProfitFirst = "take_profit_first"
	PolicyStopLossFirst   = "stop_loss_first"
)

// Policies maps config names to exit policies
var Policies = map[string]ExitPolicy{
	PolicyTakeProfitFirst: TakeProfitFirst,
	PolicyStopLossFirst:   StopLossFirst,
}

// TakeProfitFirst exits at the take-profit when it lies on the profitable
// side of entry, else at the stop-loss, else flat at entry.
func TakeProfitFirst(s domain.Signal) float64 {
	if s.TP != nil && profitable(s, *s.TP) {
		return *s.TP
	}
	if s.SL != nil {
		return *s.SL
	}
	return s.Entry
}

// StopLossFirst assumes the stop is always hit when one is set
func StopLossFirst(s domain.Signal) float64 {
	if s.SL != nil {
		return *s.SL
	}
	if s.TP != nil && profitable(s, *s.TP) {
		return *s.TP
	}
	return s.Entry
}

func profitable(s domain.Signal, exit float64) bool {
	if s.Side.IsLong() {
		return exit > s.Entry
	}
	return exit < s.Entry
}
