// Package engine executes agent ticks: the atomic unit of arena life.
// Each tick charges the entropy fee, runs the strategy chain against the
// market board, and finishes with exactly one committed transaction (or, in
// observe mode, with phantom accounting instead of charges).
package engine

import (
	"github.com/shopspring/decimal"

	"agent-arena/internal/config"
)

// EntropyFee computes the progressive time tax for an agent entering a tick
// with the given idle streak: base plus a penalty step for every full
// interval of consecutive heartbeats, capped at max. An agent that keeps
// acting pays base forever; one that coasts pays more every few ticks.
func EntropyFee(cfg config.EntropyConfig, idleStreak int) decimal.Decimal {
	fee := decimal.NewFromFloat(cfg.Base)
	if cfg.Interval > 0 && idleStreak > 0 {
		steps := int64(idleStreak / cfg.Interval)
		fee = fee.Add(decimal.NewFromFloat(cfg.Penalty).Mul(decimal.NewFromInt(steps)))
	}
	if max := decimal.NewFromFloat(cfg.Max); fee.GreaterThan(max) {
		return max
	}
	return fee
}
