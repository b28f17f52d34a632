// Package obs is the observability envelope: a per-tick metrics collector
// propagated through the context so nested calls (the LLM gateway in
// particular) attribute token usage to the right tick.
//
// The collector enforces nothing. It records what happened (and, in observe
// mode, what enforcement would have done) and the Observe wrapper emits a
// structured line on every exit path.
package obs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

type ctxKey struct{}

// Collector accumulates one tick's MetricsRecord. All setters are safe for
// concurrent use; multiple LLM calls within one tick add to the same totals.
type Collector struct {
	mu    sync.Mutex
	start time.Time
	rec   types.MetricsRecord
}

// NewCollector starts a collector for one tick of one agent.
func NewCollector(agentID, tickID string, mode types.EnforcementMode) *Collector {
	return &Collector{
		start: time.Now(),
		rec: types.MetricsRecord{
			AgentID:         agentID,
			TickID:          tickID,
			Timestamp:       time.Now().UTC(),
			EnforcementMode: mode,
			Outcome:         types.OutcomeHeartbeat,
			Extra:           map[string]any{},
		},
	}
}

// SetOutcome records the tick result and the balance after it.
func (c *Collector) SetOutcome(outcome types.TickOutcome, balance decimal.Decimal) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.Outcome = outcome
	c.rec.BalanceSnapshot = balance
	return c
}

// RecordPhantomEnforcement records what enforce mode would have done
// (observe mode only).
func (c *Collector) RecordPhantomEnforcement(fee decimal.Decimal, wouldLiquidate bool) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.PhantomEntropyFee = fee
	c.rec.WouldHaveBeenLiquidated = wouldLiquidate
	return c
}

// SetIdleStreak records the consecutive-heartbeat count at tick start.
func (c *Collector) SetIdleStreak(n int) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.IdleStreak = n
	return c
}

// SetDecisionDensity records meaningful decisions per tick (0-1).
func (c *Collector) SetDecisionDensity(d float64) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.DecisionDensity = d
	return c
}

// AddTokens accumulates token counts and estimated USD cost across the LLM
// calls of one tick (strategy, research, portfolio all add up here).
func (c *Collector) AddTokens(prompt, completion int, costUSD decimal.Decimal) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.PromptTokens += prompt
	c.rec.CompletionTokens += completion
	c.rec.TokenCostUSD = c.rec.TokenCostUSD.Add(costUSD)
	return c
}

// SetExtra stores an arbitrary key in the extension bag.
func (c *Collector) SetExtra(key string, value any) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.Extra[key] = value
	return c
}

// SetError records the failure class for the error boundary.
func (c *Collector) SetError(name string) *Collector {
	return c.SetExtra("error", name)
}

// TickID returns the tick identifier this collector belongs to.
func (c *Collector) TickID() string {
	return c.rec.TickID
}

// Mode returns the enforcement mode the collector was opened with.
func (c *Collector) Mode() types.EnforcementMode {
	return c.rec.EnforcementMode
}

// Snapshot returns a copy of the working record, with the extension bag
// deep-copied so callers cannot race later setters.
func (c *Collector) Snapshot() types.MetricsRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec
	rec.Extra = make(map[string]any, len(c.rec.Extra))
	for k, v := range c.rec.Extra {
		rec.Extra[k] = v
	}
	return rec
}

// WithCollector activates a collector on the context.
func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the active collector, or nil outside any tick.
func FromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(ctxKey{}).(*Collector)
	return c
}

// Observe wraps one agent invocation: it creates a collector, activates it
// on the context for the duration of fn, and emits the metrics line on exit
// regardless of outcome. The returned record is the final snapshot.
func Observe(
	ctx context.Context,
	agentID string,
	mode types.EnforcementMode,
	logger *slog.Logger,
	fn func(context.Context) (types.TickOutcome, error),
) (outcome types.TickOutcome, rec types.MetricsRecord, err error) {
	c := NewCollector(agentID, uuid.NewString(), mode)
	ctx = WithCollector(ctx, c)

	defer func() {
		c.SetExtra("elapsed_s", time.Since(c.start).Seconds())
		rec = c.Snapshot()
		logger.Info("METRICS",
			"agent", rec.AgentID,
			"tick", shortID(rec.TickID),
			"mode", rec.EnforcementMode,
			"outcome", rec.Outcome,
			"phantom_fee", rec.PhantomEntropyFee,
			"would_liquidate", rec.WouldHaveBeenLiquidated,
			"idle", rec.IdleStreak,
			"density", rec.DecisionDensity,
		)
	}()

	outcome, err = fn(ctx)
	if err != nil {
		c.SetExtra("status", "error")
	} else {
		c.SetExtra("status", "ok")
	}
	return outcome, rec, err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
