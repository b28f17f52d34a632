// metrics.go is the sidecar observability sink. Rows are companions to
// ledger writes (same transaction) or standalone for phantom outcomes that
// produce no ledger entry. The sink has no correctness role: a failed insert
// is logged and swallowed by callers, never propagated into a tick.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

type metricsRow struct {
	ID                      int64   `db:"id"`
	AgentID                 string  `db:"agent_id"`
	TickID                  string  `db:"tick_id"`
	Timestamp               string  `db:"ts"`
	EnforcementMode         string  `db:"enforcement_mode"`
	Outcome                 string  `db:"outcome"`
	PhantomEntropyFee       string  `db:"phantom_entropy_fee"`
	WouldHaveBeenLiquidated bool    `db:"would_have_been_liquidated"`
	BalanceSnapshot         string  `db:"balance_snapshot"`
	TokenCost               string  `db:"token_cost"`
	PromptTokens            int     `db:"prompt_tokens"`
	CompletionTokens        int     `db:"completion_tokens"`
	IdleStreak              int     `db:"idle_streak"`
	DecisionDensity         float64 `db:"decision_density"`
	Extra                   string  `db:"extra"`
}

// InsertMetrics appends one observability record. Works inside or outside a
// transaction.
func (s *Store) InsertMetrics(ctx context.Context, q sqlx.ExtContext, rec *types.MetricsRecord) error {
	extra := rec.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	blob, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal metrics extra: %w", err)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	query := q.Rebind(`INSERT INTO agent_metrics
		(agent_id, tick_id, ts, enforcement_mode, outcome, phantom_entropy_fee,
		 would_have_been_liquidated, balance_snapshot, token_cost,
		 prompt_tokens, completion_tokens, idle_streak, decision_density, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = q.ExecContext(ctx, query,
		rec.AgentID, rec.TickID, ts.UTC().Format(timeLayout),
		string(rec.EnforcementMode), string(rec.Outcome),
		rec.PhantomEntropyFee.StringFixed(8), rec.WouldHaveBeenLiquidated,
		rec.BalanceSnapshot.StringFixed(8), rec.TokenCostUSD.StringFixed(8),
		rec.PromptTokens, rec.CompletionTokens, rec.IdleStreak,
		rec.DecisionDensity, string(blob),
	)
	if err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	return nil
}

// RecentMetrics returns the newest records for an agent, newest first.
// Consumed by aggregation endpoints and the scenario test harness.
func (s *Store) RecentMetrics(ctx context.Context, agentID string, limit int) ([]types.MetricsRecord, error) {
	var rows []metricsRow
	query := s.db.Rebind("SELECT * FROM agent_metrics WHERE agent_id = ? ORDER BY id DESC LIMIT ?")
	if err := s.db.SelectContext(ctx, &rows, query, agentID, limit); err != nil {
		return nil, fmt.Errorf("recent metrics: %w", err)
	}
	out := make([]types.MetricsRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r metricsRow) toRecord() (types.MetricsRecord, error) {
	phantom, err := decimal.NewFromString(r.PhantomEntropyFee)
	if err != nil {
		return types.MetricsRecord{}, fmt.Errorf("parse phantom fee: %w", err)
	}
	balance, err := decimal.NewFromString(r.BalanceSnapshot)
	if err != nil {
		return types.MetricsRecord{}, fmt.Errorf("parse balance snapshot: %w", err)
	}
	cost, err := decimal.NewFromString(r.TokenCost)
	if err != nil {
		return types.MetricsRecord{}, fmt.Errorf("parse token cost: %w", err)
	}
	ts, err := time.Parse(timeLayout, r.Timestamp)
	if err != nil {
		return types.MetricsRecord{}, fmt.Errorf("parse metrics timestamp: %w", err)
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(r.Extra), &extra); err != nil {
		extra = map[string]any{}
	}
	return types.MetricsRecord{
		AgentID:                 r.AgentID,
		TickID:                  r.TickID,
		Timestamp:               ts,
		EnforcementMode:         types.EnforcementMode(r.EnforcementMode),
		Outcome:                 types.TickOutcome(r.Outcome),
		PhantomEntropyFee:       phantom,
		WouldHaveBeenLiquidated: r.WouldHaveBeenLiquidated,
		BalanceSnapshot:         balance,
		TokenCostUSD:            cost,
		PromptTokens:            r.PromptTokens,
		CompletionTokens:        r.CompletionTokens,
		IdleStreak:              r.IdleStreak,
		DecisionDensity:         r.DecisionDensity,
		Extra:                   extra,
	}, nil
}
