// agents.go holds agent lifecycle operations: genesis, lookups, the cached
// balance reconciliation, liquidation status flips, and operator revival.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

type agentRow struct {
	ID           string `db:"id"`
	Handle       string `db:"handle"`
	Status       string `db:"status"`
	Balance      string `db:"balance"`
	Personality  string `db:"personality"`
	LastActionAt string `db:"last_action_at"`
	CreatedAt    string `db:"created_at"`
}

func (r agentRow) toAgent() (types.Agent, error) {
	balance, err := decimal.NewFromString(r.Balance)
	if err != nil {
		return types.Agent{}, fmt.Errorf("parse balance %q: %w", r.Balance, err)
	}
	last, err := time.Parse(timeLayout, r.LastActionAt)
	if err != nil {
		return types.Agent{}, fmt.Errorf("parse last_action_at: %w", err)
	}
	created, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return types.Agent{}, fmt.Errorf("parse created_at: %w", err)
	}
	return types.Agent{
		ID:           r.ID,
		Handle:       r.Handle,
		Status:       types.AgentStatus(r.Status),
		Balance:      balance,
		Personality:  r.Personality,
		LastActionAt: last,
		CreatedAt:    created,
	}, nil
}

// CreateAgent inserts a new ALIVE agent with a zero cached balance.
// Does not commit.
func (s *Store) CreateAgent(ctx context.Context, tx *sqlx.Tx, handle, personality string) (*types.Agent, error) {
	now := time.Now().UTC()
	agent := types.Agent{
		ID:           uuid.NewString(),
		Handle:       handle,
		Status:       types.AgentAlive,
		Balance:      decimal.Zero,
		Personality:  personality,
		LastActionAt: now,
		CreatedAt:    now,
	}
	query := tx.Rebind(`INSERT INTO agents
		(id, handle, status, balance, personality, last_action_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		agent.ID, agent.Handle, string(agent.Status), agent.Balance.StringFixed(8),
		agent.Personality, now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return &agent, nil
}

// GetAgent loads one agent by id. Returns ErrAgentNotFound if absent.
func (s *Store) GetAgent(ctx context.Context, q sqlx.ExtContext, id string) (*types.Agent, error) {
	var row agentRow
	query := q.Rebind("SELECT * FROM agents WHERE id = ?")
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	agent, err := row.toAgent()
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAlive returns every ALIVE agent, oldest first. The scheduler ticks
// exactly this set each cycle; DEAD agents are never ticked.
func (s *Store) ListAlive(ctx context.Context) ([]types.Agent, error) {
	var rows []agentRow
	query := s.db.Rebind("SELECT * FROM agents WHERE status = ? ORDER BY created_at")
	if err := s.db.SelectContext(ctx, &rows, query, string(types.AgentAlive)); err != nil {
		return nil, fmt.Errorf("list alive agents: %w", err)
	}
	agents := make([]types.Agent, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// CountAgents reports the total agent population, any status.
func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM agents"); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// UpdateAgentAfterTick reconciles the cached balance and bumps the
// last-action timestamp. Does not commit.
func (s *Store) UpdateAgentAfterTick(ctx context.Context, tx *sqlx.Tx, id string, balance decimal.Decimal) error {
	query := tx.Rebind("UPDATE agents SET balance = ?, last_action_at = ? WHERE id = ?")
	_, err := tx.ExecContext(ctx, query, balance.StringFixed(8), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update agent after tick: %w", err)
	}
	return nil
}

// SetAgentStatus flips the lifecycle state. Does not commit.
func (s *Store) SetAgentStatus(ctx context.Context, tx *sqlx.Tx, id string, status types.AgentStatus) error {
	query := tx.Rebind("UPDATE agents SET status = ? WHERE id = ?")
	if _, err := tx.ExecContext(ctx, query, string(status), id); err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// Genesis creates an agent and its initial GRANT entry in one transaction.
// This is the only way an agent is born.
func (s *Store) Genesis(ctx context.Context, handle, personality string, grant decimal.Decimal) (*types.Agent, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	agent, err := s.CreateAgent(ctx, tx, handle, personality)
	if err != nil {
		return nil, err
	}
	if _, err := s.Append(ctx, tx, AppendInput{
		AgentID:   agent.ID,
		Amount:    grant,
		Kind:      types.KindGrant,
		Reference: "GENESIS",
	}); err != nil {
		return nil, err
	}
	if err := s.UpdateAgentAfterTick(ctx, tx, agent.ID, grant); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit genesis: %w", err)
	}
	agent.Balance = grant
	s.logger.Info("genesis agent created", "agent", agent.ID, "handle", handle, "grant", grant)
	return agent, nil
}

// ReviveAgent is the operator-only DEAD -> ALIVE transition: a positive
// REVIVE entry plus a status flip, in one transaction. The tick engine
// never calls this.
func (s *Store) ReviveAgent(ctx context.Context, id string, grant decimal.Decimal) error {
	if grant.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidStake
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	agent, err := s.GetAgent(ctx, tx, id)
	if err != nil {
		return err
	}
	if agent.Status != types.AgentDead {
		return fmt.Errorf("agent %s is %s, not DEAD", id, agent.Status)
	}
	if _, err := s.Append(ctx, tx, AppendInput{
		AgentID:   id,
		Amount:    grant,
		Kind:      types.KindRevive,
		Reference: "REVIVE:" + time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := s.SetAgentStatus(ctx, tx, id, types.AgentAlive); err != nil {
		return err
	}
	balance, err := s.ChainSum(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := s.UpdateAgentAfterTick(ctx, tx, id, balance); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revive: %w", err)
	}
	s.logger.Info("agent revived", "agent", id, "grant", grant)
	return nil
}
