// markets.go is the market catalog: creation with per-source criteria
// validation and duplicate suppression, per-agent active listings, and the
// prediction rows that record each stake.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

type marketRow struct {
	ID          string         `db:"id"`
	Description string         `db:"description"`
	Source      string         `db:"source"`
	Criteria    string         `db:"criteria"`
	Status      string         `db:"status"`
	Bounty      string         `db:"bounty"`
	Deadline    string         `db:"deadline"`
	Outcome     sql.NullString `db:"outcome"`
	CreatedAt   string         `db:"created_at"`
}

func (r marketRow) toMarket() (types.Market, error) {
	bounty, err := decimal.NewFromString(r.Bounty)
	if err != nil {
		return types.Market{}, fmt.Errorf("parse bounty %q: %w", r.Bounty, err)
	}
	deadline, err := time.Parse(timeLayout, r.Deadline)
	if err != nil {
		return types.Market{}, fmt.Errorf("parse deadline: %w", err)
	}
	created, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return types.Market{}, fmt.Errorf("parse created_at: %w", err)
	}
	var criteria types.Criteria
	if err := json.Unmarshal([]byte(r.Criteria), &criteria); err != nil {
		return types.Market{}, fmt.Errorf("parse criteria: %w", err)
	}
	return types.Market{
		ID:          r.ID,
		Description: r.Description,
		Source:      types.SourceKind(r.Source),
		Criteria:    criteria,
		Status:      types.MarketStatus(r.Status),
		Bounty:      bounty,
		Deadline:    deadline,
		Outcome:     nullString(r.Outcome),
		CreatedAt:   created,
	}, nil
}

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

func validateCriteria(source types.SourceKind, c types.Criteria) error {
	switch source {
	case types.SourceResearch:
		if !sha256Hex.MatchString(c.AnswerHash) {
			return fmt.Errorf("%w: research market needs a sha256 answer_hash", ErrInvalidCriteria)
		}
		if c.MatchType != "exact_string" {
			return fmt.Errorf("%w: unsupported match_type %q", ErrInvalidCriteria, c.MatchType)
		}
	case types.SourceGitHub:
		if !strings.Contains(c.Repo, "/") {
			return fmt.Errorf("%w: github market needs an owner/repo", ErrInvalidCriteria)
		}
		if err := validateOperator(c.Operator); err != nil {
			return err
		}
	case types.SourceWeather:
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return fmt.Errorf("%w: weather market coordinates out of range", ErrInvalidCriteria)
		}
		if err := validateOperator(c.Operator); err != nil {
			return err
		}
	case types.SourceNews:
		if c.FeedURL == "" || c.Keyword == "" {
			return fmt.Errorf("%w: news market needs feed_url and keyword", ErrInvalidCriteria)
		}
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidCriteria, source)
	}
	return nil
}

func validateOperator(op string) error {
	switch op {
	case "gt", "gte", "lt", "lte":
		return nil
	default:
		return fmt.Errorf("%w: operator must be gt/gte/lt/lte, got %q", ErrInvalidCriteria, op)
	}
}

// CreateMarketInput describes a new market.
type CreateMarketInput struct {
	Description string
	Source      types.SourceKind
	Criteria    types.Criteria
	Bounty      decimal.Decimal
	Deadline    time.Time
}

// CreateMarket validates criteria, rejects a duplicate while a matching OPEN
// market exists, and inserts. Commits in its own transaction.
func (s *Store) CreateMarket(ctx context.Context, in CreateMarketInput) (*types.Market, error) {
	if err := validateCriteria(in.Source, in.Criteria); err != nil {
		return nil, err
	}

	var n int
	query := s.db.Rebind("SELECT COUNT(*) FROM markets WHERE description = ? AND status = ?")
	if err := s.db.GetContext(ctx, &n, query, in.Description, string(types.MarketOpen)); err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if n > 0 {
		return nil, ErrDuplicateMarket
	}

	blob, err := json.Marshal(in.Criteria)
	if err != nil {
		return nil, fmt.Errorf("marshal criteria: %w", err)
	}
	m := types.Market{
		ID:          uuid.NewString(),
		Description: in.Description,
		Source:      in.Source,
		Criteria:    in.Criteria,
		Status:      types.MarketOpen,
		Bounty:      in.Bounty,
		Deadline:    in.Deadline,
		CreatedAt:   time.Now().UTC(),
	}
	insert := s.db.Rebind(`INSERT INTO markets
		(id, description, source, criteria, status, bounty, deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, insert,
		m.ID, m.Description, string(m.Source), string(blob), string(m.Status),
		m.Bounty.StringFixed(8), m.Deadline.UTC().Format(timeLayout),
		m.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert market: %w", err)
	}
	return &m, nil
}

// GetMarket loads one market by id. Returns ErrMarketNotFound if absent.
func (s *Store) GetMarket(ctx context.Context, q sqlx.ExtContext, id string) (*types.Market, error) {
	var row marketRow
	query := q.Rebind("SELECT * FROM markets WHERE id = ?")
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMarketNotFound
		}
		return nil, fmt.Errorf("get market: %w", err)
	}
	m, err := row.toMarket()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListActiveForAgent returns OPEN markets the agent has not yet staked on,
// soonest deadline first. Staking once hides the market from that agent
// permanently, including after a WRONG research answer.
func (s *Store) ListActiveForAgent(ctx context.Context, q sqlx.ExtContext, agentID string, limit int) ([]types.Market, error) {
	var rows []marketRow
	query := q.Rebind(`SELECT * FROM markets
		WHERE status = ?
		  AND id NOT IN (SELECT market_id FROM predictions WHERE agent_id = ?)
		ORDER BY deadline ASC
		LIMIT ?`)
	if err := sqlx.SelectContext(ctx, q, &rows, query, string(types.MarketOpen), agentID, limit); err != nil {
		return nil, fmt.Errorf("list active markets: %w", err)
	}
	markets := make([]types.Market, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMarket()
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// CountOpen counts OPEN markets, optionally for one source ("" = all).
func (s *Store) CountOpen(ctx context.Context, source types.SourceKind) (int, error) {
	var n int
	if source == "" {
		query := s.db.Rebind("SELECT COUNT(*) FROM markets WHERE status = ?")
		if err := s.db.GetContext(ctx, &n, query, string(types.MarketOpen)); err != nil {
			return 0, fmt.Errorf("count open markets: %w", err)
		}
		return n, nil
	}
	query := s.db.Rebind("SELECT COUNT(*) FROM markets WHERE status = ? AND source = ?")
	if err := s.db.GetContext(ctx, &n, query, string(types.MarketOpen), string(source)); err != nil {
		return 0, fmt.Errorf("count open markets: %w", err)
	}
	return n, nil
}

// HasOpenCovering reports whether an OPEN market of the given source already
// mentions needle in its description. Generators use it as their
// "already covered" predicate beyond exact description dedup.
func (s *Store) HasOpenCovering(ctx context.Context, source types.SourceKind, needle string) (bool, error) {
	var n int
	query := s.db.Rebind("SELECT COUNT(*) FROM markets WHERE status = ? AND source = ? AND description LIKE ?")
	if err := s.db.GetContext(ctx, &n, query, string(types.MarketOpen), string(source), "%"+needle+"%"); err != nil {
		return false, fmt.Errorf("covered check: %w", err)
	}
	return n > 0, nil
}

// ListDueMarkets returns OPEN non-research markets whose deadline has
// passed, for the deferred resolution sweep. Research markets resolve
// instantly or expire unreferenced.
func (s *Store) ListDueMarkets(ctx context.Context, now time.Time) ([]types.Market, error) {
	var rows []marketRow
	query := s.db.Rebind(`SELECT * FROM markets
		WHERE status = ? AND source != ? AND deadline < ?
		ORDER BY deadline ASC`)
	err := s.db.SelectContext(ctx, &rows, query,
		string(types.MarketOpen), string(types.SourceResearch), now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("list due markets: %w", err)
	}
	markets := make([]types.Market, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMarket()
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// SetMarketStatus moves a market between OPEN / LOCKED / RESOLVED.
func (s *Store) SetMarketStatus(ctx context.Context, q sqlx.ExtContext, id string, status types.MarketStatus) error {
	query := q.Rebind("UPDATE markets SET status = ? WHERE id = ?")
	if _, err := q.ExecContext(ctx, query, string(status), id); err != nil {
		return fmt.Errorf("set market status: %w", err)
	}
	return nil
}

// ResolveMarket finalizes a market: status RESOLVED plus the outcome.
func (s *Store) ResolveMarket(ctx context.Context, q sqlx.ExtContext, id, outcome string) error {
	query := q.Rebind("UPDATE markets SET status = ?, outcome = ? WHERE id = ?")
	if _, err := q.ExecContext(ctx, query, string(types.MarketResolved), outcome, id); err != nil {
		return fmt.Errorf("resolve market: %w", err)
	}
	return nil
}

type predictionRow struct {
	ID          string `db:"id"`
	MarketID    string `db:"market_id"`
	AgentID     string `db:"agent_id"`
	OutcomeText string `db:"outcome_text"`
	Stake       string `db:"stake"`
	Status      string `db:"status"`
	Payout      string `db:"payout"`
	CreatedAt   string `db:"created_at"`
}

func (r predictionRow) toPrediction() (types.Prediction, error) {
	stake, err := decimal.NewFromString(r.Stake)
	if err != nil {
		return types.Prediction{}, fmt.Errorf("parse stake: %w", err)
	}
	payout, err := decimal.NewFromString(r.Payout)
	if err != nil {
		return types.Prediction{}, fmt.Errorf("parse payout: %w", err)
	}
	created, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return types.Prediction{}, fmt.Errorf("parse created_at: %w", err)
	}
	return types.Prediction{
		ID:          r.ID,
		MarketID:    r.MarketID,
		AgentID:     r.AgentID,
		OutcomeText: r.OutcomeText,
		Stake:       stake,
		Status:      types.PredictionStatus(r.Status),
		Payout:      payout,
		CreatedAt:   created,
	}, nil
}

// InsertPrediction records a new PENDING stake. Does not commit.
func (s *Store) InsertPrediction(ctx context.Context, tx *sqlx.Tx, p *types.Prediction) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = types.PredictionPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := tx.Rebind(`INSERT INTO predictions
		(id, market_id, agent_id, outcome_text, stake, status, payout, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		p.ID, p.MarketID, p.AgentID, p.OutcomeText, p.Stake.StringFixed(8),
		string(p.Status), p.Payout.StringFixed(8), p.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// SettlePrediction moves a prediction out of PENDING. One-way by contract;
// the caller never settles the same prediction twice.
func (s *Store) SettlePrediction(ctx context.Context, q sqlx.ExtContext, id string, status types.PredictionStatus, payout decimal.Decimal) error {
	query := q.Rebind("UPDATE predictions SET status = ?, payout = ? WHERE id = ? AND status = ?")
	if _, err := q.ExecContext(ctx, query, string(status), payout.StringFixed(8), id, string(types.PredictionPending)); err != nil {
		return fmt.Errorf("settle prediction: %w", err)
	}
	return nil
}

// ListPredictions returns every stake on a market, oldest first.
func (s *Store) ListPredictions(ctx context.Context, q sqlx.ExtContext, marketID string) ([]types.Prediction, error) {
	var rows []predictionRow
	query := q.Rebind("SELECT * FROM predictions WHERE market_id = ? ORDER BY created_at")
	if err := sqlx.SelectContext(ctx, q, &rows, query, marketID); err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	out := make([]types.Prediction, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPrediction()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
