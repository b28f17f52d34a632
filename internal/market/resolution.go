// Package market owns the prediction-market lifecycle: the maker that keeps
// the board stocked, instant settlement for research markets, stake
// placement for event markets, and the deferred resolution sweep that
// settles event markets against their feeds at deadline.
package market

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"agent-arena/internal/config"
	"agent-arena/internal/feeds"
	"agent-arena/internal/store"
	"agent-arena/pkg/types"
)

// FeedSource is the slice of the ingestor the market layer needs. Tests
// substitute a scripted implementation.
type FeedSource interface {
	RandomArticle(ctx context.Context) (*feeds.Article, error)
	PRVelocity(ctx context.Context, repo string) (int, error)
	CurrentTemperature(ctx context.Context, lat, lon float64) (float64, error)
	Headlines(ctx context.Context, feedURL string) ([]feeds.Headline, error)
}

// ResearchResult classifies one research submission.
type ResearchResult string

const (
	ResultCorrect ResearchResult = "CORRECT"
	ResultWrong   ResearchResult = "WRONG"
	ResultClosed  ResearchResult = "CLOSED"
)

// Service settles stakes against markets. All ledger writes go through the
// caller's transaction so a failed tick rolls the stake back with it.
type Service struct {
	store  *store.Store
	feeds  FeedSource
	cfg    config.ResearchConfig
	logger *slog.Logger
}

// NewService builds the market service.
func NewService(s *store.Store, f FeedSource, cfg config.ResearchConfig, logger *slog.Logger) *Service {
	return &Service{store: s, feeds: f, cfg: cfg, logger: logger}
}

func hashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(answer))
	return hex.EncodeToString(sum[:])
}

// SubmitResearchAnswer stakes on a research market and settles instantly.
// The answer is trimmed of surrounding whitespace before it is stored and
// compared byte-for-byte against the commitment. The stake is charged win or
// lose; a correct answer resolves the market and pays bounty plus stake back,
// a wrong one leaves the market open for the next agent. A non-OPEN market
// returns CLOSED with no writes.
func (s *Service) SubmitResearchAnswer(ctx context.Context, tx *sqlx.Tx, agentID, marketID, answer, tickID string) (*types.Prediction, ResearchResult, error) {
	answer = strings.TrimSpace(answer)
	m, err := s.store.GetMarket(ctx, tx, marketID)
	if err != nil {
		return nil, "", err
	}
	if m.Source != types.SourceResearch {
		return nil, "", fmt.Errorf("market %s is not a research market", marketID)
	}
	if m.Status != types.MarketOpen {
		return nil, ResultClosed, nil
	}

	stake := decimal.NewFromFloat(s.cfg.Stake)
	p := &types.Prediction{
		MarketID:    marketID,
		AgentID:     agentID,
		OutcomeText: answer,
		Stake:       stake,
	}
	if err := s.store.InsertPrediction(ctx, tx, p); err != nil {
		return nil, "", err
	}
	if _, err := s.store.Append(ctx, tx, store.AppendInput{
		AgentID:   agentID,
		Amount:    stake.Neg(),
		Kind:      types.KindMarketStake,
		Reference: fmt.Sprintf("TICK:%s:RESEARCH:%s", tickID, marketID),
	}); err != nil {
		return nil, "", err
	}

	if hashAnswer(answer) != m.Criteria.AnswerHash {
		if err := s.store.SettlePrediction(ctx, tx, p.ID, types.PredictionLoss, decimal.Zero); err != nil {
			return nil, "", err
		}
		p.Status = types.PredictionLoss
		return p, ResultWrong, nil
	}

	payout := m.Bounty.Add(stake)
	if err := s.store.ResolveMarket(ctx, tx, marketID, answer); err != nil {
		return nil, "", err
	}
	if err := s.store.SettlePrediction(ctx, tx, p.ID, types.PredictionWin, payout); err != nil {
		return nil, "", err
	}
	if _, err := s.store.Append(ctx, tx, store.AppendInput{
		AgentID:   agentID,
		Amount:    payout,
		Kind:      types.KindResearchPayout,
		Reference: fmt.Sprintf("TICK:%s:RESEARCH_WIN:%s", tickID, marketID),
	}); err != nil {
		return nil, "", err
	}
	p.Status = types.PredictionWin
	p.Payout = payout
	return p, ResultCorrect, nil
}

// PlaceBet stakes on an event market. Settlement happens later in the
// resolution sweep.
func (s *Service) PlaceBet(ctx context.Context, tx *sqlx.Tx, agentID, marketID, outcome string, stake decimal.Decimal, tickID string) (*types.Prediction, error) {
	if stake.Sign() <= 0 {
		return nil, store.ErrInvalidStake
	}
	m, err := s.store.GetMarket(ctx, tx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != types.MarketOpen {
		return nil, store.ErrMarketClosed
	}

	p := &types.Prediction{
		MarketID:    marketID,
		AgentID:     agentID,
		OutcomeText: outcome,
		Stake:       stake,
	}
	if err := s.store.InsertPrediction(ctx, tx, p); err != nil {
		return nil, err
	}
	if _, err := s.store.Append(ctx, tx, store.AppendInput{
		AgentID:   agentID,
		Amount:    stake.Neg(),
		Kind:      types.KindMarketStake,
		Reference: fmt.Sprintf("TICK:%s:MARKET:%s", tickID, marketID),
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveDue settles every event market past its deadline. Each market gets
// its own transaction; a feed failure leaves that market open for the next
// sweep rather than failing the batch. Returns how many markets resolved.
func (s *Service) ResolveDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueMarkets(ctx, now)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for i := range due {
		m := &due[i]
		// Feed reads happen before the transaction opens; holding a
		// write transaction across a network call would stall every
		// concurrent tick on sqlite.
		result, err := s.evaluate(ctx, m)
		if err != nil {
			s.logger.Warn("market evaluation failed, leaving open",
				"market", m.ID, "source", m.Source, "err", err)
			continue
		}
		if err := s.settleEventMarket(ctx, m, result); err != nil {
			s.logger.Error("market settlement failed", "market", m.ID, "err", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// evaluate reads the market's feed and applies its criteria. Operators are
// strict: gt fails on equality.
func (s *Service) evaluate(ctx context.Context, m *types.Market) (bool, error) {
	c := m.Criteria
	switch m.Source {
	case types.SourceGitHub:
		n, err := s.feeds.PRVelocity(ctx, c.Repo)
		if err != nil {
			return false, err
		}
		return compare(float64(n), c.Operator, c.Threshold), nil
	case types.SourceWeather:
		temp, err := s.feeds.CurrentTemperature(ctx, c.Latitude, c.Longitude)
		if err != nil {
			return false, err
		}
		return compare(temp, c.Operator, c.Threshold), nil
	case types.SourceNews:
		items, err := s.feeds.Headlines(ctx, c.FeedURL)
		if err != nil {
			return false, err
		}
		keyword := strings.ToLower(c.Keyword)
		for _, h := range items {
			if strings.Contains(strings.ToLower(h.Title), keyword) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("source %s has no deferred resolution", m.Source)
	}
}

func compare(reading float64, operator string, threshold float64) bool {
	switch operator {
	case "gt":
		return reading > threshold
	case "gte":
		return reading >= threshold
	case "lt":
		return reading < threshold
	case "lte":
		return reading <= threshold
	default:
		return false
	}
}

// settleEventMarket pays winners and finalizes the market in one
// transaction. Winners receive double their stake plus an equal split of
// the bounty; losers forfeit their stake, which was charged at placement.
func (s *Service) settleEventMarket(ctx context.Context, m *types.Market, result bool) error {
	outcome := "NO"
	if result {
		outcome = "YES"
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Re-check under the transaction; another sweep may have won the race.
	current, err := s.store.GetMarket(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if current.Status != types.MarketOpen {
		return nil
	}
	if err := s.store.SetMarketStatus(ctx, tx, m.ID, types.MarketLocked); err != nil {
		return err
	}

	preds, err := s.store.ListPredictions(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	var winners []types.Prediction
	for _, p := range preds {
		if p.Status != types.PredictionPending {
			continue
		}
		if strings.EqualFold(p.OutcomeText, outcome) {
			winners = append(winners, p)
		}
	}

	var bountyShare decimal.Decimal
	if len(winners) > 0 {
		bountyShare = m.Bounty.Div(decimal.NewFromInt(int64(len(winners)))).RoundDown(8)
	}
	for _, p := range preds {
		if p.Status != types.PredictionPending {
			continue
		}
		if !strings.EqualFold(p.OutcomeText, outcome) {
			if err := s.store.SettlePrediction(ctx, tx, p.ID, types.PredictionLoss, decimal.Zero); err != nil {
				return err
			}
			continue
		}
		payout := p.Stake.Mul(decimal.NewFromInt(2)).Add(bountyShare)
		if err := s.store.SettlePrediction(ctx, tx, p.ID, types.PredictionWin, payout); err != nil {
			return err
		}
		if _, err := s.store.Append(ctx, tx, store.AppendInput{
			AgentID:   p.AgentID,
			Amount:    payout,
			Kind:      types.KindResearchPayout,
			Reference: fmt.Sprintf("RESOLVE:%s:%s", m.ID, outcome),
		}); err != nil {
			return err
		}
		balance, err := s.store.ChainSum(ctx, tx, p.AgentID)
		if err != nil {
			return err
		}
		if err := s.store.UpdateAgentAfterTick(ctx, tx, p.AgentID, balance); err != nil {
			return err
		}
	}

	if err := s.store.ResolveMarket(ctx, tx, m.ID, outcome); err != nil {
		return err
	}
	return tx.Commit()
}
