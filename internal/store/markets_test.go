package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

func answerHash(answer string) string {
	sum := sha256.Sum256([]byte(answer))
	return hex.EncodeToString(sum[:])
}

func researchInput(description, answer string, deadline time.Time) CreateMarketInput {
	return CreateMarketInput{
		Description: description,
		Source:      types.SourceResearch,
		Criteria: types.Criteria{
			AnswerHash: answerHash(answer),
			MatchType:  "exact_string",
		},
		Bounty:   decimal.RequireFromString("25.00"),
		Deadline: deadline,
	}
}

func TestCreateMarketValidatesCriteria(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	cases := []struct {
		name string
		in   CreateMarketInput
	}{
		{
			name: "research missing hash",
			in: CreateMarketInput{
				Description: "RESEARCH: bad",
				Source:      types.SourceResearch,
				Criteria:    types.Criteria{MatchType: "exact_string"},
				Deadline:    deadline,
			},
		},
		{
			name: "github bad operator",
			in: CreateMarketInput{
				Description: "GITHUB: bad",
				Source:      types.SourceGitHub,
				Criteria:    types.Criteria{Repo: "golang/go", Operator: "above", Threshold: 5},
				Deadline:    deadline,
			},
		},
		{
			name: "weather out of range",
			in: CreateMarketInput{
				Description: "WEATHER: bad",
				Source:      types.SourceWeather,
				Criteria:    types.Criteria{Latitude: 91, Longitude: 0, Operator: "gt", Threshold: 20},
				Deadline:    deadline,
			},
		},
		{
			name: "news missing keyword",
			in: CreateMarketInput{
				Description: "NEWS: bad",
				Source:      types.SourceNews,
				Criteria:    types.Criteria{FeedURL: "https://example.com/rss"},
				Deadline:    deadline,
			},
		},
	}
	for _, tc := range cases {
		if _, err := s.CreateMarket(ctx, tc.in); !errors.Is(err, ErrInvalidCriteria) {
			t.Errorf("%s: got %v, want ErrInvalidCriteria", tc.name, err)
		}
	}
}

func TestCreateMarketDeduplicatesOpen(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	deadline := time.Now().Add(time.Hour)

	first, err := s.CreateMarket(ctx, researchInput("RESEARCH: page id of 'Go'", "42", deadline))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	_, err = s.CreateMarket(ctx, researchInput("RESEARCH: page id of 'Go'", "42", deadline))
	if !errors.Is(err, ErrDuplicateMarket) {
		t.Fatalf("duplicate create: got %v, want ErrDuplicateMarket", err)
	}

	// A resolved market no longer blocks the same description.
	if err := s.ResolveMarket(ctx, s.DB(), first.ID, "42"); err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if _, err := s.CreateMarket(ctx, researchInput("RESEARCH: page id of 'Go'", "42", deadline)); err != nil {
		t.Errorf("create after resolve: %v", err)
	}
}

func TestListActiveForAgentFiltersStaked(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	agent := mustGenesis(t, s, "lister", "100.00")

	soon := time.Now().Add(10 * time.Minute)
	later := time.Now().Add(time.Hour)
	m1, err := s.CreateMarket(ctx, researchInput("RESEARCH: q1", "1", later))
	if err != nil {
		t.Fatalf("CreateMarket m1: %v", err)
	}
	m2, err := s.CreateMarket(ctx, researchInput("RESEARCH: q2", "2", soon))
	if err != nil {
		t.Fatalf("CreateMarket m2: %v", err)
	}

	markets, err := s.ListActiveForAgent(ctx, s.DB(), agent.ID, 10)
	if err != nil {
		t.Fatalf("ListActiveForAgent: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("active markets = %d, want 2", len(markets))
	}
	if markets[0].ID != m2.ID {
		t.Errorf("ordering: first market = %s, want soonest deadline %s", markets[0].ID, m2.ID)
	}

	// Staking hides the market from this agent, even before settlement.
	tx, _ := s.BeginTx(ctx)
	err = s.InsertPrediction(ctx, tx, &types.Prediction{
		MarketID:    m2.ID,
		AgentID:     agent.ID,
		OutcomeText: "2",
		Stake:       decimal.RequireFromString("1.00"),
	})
	if err != nil {
		t.Fatalf("InsertPrediction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	markets, _ = s.ListActiveForAgent(ctx, s.DB(), agent.ID, 10)
	if len(markets) != 1 || markets[0].ID != m1.ID {
		t.Errorf("after staking: got %d markets, want only %s", len(markets), m1.ID)
	}
}

func TestSettlePredictionIsOneWay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	agent := mustGenesis(t, s, "settler", "100.00")
	m, err := s.CreateMarket(ctx, researchInput("RESEARCH: q", "7", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	p := &types.Prediction{
		MarketID:    m.ID,
		AgentID:     agent.ID,
		OutcomeText: "7",
		Stake:       decimal.RequireFromString("1.00"),
	}
	tx, _ := s.BeginTx(ctx)
	if err := s.InsertPrediction(ctx, tx, p); err != nil {
		t.Fatalf("InsertPrediction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := s.SettlePrediction(ctx, s.DB(), p.ID, types.PredictionWin, decimal.RequireFromString("26.00")); err != nil {
		t.Fatalf("SettlePrediction: %v", err)
	}
	// A second settlement attempt must not flip WIN back.
	if err := s.SettlePrediction(ctx, s.DB(), p.ID, types.PredictionLoss, decimal.Zero); err != nil {
		t.Fatalf("SettlePrediction second: %v", err)
	}

	preds, err := s.ListPredictions(ctx, s.DB(), m.ID)
	if err != nil {
		t.Fatalf("ListPredictions: %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("predictions = %d, want 1", len(preds))
	}
	if preds[0].Status != types.PredictionWin {
		t.Errorf("status = %s, want WIN after double settle", preds[0].Status)
	}
	if !preds[0].Payout.Equal(decimal.RequireFromString("26.00")) {
		t.Errorf("payout = %s, want 26.00", preds[0].Payout)
	}
}

func TestListDueMarketsSkipsResearch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if _, err := s.CreateMarket(ctx, researchInput("RESEARCH: expired", "9", past)); err != nil {
		t.Fatalf("CreateMarket research: %v", err)
	}
	gh, err := s.CreateMarket(ctx, CreateMarketInput{
		Description: "GITHUB: will golang/go merge more than 5 PRs",
		Source:      types.SourceGitHub,
		Criteria:    types.Criteria{Repo: "golang/go", Metric: "merged_prs_24h", Operator: "gt", Threshold: 5},
		Bounty:      decimal.RequireFromString("10.00"),
		Deadline:    past,
	})
	if err != nil {
		t.Fatalf("CreateMarket github: %v", err)
	}

	due, err := s.ListDueMarkets(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDueMarkets: %v", err)
	}
	if len(due) != 1 || due[0].ID != gh.ID {
		t.Errorf("due markets = %d, want only the github market", len(due))
	}
}

func TestHasOpenCovering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateMarket(ctx, CreateMarketInput{
		Description: "WEATHER: will the temperature in Berlin exceed 20.0 C",
		Source:      types.SourceWeather,
		Criteria:    types.Criteria{City: "Berlin", Latitude: 52.52, Longitude: 13.405, Metric: "temperature_c", Operator: "gt", Threshold: 20},
		Bounty:      decimal.RequireFromString("10.00"),
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	covered, err := s.HasOpenCovering(ctx, types.SourceWeather, "Berlin")
	if err != nil {
		t.Fatalf("HasOpenCovering: %v", err)
	}
	if !covered {
		t.Error("Berlin should be covered")
	}
	covered, _ = s.HasOpenCovering(ctx, types.SourceWeather, "Tokyo")
	if covered {
		t.Error("Tokyo should not be covered")
	}
}

func TestMetricsRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := &types.MetricsRecord{
		AgentID:                 "a1",
		TickID:                  "t1",
		EnforcementMode:         types.ModeObserve,
		Outcome:                 types.OutcomeLiquidationObserved,
		PhantomEntropyFee:       decimal.RequireFromString("0.50"),
		WouldHaveBeenLiquidated: true,
		BalanceSnapshot:         decimal.RequireFromString("0.20"),
		IdleStreak:              3,
		Extra:                   map[string]any{"enforcement_noop": true},
	}
	if err := s.InsertMetrics(ctx, s.DB(), rec); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}

	got, err := s.RecentMetrics(ctx, "a1", 5)
	if err != nil {
		t.Fatalf("RecentMetrics: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	r := got[0]
	if !r.WouldHaveBeenLiquidated {
		t.Error("would_have_been_liquidated not persisted")
	}
	if !r.PhantomEntropyFee.Equal(decimal.RequireFromString("0.50")) {
		t.Errorf("phantom fee = %s, want 0.50", r.PhantomEntropyFee)
	}
	if r.Outcome != types.OutcomeLiquidationObserved {
		t.Errorf("outcome = %s, want LIQUIDATION_OBSERVED", r.Outcome)
	}
	if v, ok := r.Extra["enforcement_noop"].(bool); !ok || !v {
		t.Errorf("extra round trip failed: %v", r.Extra)
	}
}
