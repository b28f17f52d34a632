package llm

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	text, _, err := p.GenerateTracked(ctx, messages, opts)
	return text, err
}

func (p *scriptedProvider) GenerateTracked(ctx context.Context, messages []Message, opts Options) (string, Usage, error) {
	if p.calls >= len(p.responses) {
		return "{}", Usage{}, nil
	}
	r := p.responses[p.calls]
	p.calls++
	return r, Usage{PromptTokens: 10, CompletionTokens: 5}, nil
}

func testClient(responses ...string) *Client {
	return NewClient(
		&scriptedProvider{responses: responses},
		Pricing{PromptPerM: decimal.NewFromInt(3), CompletionPerM: decimal.NewFromInt(10)},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func testAgent() *types.Agent {
	return &types.Agent{ID: "a1", Handle: "tester", Personality: "cautious"}
}

func TestMockDeterministic(t *testing.T) {
	t.Parallel()
	m := NewMock()
	msgs := []Message{{Role: "user", Content: "decide"}}

	a, _ := m.Generate(context.Background(), msgs, Options{JSONMode: true})
	b, _ := m.Generate(context.Background(), msgs, Options{JSONMode: true})
	if a != b {
		t.Errorf("mock not deterministic:\n%s\n%s", a, b)
	}

	c, _ := m.Generate(context.Background(), []Message{{Role: "user", Content: "other"}}, Options{JSONMode: true})
	if a == c {
		t.Error("different prompts yielded identical responses")
	}
}

func TestMockJSONShape(t *testing.T) {
	t.Parallel()
	client := NewClient(NewMock(), Pricing{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	idea, err := client.GenerateWager(context.Background(), testAgent(), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("GenerateWager on mock: %v", err)
	}
	if idea.Direction != "YES" && idea.Direction != "NO" {
		t.Errorf("direction = %q", idea.Direction)
	}
	if idea.Confidence < 0.3 || idea.Confidence > 0.8 {
		t.Errorf("confidence = %f, want within mock range", idea.Confidence)
	}
	if idea.Amount.Sign() <= 0 {
		t.Errorf("amount = %s", idea.Amount)
	}
}

func TestDecideStrategyFallsBackOnGarbage(t *testing.T) {
	t.Parallel()
	client := testClient("not json at all")

	action, err := client.DecideStrategy(context.Background(), testAgent(), 3, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("DecideStrategy: %v", err)
	}
	if action != ActionResearch {
		t.Errorf("action = %s, want RESEARCH fallback", action)
	}
}

func TestDecideStrategyParsesAction(t *testing.T) {
	t.Parallel()
	client := testClient(`{"action": "portfolio", "reasoning": "spread risk"}`)

	action, err := client.DecideStrategy(context.Background(), testAgent(), 3, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("DecideStrategy: %v", err)
	}
	if action != ActionPortfolio {
		t.Errorf("action = %s, want PORTFOLIO", action)
	}
}

func TestAnswerResearchUsesToolResult(t *testing.T) {
	t.Parallel()
	client := testClient(`{"answer": "", "confidence": 0.2}`)
	market := &types.Market{ID: "m1", Description: "RESEARCH: What is the Wikipedia page ID for the article titled 'Go'?"}

	ans, err := client.AnswerResearch(context.Background(), testAgent(), market, "12345")
	if err != nil {
		t.Fatalf("AnswerResearch: %v", err)
	}
	if ans.Answer != "12345" {
		t.Errorf("answer = %q, want tool result", ans.Answer)
	}
	if ans.Confidence < 0.75 {
		t.Errorf("confidence = %f, want boosted above lookup threshold", ans.Confidence)
	}
}

func TestAnswerResearchRejectsRefusal(t *testing.T) {
	t.Parallel()
	client := testClient(`{"answer": "I'm sorry, I cannot assist with that.", "confidence": 0.9}`)
	market := &types.Market{ID: "m1", Description: "RESEARCH: question"}

	if _, err := client.AnswerResearch(context.Background(), testAgent(), market, ""); err == nil {
		t.Error("refusal answer accepted")
	}
}

func TestPortfolioDecisionFilters(t *testing.T) {
	t.Parallel()
	client := testClient(`{"bets": [
		{"market_id": "m1", "outcome": "yes", "confidence": 0.9},
		{"market_id": "m1", "outcome": "NO", "confidence": 0.8},
		{"market_id": "ghost", "outcome": "YES", "confidence": 0.95},
		{"market_id": "m2", "outcome": "NO", "confidence": 0.4},
		{"market_id": "m3", "outcome": "maybe", "confidence": 0.9},
		{"market_id": "m4", "outcome": "NO", "confidence": 0.7}
	]}`)
	deadline := time.Now().Add(time.Hour)
	markets := []types.Market{
		{ID: "m1", Description: "q1", Deadline: deadline},
		{ID: "m2", Description: "q2", Deadline: deadline},
		{ID: "m3", Description: "q3", Deadline: deadline},
		{ID: "m4", Description: "q4", Deadline: deadline},
	}

	bets, err := client.PortfolioDecision(context.Background(), testAgent(), markets, decimal.NewFromInt(100), 0.60, 3)
	if err != nil {
		t.Fatalf("PortfolioDecision: %v", err)
	}
	// Survivors: m1 (dup dropped), m4. ghost unknown, m2 under floor,
	// m3 bad outcome.
	if len(bets) != 2 {
		t.Fatalf("bets = %d, want 2: %+v", len(bets), bets)
	}
	if bets[0].MarketID != "m1" || bets[0].Outcome != "YES" {
		t.Errorf("first bet = %+v", bets[0])
	}
	if bets[1].MarketID != "m4" {
		t.Errorf("second bet = %+v", bets[1])
	}
}

func TestGenerateWagerClampsAmount(t *testing.T) {
	t.Parallel()
	client := testClient(`{"claim_text": "BTC closes green today", "direction": "YES", "confidence": 0.7, "wager_amount": 500.0, "reasoning": "momentum"}`)

	idea, err := client.GenerateWager(context.Background(), testAgent(), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("GenerateWager: %v", err)
	}
	if !idea.Amount.Equal(decimal.RequireFromString("9")) {
		t.Errorf("amount = %s, want clamped to 9 (90%% of 10)", idea.Amount)
	}
}

func TestGenerateWagerRejectsZeroAmount(t *testing.T) {
	t.Parallel()
	client := testClient(`{"claim_text": "something", "direction": "NO", "confidence": 0.5, "wager_amount": 0}`)

	if _, err := client.GenerateWager(context.Background(), testAgent(), decimal.NewFromInt(10)); err == nil {
		t.Error("zero wager accepted")
	}
}

func TestPricingEstimate(t *testing.T) {
	t.Parallel()
	p := Pricing{PromptPerM: decimal.NewFromInt(3), CompletionPerM: decimal.NewFromInt(10)}
	cost := p.Estimate(Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000})
	if !cost.Equal(decimal.NewFromInt(8)) {
		t.Errorf("cost = %s, want 8", cost)
	}
}

func TestProviderPresets(t *testing.T) {
	t.Parallel()
	url, model := providerPreset("grok")
	if !strings.Contains(url, "x.ai") || model == "" {
		t.Errorf("grok preset = %q %q", url, model)
	}
	if _, err := NewOpenAICompatible("openai", "", "", ""); err == nil {
		t.Error("openai without key accepted")
	}
	if _, err := NewOpenAICompatible("local", "", "", ""); err != nil {
		t.Errorf("local without key rejected: %v", err)
	}
}
