package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

// Action is a strategy choice for one tick. The engine tries them in
// descending order of ambition; every action degrades to the next when its
// preconditions fail, terminating at WAIT.
type Action string

const (
	ActionResearch  Action = "RESEARCH"
	ActionPortfolio Action = "PORTFOLIO"
	ActionWager     Action = "WAGER"
	ActionWait      Action = "WAIT"
)

// ResearchAnswer is a candidate answer for a research market.
type ResearchAnswer struct {
	Answer     string
	Confidence float64
}

// PortfolioBet is one market position proposed by the model.
type PortfolioBet struct {
	MarketID   string
	Outcome    string
	Confidence float64
}

// WagerIdea is a standalone claim the agent commits balance to.
type WagerIdea struct {
	Claim      string
	Direction  string
	Confidence float64
	Amount     decimal.Decimal
	Reasoning  string
}

// Client turns completions into typed decisions. It wraps the provider per
// call with token tracking so usage lands on the active tick's collector.
type Client struct {
	provider Provider
	pricing  Pricing
	logger   *slog.Logger
}

// NewClient builds the decision client.
func NewClient(provider Provider, pricing Pricing, logger *slog.Logger) *Client {
	return &Client{provider: provider, pricing: pricing, logger: logger}
}

func (c *Client) generateJSON(ctx context.Context, system, user string, out any) error {
	p := ForContext(ctx, c.provider, c.pricing)
	text, err := p.Generate(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, Options{MaxTokens: 512, Temperature: 0.7, JSONMode: true})
	if err != nil {
		return err
	}
	cleaned := CleanJSON(text)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("llm: parse response: %w", err)
	}
	return nil
}

func personaPreamble(agent *types.Agent) string {
	persona := agent.Personality
	if persona == "" {
		persona = "a pragmatic survivor"
	}
	return fmt.Sprintf("You are %s, an autonomous agent in a prediction arena. Personality: %s. Every tick costs money; idleness compounds the cost.", agent.Handle, persona)
}

// DecideStrategy picks the tick's opening move. Parse failures and unknown
// actions resolve to RESEARCH, the top of the degradation chain, so a flaky
// model never stalls a tick.
func (c *Client) DecideStrategy(ctx context.Context, agent *types.Agent, openMarkets int, balance decimal.Decimal) (Action, error) {
	var resp struct {
		Action    string `json:"action"`
		Reasoning string `json:"reasoning"`
	}
	user := fmt.Sprintf(
		"Balance: %s credits. Open markets you have not entered: %d. Choose one action: RESEARCH (answer a knowledge market), PORTFOLIO (stake several event markets), WAGER (commit to a standalone claim), WAIT. Respond as JSON: {\"action\": \"...\", \"reasoning\": \"...\"}",
		balance.StringFixed(2), openMarkets)
	if err := c.generateJSON(ctx, personaPreamble(agent), user, &resp); err != nil {
		c.logger.Debug("strategy decision fell back", "agent", agent.Handle, "err", err)
		return ActionResearch, nil
	}
	switch Action(strings.ToUpper(strings.TrimSpace(resp.Action))) {
	case ActionResearch:
		return ActionResearch, nil
	case ActionPortfolio:
		return ActionPortfolio, nil
	case ActionWager:
		return ActionWager, nil
	case ActionWait:
		return ActionWait, nil
	default:
		return ActionResearch, nil
	}
}

// AnswerResearch proposes an answer to a research market. toolResult is
// empty on the first pass; when the engine has paid for a knowledge lookup
// it calls again with the tool's finding, which dominates a blank answer.
func (c *Client) AnswerResearch(ctx context.Context, agent *types.Agent, market *types.Market, toolResult string) (*ResearchAnswer, error) {
	var resp struct {
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
	}
	user := fmt.Sprintf("Question: %s\nRespond as JSON: {\"answer\": \"...\", \"confidence\": 0.0-1.0}", market.Description)
	if toolResult != "" {
		user = fmt.Sprintf("Question: %s\nA paid knowledge lookup returned: %s\nRespond as JSON: {\"answer\": \"...\", \"confidence\": 0.0-1.0}", market.Description, toolResult)
	}
	if err := c.generateJSON(ctx, personaPreamble(agent), user, &resp); err != nil {
		return nil, err
	}
	answer := strings.TrimSpace(SanitizeThought(resp.Answer))
	if answer == "" && toolResult != "" {
		answer = strings.TrimSpace(toolResult)
		resp.Confidence = 0.9
	}
	if answer == "" {
		return nil, fmt.Errorf("llm: no usable research answer")
	}
	return &ResearchAnswer{Answer: answer, Confidence: clamp01(resp.Confidence)}, nil
}

// PortfolioDecision proposes positions across open markets. Output is
// post-processed: unknown market ids and duplicates are dropped, confidence
// below floor is dropped, and at most maxBets survive in proposal order.
func (c *Client) PortfolioDecision(ctx context.Context, agent *types.Agent, markets []types.Market, balance decimal.Decimal, confidenceFloor float64, maxBets int) ([]PortfolioBet, error) {
	if len(markets) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	known := make(map[string]bool, len(markets))
	for _, m := range markets {
		known[m.ID] = true
		fmt.Fprintf(&sb, "- id=%s [%s] %s (deadline %s)\n", m.ID, m.Source, m.Description, m.Deadline.Format("15:04"))
	}
	var resp struct {
		Bets []struct {
			MarketID   string  `json:"market_id"`
			Outcome    string  `json:"outcome"`
			Confidence float64 `json:"confidence"`
		} `json:"bets"`
	}
	user := fmt.Sprintf(
		"Balance: %s credits. Open markets:\n%sPick up to %d positions. Respond as JSON: {\"bets\": [{\"market_id\": \"...\", \"outcome\": \"YES|NO\", \"confidence\": 0.0-1.0}]}",
		balance.StringFixed(2), sb.String(), maxBets)
	if err := c.generateJSON(ctx, personaPreamble(agent), user, &resp); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []PortfolioBet
	for _, b := range resp.Bets {
		if len(out) >= maxBets {
			break
		}
		if !known[b.MarketID] || seen[b.MarketID] {
			continue
		}
		if b.Confidence < confidenceFloor {
			continue
		}
		outcome := strings.ToUpper(strings.TrimSpace(b.Outcome))
		if outcome != "YES" && outcome != "NO" {
			continue
		}
		seen[b.MarketID] = true
		out = append(out, PortfolioBet{MarketID: b.MarketID, Outcome: outcome, Confidence: clamp01(b.Confidence)})
	}
	return out, nil
}

// GenerateWager asks for a standalone claim and amount. The amount is
// clamped to 90% of balance; a zero or negative proposal is an error so the
// engine can fall through to WAIT.
func (c *Client) GenerateWager(ctx context.Context, agent *types.Agent, balance decimal.Decimal) (*WagerIdea, error) {
	var resp struct {
		ClaimText   string  `json:"claim_text"`
		Direction   string  `json:"direction"`
		Confidence  float64 `json:"confidence"`
		WagerAmount float64 `json:"wager_amount"`
		Reasoning   string  `json:"reasoning"`
	}
	user := fmt.Sprintf(
		"Balance: %s credits. Propose one falsifiable claim about the near future and how much to wager on it. Respond as JSON: {\"claim_text\": \"...\", \"direction\": \"YES|NO\", \"confidence\": 0.0-1.0, \"wager_amount\": 0.0, \"reasoning\": \"...\"}",
		balance.StringFixed(2))
	if err := c.generateJSON(ctx, personaPreamble(agent), user, &resp); err != nil {
		return nil, err
	}
	claim := SanitizeThought(resp.ClaimText)
	if claim == "" {
		return nil, fmt.Errorf("llm: wager claim rejected by guardrails")
	}
	amount := decimal.NewFromFloat(resp.WagerAmount)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("llm: non-positive wager amount")
	}
	limit := balance.Mul(decimal.RequireFromString("0.9"))
	if amount.GreaterThan(limit) {
		amount = limit
	}
	direction := strings.ToUpper(strings.TrimSpace(resp.Direction))
	if direction != "YES" && direction != "NO" {
		direction = "YES"
	}
	return &WagerIdea{
		Claim:      claim,
		Direction:  direction,
		Confidence: clamp01(resp.Confidence),
		Amount:     amount,
		Reasoning:  SanitizeThought(resp.Reasoning),
	}, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
