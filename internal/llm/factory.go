package llm

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"agent-arena/internal/config"
	"agent-arena/internal/obs"
)

// Pricing converts token counts to estimated USD.
type Pricing struct {
	PromptPerM     decimal.Decimal
	CompletionPerM decimal.Decimal
}

// PricingFromConfig reads the per-million-token prices.
func PricingFromConfig(cfg config.LLMConfig) Pricing {
	return Pricing{
		PromptPerM:     decimal.NewFromFloat(cfg.PromptCostPerM),
		CompletionPerM: decimal.NewFromFloat(cfg.CompletionCostPerM),
	}
}

var million = decimal.NewFromInt(1_000_000)

// Estimate prices one call's usage.
func (p Pricing) Estimate(u Usage) decimal.Decimal {
	prompt := decimal.NewFromInt(int64(u.PromptTokens)).Mul(p.PromptPerM).Div(million)
	completion := decimal.NewFromInt(int64(u.CompletionTokens)).Mul(p.CompletionPerM).Div(million)
	return prompt.Add(completion)
}

// New builds the configured provider. Unset or unknown providers fall back
// to the deterministic mock so the arena always runs.
func New(cfg config.LLMConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "grok", "local":
		return NewOpenAICompatible(cfg.Provider, cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return NewMock(), nil
	}
}

// trackedProvider reports usage to the active tick collector.
type trackedProvider struct {
	base      Provider
	collector *obs.Collector
	pricing   Pricing
}

func (t *trackedProvider) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	text, _, err := t.GenerateTracked(ctx, messages, opts)
	return text, err
}

func (t *trackedProvider) GenerateTracked(ctx context.Context, messages []Message, opts Options) (string, Usage, error) {
	text, usage, err := t.base.GenerateTracked(ctx, messages, opts)
	if err == nil {
		t.collector.AddTokens(usage.PromptTokens, usage.CompletionTokens, t.pricing.Estimate(usage))
	}
	return text, usage, err
}

// ForContext wraps base with token tracking when a tick collector is active
// on the context. Outside a tick the base provider is returned unchanged.
func ForContext(ctx context.Context, base Provider, pricing Pricing) Provider {
	c := obs.FromContext(ctx)
	if c == nil {
		return base
	}
	return &trackedProvider{base: base, collector: c, pricing: pricing}
}
