package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MockProvider is a deterministic offline provider. The same prompt always
// yields the same response, which keeps the scenario tests and local runs
// reproducible without network access.
type MockProvider struct{}

// NewMock returns the deterministic provider.
func NewMock() *MockProvider { return &MockProvider{} }

// seed derives eight hex characters from the prompt contents. Only message
// content participates, so reordering roles with identical text is stable.
func (m *MockProvider) seed(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:8]
}

func (m *MockProvider) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	text, _, err := m.GenerateTracked(ctx, messages, opts)
	return text, err
}

func (m *MockProvider) GenerateTracked(ctx context.Context, messages []Message, opts Options) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}
	seed := m.seed(messages)
	usage := Usage{PromptTokens: promptLen(messages) / 4, CompletionTokens: 32}

	if opts.JSONMode {
		head, _ := strconv.ParseUint(seed[:4], 16, 32)
		tail, _ := strconv.ParseUint(seed[4:], 16, 32)
		confidence := 0.3 + float64(head%50)/100.0
		amount := 5 + int(tail%40)
		direction := "YES"
		if head%2 == 1 {
			direction = "NO"
		}
		body := fmt.Sprintf(`{"claim_text": "Deterministic claim %s will hold", "direction": "%s", "confidence": %.2f, "wager_amount": %d, "reasoning": "Derived from seed %s"}`,
			seed, direction, confidence, amount, seed)
		return body, usage, nil
	}
	return fmt.Sprintf("Mock response [%s]: considered the prompt and produced a stable answer.", seed), usage, nil
}

func promptLen(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}
