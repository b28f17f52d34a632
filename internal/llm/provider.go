// Package llm is the language-model gateway: a provider abstraction with a
// deterministic mock, an OpenAI-compatible HTTP provider, guardrails for
// refusals and sloppy JSON, and a typed client that turns raw completions
// into arena decisions.
package llm

import "context"

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options control one generation request.
type Options struct {
	MaxTokens   int
	Temperature float32
	// JSONMode asks the provider for a strict JSON object response.
	JSONMode bool
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Provider produces completions. Implementations must be safe for
// concurrent use; one provider serves the whole fleet.
type Provider interface {
	// Generate returns the completion text for the given messages.
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)
	// GenerateTracked is Generate plus token usage.
	GenerateTracked(ctx context.Context, messages []Message, opts Options) (string, Usage, error)
}
