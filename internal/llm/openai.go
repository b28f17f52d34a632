package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatible speaks the chat-completions protocol. It covers the
// hosted providers and local inference servers (Ollama, vLLM) behind one
// implementation; provider presets only differ in base URL and model.
type OpenAICompatible struct {
	client *openai.Client
	model  string
}

// providerPreset fills base URL and model for a named provider when the
// config leaves them empty.
func providerPreset(provider string) (baseURL, model string) {
	switch strings.ToLower(provider) {
	case "grok":
		return "https://api.x.ai/v1", "grok-3-mini-fast"
	case "local":
		return "http://localhost:11434/v1", "llama3"
	default: // openai
		return "", "gpt-4o-mini"
	}
}

// NewOpenAICompatible builds a provider for the given preset name,
// honoring explicit base URL and model overrides.
func NewOpenAICompatible(provider, apiKey, baseURL, model string) (*OpenAICompatible, error) {
	presetURL, presetModel := providerPreset(provider)
	if baseURL == "" {
		baseURL = presetURL
	}
	if model == "" {
		model = presetModel
	}
	if apiKey == "" {
		if strings.ToLower(provider) != "local" {
			return nil, fmt.Errorf("llm: provider %q requires an API key", provider)
		}
		apiKey = "unused"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatible{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (p *OpenAICompatible) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	text, _, err := p.GenerateTracked(ctx, messages, opts)
	return text, err
}

func (p *OpenAICompatible) GenerateTracked(ctx context.Context, messages []Message, opts Options) (string, Usage, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    toChatMessages(messages),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil && opts.JSONMode {
		// Some local servers reject response_format. Retry with a
		// prompt-level instruction instead.
		req.ResponseFormat = nil
		req.Messages = append(toChatMessages(messages), openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Respond with a single valid JSON object and nothing else.",
		})
		resp, err = p.client.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: empty completion")
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func toChatMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
