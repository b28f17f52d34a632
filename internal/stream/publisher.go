// Package stream publishes compact tick events to Redis pub/sub for
// spectator UIs. Delivery is strictly best-effort: the publisher never
// returns an error to the engine, and a dead Redis only costs the audience.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"agent-arena/pkg/types"
)

// Channel is the pub/sub channel spectators subscribe to.
const Channel = "arena:stream"

// event is the wire payload. Field names are one letter to keep the fan-out
// cheap at high tick rates.
type event struct {
	Timestamp int64    `json:"t"`
	Event     string   `json:"e"`
	AgentID   string   `json:"b"`
	Amount    *float64 `json:"a,omitempty"`
}

// Publisher owns a lazily created Redis client. A nil *Publisher is valid
// and publishes nothing, which keeps tests and Redis-less deployments free
// of conditionals at call sites.
type Publisher struct {
	mu     sync.Mutex
	url    string
	client *redis.Client
	logger *slog.Logger
}

// NewPublisher builds a publisher for the given redis URL. An empty URL
// returns nil, the no-op publisher.
func NewPublisher(url string, logger *slog.Logger) *Publisher {
	if url == "" {
		return nil
	}
	return &Publisher{url: url, logger: logger}
}

// eventCode maps a tick outcome to its single-letter wire code. Outcomes
// with no spectator signal map to "".
func eventCode(outcome types.TickOutcome) string {
	switch outcome {
	case types.OutcomeWager:
		return "W"
	case types.OutcomeHeartbeat:
		return "H"
	case types.OutcomeLiquidation, types.OutcomeLiquidationObserved:
		return "L"
	case types.OutcomeResearch, types.OutcomePortfolio:
		return "R"
	default:
		return ""
	}
}

// Publish emits one tick event. Never returns an error; connection failures
// drop the client so the next call redials.
func (p *Publisher) Publish(ctx context.Context, outcome types.TickOutcome, agentID string, amount decimal.Decimal) {
	if p == nil {
		return
	}
	code := eventCode(outcome)
	if code == "" {
		return
	}
	ev := event{
		Timestamp: time.Now().Unix(),
		Event:     code,
		AgentID:   agentID,
	}
	if !amount.IsZero() {
		f, _ := amount.Round(4).Float64()
		ev.Amount = &f
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	client := p.acquire()
	if client == nil {
		return
	}
	if err := client.Publish(ctx, Channel, payload).Err(); err != nil {
		p.logger.Debug("stream publish failed", "err", err)
		p.reset()
	}
}

func (p *Publisher) acquire() *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client
	}
	opts, err := redis.ParseURL(p.url)
	if err != nil {
		p.logger.Warn("invalid redis url, stream disabled", "err", err)
		return nil
	}
	p.client = redis.NewClient(opts)
	return p.client
}

func (p *Publisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}

// Close releases the Redis connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.reset()
}
