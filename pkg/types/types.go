// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arena — agents, ledger
// entries, prediction markets, and observability records. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentAlive AgentStatus = "ALIVE"
	AgentDead  AgentStatus = "DEAD" // terminal; only an operator REVIVE returns the agent to ALIVE
)

// EntryKind enumerates the ledger transaction types.
type EntryKind string

const (
	KindGrant             EntryKind = "GRANT"               // initial funding at genesis
	KindWager             EntryKind = "WAGER"               // single-wager fallback (fee bundled in enforce mode)
	KindMarketStake       EntryKind = "MARKET_STAKE"        // stake leaving the agent into a market
	KindResearchPayout    EntryKind = "RESEARCH_PAYOUT"     // bounty + stake returned on a market win
	KindResearchLookupFee EntryKind = "RESEARCH_LOOKUP_FEE" // surcharge for an external knowledge lookup
	KindHeartbeat         EntryKind = "HEARTBEAT"           // entropy fee for a tick with no other charge
	KindLiquidation       EntryKind = "LIQUIDATION"         // final entry draining the balance to zero
	KindRevive            EntryKind = "REVIVE"              // operator grant bringing a DEAD agent back
)

// TickOutcome is what a single tick of the engine produced for one agent.
type TickOutcome string

const (
	OutcomeResearch            TickOutcome = "RESEARCH"
	OutcomePortfolio           TickOutcome = "PORTFOLIO"
	OutcomeWager               TickOutcome = "WAGER"
	OutcomeHeartbeat           TickOutcome = "HEARTBEAT"
	OutcomeLiquidation         TickOutcome = "LIQUIDATION"
	OutcomeLiquidationObserved TickOutcome = "LIQUIDATION_OBSERVED" // observe mode: phantom only, no ledger write
)

// EnforcementMode controls whether the economy has real consequences.
// In "observe" (the default) entropy fees and liquidations are recorded as
// phantom metrics only; in "enforce" they hit the ledger.
type EnforcementMode string

const (
	ModeObserve EnforcementMode = "observe"
	ModeEnforce EnforcementMode = "enforce"
)

// SourceKind identifies the external data source a market resolves against.
type SourceKind string

const (
	SourceResearch SourceKind = "RESEARCH" // knowledge market, instant hash-commit resolution
	SourceWeather  SourceKind = "WEATHER"  // Open-Meteo temperature at deadline
	SourceGitHub   SourceKind = "GITHUB"   // merged-PR velocity at deadline
	SourceNews     SourceKind = "NEWS"     // RSS headline keyword at deadline
)

// MarketStatus is the market lifecycle state.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "OPEN"
	MarketLocked   MarketStatus = "LOCKED" // mid-resolution window
	MarketResolved MarketStatus = "RESOLVED"
)

// PredictionStatus tracks a stake's settlement. Transitions are one-way:
// PENDING -> WIN or PENDING -> LOSS, never back.
type PredictionStatus string

const (
	PredictionPending PredictionStatus = "PENDING"
	PredictionWin     PredictionStatus = "WIN"
	PredictionLoss    PredictionStatus = "LOSS"
)

// ————————————————————————————————————————————————————————————————————————
// Entities
// ————————————————————————————————————————————————————————————————————————

// Agent is an autonomous actor with a financial position in the ledger.
// Balance is a denormalized cache reconciled to the chain sum after every
// tick; financial decisions must use the chain sum, never this field.
type Agent struct {
	ID           string
	Handle       string
	Status       AgentStatus
	Balance      decimal.Decimal
	Personality  string
	LastActionAt time.Time
	CreatedAt    time.Time
}

// LedgerEntry is one immutable link in an agent's hash chain.
// Sequence is strictly monotonic per agent starting at 1; PreviousDigest of
// the first entry is 64 zeros, of every later entry the digest of its
// predecessor.
type LedgerEntry struct {
	ID             int64
	AgentID        string
	Sequence       int64
	Amount         decimal.Decimal
	Kind           EntryKind
	Reference      string
	Timestamp      time.Time
	PreviousDigest string
	Digest         string
}

// Criteria is the per-source resolution schema stored on a market.
// Only the fields for the market's SourceKind are populated.
type Criteria struct {
	// RESEARCH: commit to the canonical answer, never the answer itself.
	AnswerHash string `json:"answer_hash,omitempty"`
	MatchType  string `json:"match_type,omitempty"` // "exact_string"
	Subject    string `json:"subject,omitempty"`    // lookup key for the tool gateway

	// GITHUB
	Repo string `json:"repo,omitempty"`

	// WEATHER
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	City      string  `json:"city,omitempty"`

	// NEWS
	FeedURL string `json:"feed_url,omitempty"`
	Keyword string `json:"keyword,omitempty"`

	// Deferred sources: metric compared against threshold at deadline.
	// Strict operators are strict — "gt" fails on equality.
	Metric         string   `json:"metric,omitempty"`
	Operator       string   `json:"operator,omitempty"` // gt, gte, lt, lte
	Threshold      float64  `json:"threshold,omitempty"`
	CurrentReading *float64 `json:"current_reading,omitempty"` // snapshot at creation time
}

// Market is one open question agents can stake on.
type Market struct {
	ID          string
	Description string
	Source      SourceKind
	Criteria    Criteria
	Status      MarketStatus
	Bounty      decimal.Decimal
	Deadline    time.Time
	Outcome     string // set when RESOLVED
	CreatedAt   time.Time
}

// Prediction is one agent's stake on a market. Stake is immutable;
// Status and Payout are set by the resolution engine.
type Prediction struct {
	ID          string
	MarketID    string
	AgentID     string
	OutcomeText string
	Stake       decimal.Decimal
	Status      PredictionStatus
	Payout      decimal.Decimal
	CreatedAt   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Observability
// ————————————————————————————————————————————————————————————————————————

// MetricsRecord is the observability snapshot for one tick of one agent.
// Written to the sidecar metrics table; never part of the hash chain.
type MetricsRecord struct {
	AgentID         string
	TickID          string
	Timestamp       time.Time
	EnforcementMode EnforcementMode
	Outcome         TickOutcome

	// Enforcement shadow (observe mode only): what enforce would have done.
	PhantomEntropyFee       decimal.Decimal
	WouldHaveBeenLiquidated bool

	BalanceSnapshot decimal.Decimal

	// Cost accounting across all LLM calls in the tick.
	TokenCostUSD     decimal.Decimal
	PromptTokens     int
	CompletionTokens int

	IdleStreak      int
	DecisionDensity float64

	// Arbitrary extension bag, serialized as JSON in the sink.
	Extra map[string]any
}
