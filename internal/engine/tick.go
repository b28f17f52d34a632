package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"agent-arena/internal/config"
	"agent-arena/internal/feeds"
	"agent-arena/internal/llm"
	"agent-arena/internal/market"
	"agent-arena/internal/obs"
	"agent-arena/internal/store"
	"agent-arena/internal/stream"
	"agent-arena/pkg/types"
)

// Strategist is the decision surface of the LLM gateway. *llm.Client is the
// production implementation; scenario tests script it.
type Strategist interface {
	DecideStrategy(ctx context.Context, agent *types.Agent, openMarkets int, balance decimal.Decimal) (llm.Action, error)
	AnswerResearch(ctx context.Context, agent *types.Agent, m *types.Market, toolResult string) (*llm.ResearchAnswer, error)
	PortfolioDecision(ctx context.Context, agent *types.Agent, markets []types.Market, balance decimal.Decimal, confidenceFloor float64, maxBets int) ([]llm.PortfolioBet, error)
	GenerateWager(ctx context.Context, agent *types.Agent, balance decimal.Decimal) (*llm.WagerIdea, error)
}

// Lookup is the paid knowledge tool. *feeds.Ingestor is the production
// implementation.
type Lookup interface {
	KnowledgeLookup(ctx context.Context, title string) (*feeds.Article, error)
}

// Engine runs ticks. Safe for concurrent use across agents; per-agent
// serialization is a mutex table backed by the ledger's unique sequence
// constraint, plus an advisory Redis lease when multiple nodes share a
// database.
type Engine struct {
	store      *store.Store
	markets    *market.Service
	strategist Strategist
	lookup     Lookup
	publisher  *stream.Publisher
	cfg        *config.Config
	mode       types.EnforcementMode
	logger     *slog.Logger
	redis      *redis.Client

	locks sync.Map // agent id -> *sync.Mutex
}

// New builds the engine. redisClient may be nil for single-node deployments.
func New(s *store.Store, markets *market.Service, strategist Strategist, lookup Lookup, publisher *stream.Publisher, cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) *Engine {
	return &Engine{
		store:      s,
		markets:    markets,
		strategist: strategist,
		lookup:     lookup,
		publisher:  publisher,
		cfg:        cfg,
		mode:       types.EnforcementMode(cfg.EnforcementMode),
		logger:     logger,
		redis:      redisClient,
	}
}

// Mode reports the enforcement mode the engine runs under.
func (e *Engine) Mode() types.EnforcementMode { return e.mode }

func (e *Engine) lockFor(agentID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(agentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// acquireLease takes the cross-node tick lease. Advisory only: a Redis
// failure lets the tick proceed, the sequence constraint still protects the
// chain.
func (e *Engine) acquireLease(ctx context.Context, agentID string) (held bool, release func()) {
	if e.redis == nil {
		return true, func() {}
	}
	key := "arena:tick:lease:" + agentID
	ttl := time.Duration(e.cfg.Scheduler.TickRate) * time.Second
	ok, err := e.redis.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		e.logger.Debug("tick lease unavailable, proceeding", "agent", agentID, "err", err)
		return true, func() {}
	}
	if !ok {
		return false, func() {}
	}
	return true, func() { e.redis.Del(context.Background(), key) }
}

// errorName classifies a tick failure for the boundary reference and the
// metrics row.
func errorName(err error) string {
	switch {
	case errors.Is(err, store.ErrSequenceConflict):
		return "SequenceConflict"
	case errors.Is(err, store.ErrMarketNotFound):
		return "MarketNotFound"
	case errors.Is(err, store.ErrMarketClosed):
		return "MarketClosed"
	default:
		return "TickError"
	}
}

// ExecuteTick runs one agent invocation end to end. Exactly one transaction
// commits per tick; any mid-tick failure rolls everything back and the error
// boundary settles the agent's obligation in a fresh transaction.
func (e *Engine) ExecuteTick(ctx context.Context, agentID string) (types.TickOutcome, error) {
	c := obs.FromContext(ctx)
	if c == nil {
		c = obs.NewCollector(agentID, uuid.NewString(), e.mode)
		ctx = obs.WithCollector(ctx, c)
	}
	tickID := c.TickID()

	mu := e.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	held, release := e.acquireLease(ctx, agentID)
	if !held {
		c.SetExtra("skipped", "lease_held")
		return types.OutcomeHeartbeat, nil
	}
	defer release()

	outcome, err := e.runTick(ctx, c, agentID, tickID)
	if err != nil {
		return e.recoverTick(ctx, c, agentID, tickID, err)
	}
	return outcome, nil
}

func (e *Engine) runTick(ctx context.Context, c *obs.Collector, agentID, tickID string) (types.TickOutcome, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return types.OutcomeHeartbeat, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	agent, err := e.store.GetAgent(ctx, tx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			c.SetExtra("skipped", "agent_absent")
			return types.OutcomeHeartbeat, nil
		}
		return types.OutcomeHeartbeat, err
	}
	if agent.Status == types.AgentDead {
		c.SetExtra("skipped", "agent_dead")
		return types.OutcomeHeartbeat, nil
	}

	idle, err := e.store.IdleStreak(ctx, tx, agentID)
	if err != nil {
		return types.OutcomeHeartbeat, err
	}
	c.SetIdleStreak(idle)
	fee := EntropyFee(e.cfg.Entropy, idle)

	start, err := e.store.ChainSum(ctx, tx, agentID)
	if err != nil {
		return types.OutcomeHeartbeat, err
	}

	// Solvency gate. Equality survives: an agent holding exactly the fee
	// pays it and hits zero.
	if start.LessThan(fee) {
		return e.liquidate(ctx, c, tx, agent, start, fee, tickID, &committed)
	}

	outcome, feeCharged, err := e.act(ctx, tx, c, agent, start, fee, tickID)
	if err != nil {
		return outcome, err
	}

	if e.mode == types.ModeEnforce && !feeCharged {
		if _, err := e.store.Append(ctx, tx, store.AppendInput{
			AgentID:   agentID,
			Amount:    fee.Neg(),
			Kind:      types.KindHeartbeat,
			Reference: "TICK:" + tickID,
		}); err != nil {
			return outcome, err
		}
	}
	if e.mode == types.ModeObserve {
		c.RecordPhantomEnforcement(fee, false)
	}

	final, err := e.store.ChainSum(ctx, tx, agentID)
	if err != nil {
		return outcome, err
	}
	if err := e.store.UpdateAgentAfterTick(ctx, tx, agentID, final); err != nil {
		return outcome, err
	}
	c.SetOutcome(outcome, final)
	if outcome == types.OutcomeResearch || outcome == types.OutcomePortfolio || outcome == types.OutcomeWager {
		c.SetDecisionDensity(1)
	}

	rec := c.Snapshot()
	if err := e.store.InsertMetrics(ctx, tx, &rec); err != nil {
		e.logger.Warn("metrics insert failed", "agent", agentID, "err", err)
	}
	if err := tx.Commit(); err != nil {
		return outcome, err
	}
	committed = true

	e.publisher.Publish(ctx, outcome, agentID, final.Sub(start))
	e.logger.Info("TICK",
		"agent", agent.Handle, "outcome", outcome,
		"balance", final.StringFixed(2), "fee", fee.StringFixed(2), "idle", idle)
	return outcome, nil
}

// liquidate handles the insolvency branch. Enforce drains the chain and
// marks the agent DEAD; observe rolls the transaction back and records what
// would have happened.
func (e *Engine) liquidate(ctx context.Context, c *obs.Collector, tx *sqlx.Tx, agent *types.Agent, balance, fee decimal.Decimal, tickID string, committed *bool) (types.TickOutcome, error) {
	if e.mode == types.ModeObserve {
		tx.Rollback()
		*committed = true // nothing further to roll back
		c.RecordPhantomEnforcement(fee, true)
		c.SetOutcome(types.OutcomeLiquidationObserved, balance)
		c.SetExtra("enforcement_noop", true)
		rec := c.Snapshot()
		if err := e.store.InsertMetrics(ctx, e.store.DB(), &rec); err != nil {
			e.logger.Warn("phantom metrics insert failed", "agent", agent.ID, "err", err)
		}
		e.publisher.Publish(ctx, types.OutcomeLiquidationObserved, agent.ID, decimal.Zero)
		e.logger.Info("TICK", "agent", agent.Handle, "outcome", types.OutcomeLiquidationObserved,
			"balance", balance.StringFixed(2), "fee", fee.StringFixed(2))
		return types.OutcomeLiquidationObserved, nil
	}

	if _, err := e.store.Append(ctx, tx, store.AppendInput{
		AgentID:   agent.ID,
		Amount:    balance.Neg(),
		Kind:      types.KindLiquidation,
		Reference: "TICK:" + tickID,
	}); err != nil {
		return types.OutcomeLiquidation, err
	}
	if err := e.store.SetAgentStatus(ctx, tx, agent.ID, types.AgentDead); err != nil {
		return types.OutcomeLiquidation, err
	}
	if err := e.store.UpdateAgentAfterTick(ctx, tx, agent.ID, decimal.Zero); err != nil {
		return types.OutcomeLiquidation, err
	}
	c.SetOutcome(types.OutcomeLiquidation, decimal.Zero)
	rec := c.Snapshot()
	if err := e.store.InsertMetrics(ctx, tx, &rec); err != nil {
		e.logger.Warn("metrics insert failed", "agent", agent.ID, "err", err)
	}
	if err := tx.Commit(); err != nil {
		return types.OutcomeLiquidation, err
	}
	*committed = true
	e.publisher.Publish(ctx, types.OutcomeLiquidation, agent.ID, balance.Neg())
	e.logger.Info("TICK", "agent", agent.Handle, "outcome", types.OutcomeLiquidation,
		"drained", balance.StringFixed(2))
	return types.OutcomeLiquidation, nil
}

// act walks the strategy degradation chain:
// RESEARCH -> PORTFOLIO -> WAGER -> WAIT. Each stage that cannot proceed
// falls through to the next; the returned bool reports whether the entropy
// fee was bundled into a WAGER entry.
func (e *Engine) act(ctx context.Context, tx *sqlx.Tx, c *obs.Collector, agent *types.Agent, balance, fee decimal.Decimal, tickID string) (types.TickOutcome, bool, error) {
	open, err := e.store.ListActiveForAgent(ctx, tx, agent.ID, 10)
	if err != nil {
		return types.OutcomeHeartbeat, false, err
	}

	action, err := e.strategist.DecideStrategy(ctx, agent, len(open), balance)
	if err != nil {
		action = llm.ActionResearch
	}
	c.SetExtra("strategy", string(action))

	tryResearch := action == llm.ActionResearch
	tryPortfolio := tryResearch || action == llm.ActionPortfolio
	tryWager := tryPortfolio || action == llm.ActionWager

	if tryResearch {
		done, err := e.attemptResearch(ctx, tx, agent, open, tickID)
		if err != nil {
			return types.OutcomeResearch, false, err
		}
		if done {
			return types.OutcomeResearch, false, nil
		}
	}
	if tryPortfolio {
		done, err := e.attemptPortfolio(ctx, tx, agent, open, balance, tickID)
		if err != nil {
			return types.OutcomePortfolio, false, err
		}
		if done {
			return types.OutcomePortfolio, false, nil
		}
	}
	if tryWager {
		done, feeCharged, err := e.attemptWager(ctx, tx, agent, balance, fee, tickID)
		if err != nil {
			return types.OutcomeWager, false, err
		}
		if done {
			return types.OutcomeWager, feeCharged, nil
		}
	}
	return types.OutcomeHeartbeat, false, nil
}

// attemptResearch answers the first open research market. Below the
// confidence threshold the agent pays for a knowledge lookup and answers
// again with the tool's finding.
func (e *Engine) attemptResearch(ctx context.Context, tx *sqlx.Tx, agent *types.Agent, open []types.Market, tickID string) (bool, error) {
	var target *types.Market
	for i := range open {
		if open[i].Source == types.SourceResearch {
			target = &open[i]
			break
		}
	}
	if target == nil {
		return false, nil
	}

	ans, err := e.strategist.AnswerResearch(ctx, agent, target, "")
	if err != nil {
		return false, nil
	}

	lookupUsed := false
	if ans.Confidence < e.cfg.Research.LookupThreshold && e.lookup != nil && target.Criteria.Subject != "" {
		art, lookupErr := e.lookup.KnowledgeLookup(ctx, target.Criteria.Subject)
		if lookupErr == nil && art != nil {
			lookupUsed = true
			if better, err := e.strategist.AnswerResearch(ctx, agent, target, strconv.FormatInt(art.ID, 10)); err == nil {
				ans = better
			}
		}
	}

	_, result, err := e.markets.SubmitResearchAnswer(ctx, tx, agent.ID, target.ID, ans.Answer, tickID)
	if err != nil {
		return false, err
	}
	// The lookup surcharge lands after the stake on the chain; the lookup
	// was consumed either way, so it is charged even when the market closed
	// under the agent.
	if lookupUsed {
		if _, err := e.store.Append(ctx, tx, store.AppendInput{
			AgentID:   agent.ID,
			Amount:    decimal.NewFromFloat(e.cfg.Research.LookupFee).Neg(),
			Kind:      types.KindResearchLookupFee,
			Reference: fmt.Sprintf("TICK:%s:LOOKUP:%s", tickID, target.ID),
		}); err != nil {
			return false, err
		}
	}
	if result == market.ResultClosed {
		return false, nil
	}
	return true, nil
}

// attemptPortfolio spreads stakes across open event markets. Per-bet stake
// is balance * confidence * coefficient; the tick aggregate is capped at a
// fraction of balance and bets that would breach it are dropped in order.
func (e *Engine) attemptPortfolio(ctx context.Context, tx *sqlx.Tx, agent *types.Agent, open []types.Market, balance decimal.Decimal, tickID string) (bool, error) {
	var events []types.Market
	for _, m := range open {
		if m.Source != types.SourceResearch {
			events = append(events, m)
		}
	}
	if len(events) == 0 {
		return false, nil
	}

	bets, err := e.strategist.PortfolioDecision(ctx, agent, events, balance,
		e.cfg.Portfolio.ConfidenceFloor, e.cfg.Portfolio.MaxBets)
	if err != nil || len(bets) == 0 {
		return false, nil
	}

	coeff := decimal.NewFromFloat(e.cfg.Portfolio.StakeCoeff)
	budget := balance.Mul(decimal.NewFromFloat(e.cfg.Portfolio.AggregateCap))
	placed := 0
	spent := decimal.Zero
	for _, bet := range bets {
		stake := balance.Mul(decimal.NewFromFloat(bet.Confidence)).Mul(coeff).Round(8)
		if stake.Sign() <= 0 {
			continue
		}
		if spent.Add(stake).GreaterThan(budget) {
			continue
		}
		if _, err := e.markets.PlaceBet(ctx, tx, agent.ID, bet.MarketID, bet.Outcome, stake, tickID); err != nil {
			return false, err
		}
		spent = spent.Add(stake)
		placed++
	}
	return placed > 0, nil
}

// attemptWager is the last productive resort: a standalone claim recorded
// straight on the ledger. The wager is only feasible when the balance covers
// the entropy fee plus the wager floor, and the per-tick cap leaves room for
// a floor-sized wager; otherwise the tick falls through to a heartbeat. In
// enforce mode the entropy fee rides along in the same entry, satisfying
// Write-or-Die with a single write.
func (e *Engine) attemptWager(ctx context.Context, tx *sqlx.Tx, agent *types.Agent, balance, fee decimal.Decimal, tickID string) (bool, bool, error) {
	floor := decimal.NewFromFloat(e.cfg.Wager.Floor)
	if balance.LessThan(fee.Add(floor)) {
		return false, false, nil
	}
	limit := balance.Mul(decimal.NewFromFloat(e.cfg.Wager.CapFraction))
	if limit.LessThan(floor) {
		return false, false, nil
	}

	idea, err := e.strategist.GenerateWager(ctx, agent, balance)
	if err != nil {
		return false, false, nil
	}

	amount := idea.Amount
	if amount.GreaterThan(limit) {
		amount = limit
	}
	if amount.LessThan(floor) {
		amount = floor
	}
	// Lower-only clamps; the cap is never exceeded.
	if e.mode == types.ModeEnforce {
		if affordable := balance.Sub(fee); amount.GreaterThan(affordable) {
			amount = affordable
		}
	} else if amount.GreaterThan(balance) {
		amount = balance
	}
	if amount.Sign() <= 0 {
		return false, false, nil
	}

	charge := amount
	feeCharged := false
	if e.mode == types.ModeEnforce {
		charge = amount.Add(fee)
		feeCharged = true
	}
	if _, err := e.store.Append(ctx, tx, store.AppendInput{
		AgentID:   agent.ID,
		Amount:    charge.Neg(),
		Kind:      types.KindWager,
		Reference: fmt.Sprintf("TICK:%s:WAGER", tickID),
	}); err != nil {
		return false, false, err
	}
	return true, feeCharged, nil
}

// recoverTick is the error boundary. The main transaction is already rolled
// back; in enforce mode the agent still owes the tick an entry, written in
// a fresh transaction with the failure class in the reference. Observe mode
// records the failure and touches nothing.
func (e *Engine) recoverTick(ctx context.Context, c *obs.Collector, agentID, tickID string, tickErr error) (types.TickOutcome, error) {
	name := errorName(tickErr)
	c.SetError(name)
	e.logger.Error("tick failed", "agent", agentID, "error_class", name, "err", tickErr)

	if e.mode == types.ModeObserve {
		c.SetOutcome(types.OutcomeHeartbeat, decimal.Zero)
		c.SetExtra("enforcement_noop", true)
		rec := c.Snapshot()
		if err := e.store.InsertMetrics(ctx, e.store.DB(), &rec); err != nil {
			e.logger.Warn("boundary metrics insert failed", "agent", agentID, "err", err)
		}
		return types.OutcomeHeartbeat, tickErr
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return types.OutcomeHeartbeat, errors.Join(tickErr, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	idle, err := e.store.IdleStreak(ctx, tx, agentID)
	if err != nil {
		return types.OutcomeHeartbeat, errors.Join(tickErr, err)
	}
	fee := EntropyFee(e.cfg.Entropy, idle)
	balance, err := e.store.ChainSum(ctx, tx, agentID)
	if err != nil {
		return types.OutcomeHeartbeat, errors.Join(tickErr, err)
	}

	reference := fmt.Sprintf("TICK:%s:ERROR:%s", tickID, name)
	outcome := types.OutcomeHeartbeat
	if balance.LessThan(fee) {
		outcome = types.OutcomeLiquidation
		if _, err := e.store.Append(ctx, tx, store.AppendInput{
			AgentID:   agentID,
			Amount:    balance.Neg(),
			Kind:      types.KindLiquidation,
			Reference: reference,
		}); err != nil {
			return outcome, errors.Join(tickErr, err)
		}
		if err := e.store.SetAgentStatus(ctx, tx, agentID, types.AgentDead); err != nil {
			return outcome, errors.Join(tickErr, err)
		}
		balance = decimal.Zero
	} else {
		if _, err := e.store.Append(ctx, tx, store.AppendInput{
			AgentID:   agentID,
			Amount:    fee.Neg(),
			Kind:      types.KindHeartbeat,
			Reference: reference,
		}); err != nil {
			return outcome, errors.Join(tickErr, err)
		}
		balance = balance.Sub(fee)
	}
	if err := e.store.UpdateAgentAfterTick(ctx, tx, agentID, balance); err != nil {
		return outcome, errors.Join(tickErr, err)
	}
	c.SetOutcome(outcome, balance)
	rec := c.Snapshot()
	if err := e.store.InsertMetrics(ctx, tx, &rec); err != nil {
		e.logger.Warn("boundary metrics insert failed", "agent", agentID, "err", err)
	}
	if err := tx.Commit(); err != nil {
		return outcome, errors.Join(tickErr, err)
	}
	committed = true
	e.publisher.Publish(ctx, outcome, agentID, decimal.Zero)
	return outcome, tickErr
}
