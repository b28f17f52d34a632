// Agent Arena — an autonomous-agent survival economy built on prediction
// markets and a hash-chained ledger.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/tick.go       — the tick: solvency gate, strategy chain, entropy fee, one tx per tick
//	engine/entropy.go    — progressive time tax from the agent's idle streak
//	scheduler/daemon.go  — fleet sweep at tick rate + cron'd market maker and resolution cycles
//	market/maker.go      — restocks the board from Wikipedia, GitHub, Open-Meteo and RSS
//	market/resolution.go — instant research settlement + deferred event-market settlement
//	llm/                 — provider gateway (mock / OpenAI-compatible), guardrails, decision client
//	feeds/               — rate-limited upstream clients, including the paid knowledge lookup
//	stream/              — best-effort Redis pub/sub fan-out for spectators
//	obs/                 — per-tick metrics collector carried through the context
//	store/               — sqlite/postgres persistence: agents, hash-chained ledger, markets, metrics
//
// How agents survive:
//
//	Every tick costs an entropy fee that grows with consecutive idle ticks.
//	Agents earn by answering research markets (bounty on a correct answer)
//	and betting on event markets resolved against real-world feeds. An agent
//	that cannot cover its fee is liquidated — or, in observe mode, the
//	liquidation is recorded as a phantom while the balance is left alone.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"agent-arena/internal/config"
	"agent-arena/internal/engine"
	"agent-arena/internal/feeds"
	"agent-arena/internal/llm"
	"agent-arena/internal/market"
	"agent-arena/internal/scheduler"
	"agent-arena/internal/store"
	"agent-arena/internal/stream"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARENA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Database.URL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bootstrap(ctx, st, cfg, logger); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	provider, err := llm.New(cfg.LLM)
	if err != nil {
		logger.Error("failed to build llm provider", "error", err)
		os.Exit(1)
	}
	client := llm.NewClient(provider, llm.PricingFromConfig(cfg.LLM), logger)
	ingestor := feeds.NewIngestor(logger)
	publisher := stream.NewPublisher(cfg.Redis.URL, logger)
	defer publisher.Close()

	svc := market.NewService(st, ingestor, cfg.Research, logger)
	maker := market.NewMaker(st, ingestor, cfg.Markets, cfg.Research, logger)
	eng := engine.New(st, svc, client, ingestor, publisher, cfg, leaseClient(cfg.Redis.URL, logger), logger)
	daemon := scheduler.New(st, eng, maker, svc, cfg.Scheduler, logger)

	logger.Info("agent arena started",
		"mode", cfg.EnforcementMode,
		"tick_rate_s", cfg.Scheduler.TickRate,
		"llm_provider", cfg.LLM.Provider,
		"min_open_markets", cfg.Markets.MinOpen,
	)
	if cfg.EnforcementMode == "observe" {
		logger.Warn("OBSERVE MODE — entropy fees and liquidations are phantom only")
	}

	if err := daemon.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("scheduler stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// bootstrap seeds an empty economy with the genesis agent and audits every
// existing chain before the first tick.
func bootstrap(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) error {
	n, err := st.CountAgents(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		agent, err := st.Genesis(ctx, cfg.Genesis.Handle, "", decimal.NewFromFloat(cfg.Genesis.Grant))
		if err != nil {
			return err
		}
		logger.Info("genesis agent created", "handle", agent.Handle, "grant", agent.Balance.StringFixed(2))
		return nil
	}

	agents, err := st.ListAlive(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if err := st.VerifyChain(ctx, agent.ID); err != nil {
			logger.Warn("ledger chain failed verification", "agent", agent.Handle, "err", err)
		}
	}
	logger.Info("store ready", "agents", n)
	return nil
}

// leaseClient builds the optional Redis client for the cross-node tick
// lease. Returns nil when Redis is not configured; the lease is advisory.
func leaseClient(url string, logger *slog.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid redis url, tick lease disabled", "err", err)
		return nil
	}
	return redis.NewClient(opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
