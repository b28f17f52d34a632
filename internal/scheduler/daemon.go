// Package scheduler drives the arena clock: a fleet sweep that ticks every
// living agent at the configured cadence, and a cron-scheduled market-maker
// cycle that restocks the board and settles due event markets.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"agent-arena/internal/config"
	"agent-arena/internal/engine"
	"agent-arena/internal/market"
	"agent-arena/internal/obs"
	"agent-arena/internal/store"
	"agent-arena/pkg/types"
)

// Daemon owns the periodic work. Construct with New, then Run blocks until
// the context is cancelled.
type Daemon struct {
	store   *store.Store
	engine  *engine.Engine
	maker   *market.Maker
	markets *market.Service
	cfg     config.SchedulerConfig
	logger  *slog.Logger
}

// New builds the daemon.
func New(s *store.Store, e *engine.Engine, mk *market.Maker, svc *market.Service, cfg config.SchedulerConfig, logger *slog.Logger) *Daemon {
	return &Daemon{store: s, engine: e, maker: mk, markets: svc, cfg: cfg, logger: logger}
}

// Run starts the market-maker cron and the tick loop, blocking until ctx is
// cancelled. The first maker cycle runs immediately so a fresh deployment
// has markets before the first sweep.
func (d *Daemon) Run(ctx context.Context) error {
	d.makerCycle(ctx)

	c := cron.New()
	spec := fmt.Sprintf("@every %ds", d.cfg.MarketMakerInterval)
	if _, err := c.AddFunc(spec, func() { d.makerCycle(ctx) }); err != nil {
		return fmt.Errorf("scheduler: register maker cron: %w", err)
	}
	c.Start()
	defer c.Stop()

	d.logger.Info("scheduler running",
		"tick_rate_s", d.cfg.TickRate,
		"maker_interval_s", d.cfg.MarketMakerInterval,
		"max_concurrent", d.cfg.MaxConcurrentTicks)

	for {
		if err := d.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("fleet sweep failed", "err", err)
		}
		// Sleep in one-second slices so shutdown is prompt even at slow
		// tick rates.
		for i := 0; i < d.cfg.TickRate; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// SweepOnce ticks every living agent, bounded by MaxConcurrentTicks. Tick
// errors are logged per agent and never abort the sweep.
func (d *Daemon) SweepOnce(ctx context.Context) error {
	agents, err := d.store.ListAlive(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list agents: %w", err)
	}
	if len(agents) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrentTicks)
	for _, agent := range agents {
		agentID := agent.ID
		g.Go(func() error {
			_, _, err := obs.Observe(gctx, agentID, d.engine.Mode(), d.logger,
				func(tctx context.Context) (types.TickOutcome, error) {
					return d.engine.ExecuteTick(tctx, agentID)
				})
			if err != nil {
				d.logger.Error("tick error", "agent", agentID, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Daemon) makerCycle(ctx context.Context) {
	if created, err := d.maker.EnsureOpenMarkets(ctx); err != nil {
		d.logger.Error("market maker cycle failed", "err", err)
	} else if created > 0 {
		d.logger.Info("markets restocked", "created", created)
	}
	if resolved, err := d.markets.ResolveDue(ctx, time.Now()); err != nil {
		d.logger.Error("resolution sweep failed", "err", err)
	} else if resolved > 0 {
		d.logger.Info("markets resolved", "count", resolved)
	}
}
