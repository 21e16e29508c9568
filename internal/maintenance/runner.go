// Package maintenance runs the background housekeeping jobs: attachment
// sweeping and terminal-task pruning.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"dripbot/internal/eventbus"
	rtsup "dripbot/internal/runtime/supervisor"
	logx "dripbot/pkg/logx"
)

// Store is the task-store slice maintenance needs.
type Store interface {
	ActiveAttachmentIDs(ctx context.Context) (map[string]struct{}, error)
	PruneTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper deletes stale unpinned attachments.
type Sweeper interface {
	Sweep(ctx context.Context, ttl time.Duration, pinned map[string]struct{}) (int, error)
}

type Config struct {
	// SweepSpec and PruneSpec are cron expressions ("@every 1h" style).
	SweepSpec string
	PruneSpec string
	// AttachmentTTL is how long unreferenced attachments live.
	AttachmentTTL time.Duration
	// TaskRetention is how long terminal tasks stay queryable.
	TaskRetention time.Duration
	// JobTimeout bounds one job run.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 1h"
	}
	if c.PruneSpec == "" {
		c.PruneSpec = "@every 6h"
	}
	if c.AttachmentTTL <= 0 {
		c.AttachmentTTL = 7 * 24 * time.Hour
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = 30 * 24 * time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

type Runner struct {
	cfg     Config
	store   Store
	sweeper Sweeper
	bus     eventbus.Bus
	log     logx.Logger
	cron    *cron.Cron
}

func New(cfg Config, store Store, sweeper Sweeper, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg.withDefaults(), store: store, sweeper: sweeper, bus: bus, log: log}
}

// Start registers the jobs and launches the cron scheduler under sup.
func (r *Runner) Start(sup *rtsup.Supervisor) error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.SweepSpec, func() { r.runSweep(sup.Context()) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(r.cfg.PruneSpec, func() { r.runPrune(sup.Context()) }); err != nil {
		return err
	}
	r.cron = c

	sup.Go0("maintenance.cron", func(ctx context.Context) {
		c.Start()
		<-ctx.Done()
		stopped := c.Stop()
		<-stopped.Done()
	})
	return nil
}

// RunSweepNow triggers one sweep outside the schedule (used at startup so a
// long-dead process does not wait an hour to reclaim disk).
func (r *Runner) RunSweepNow(ctx context.Context) {
	r.runSweep(ctx)
}

func (r *Runner) runSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	pinned, err := r.store.ActiveAttachmentIDs(ctx)
	if err != nil {
		r.log.Error("attachment sweep: pin query failed", logx.Err(err))
		return
	}
	removed, err := r.sweeper.Sweep(ctx, r.cfg.AttachmentTTL, pinned)
	if err != nil {
		r.log.Error("attachment sweep failed", logx.Err(err))
		return
	}
	if removed > 0 {
		r.log.Info("attachment sweep finished",
			logx.Int("removed", removed), logx.Int("pinned", len(pinned)))
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.SweepFinished, Time: time.Now(), Data: removed})
	}
}

func (r *Runner) runPrune(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	n, err := r.store.PruneTerminal(ctx, time.Now().Add(-r.cfg.TaskRetention))
	if err != nil {
		r.log.Error("terminal task prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("terminal tasks pruned", logx.Int("rows", n))
	}
}
