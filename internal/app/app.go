// Package app assembles the scheduler daemon: config, logging, storage,
// transport pool, sender, dispatcher, notifier, and maintenance.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"dripbot/internal/attach"
	"dripbot/internal/config"
	"dripbot/internal/delivery"
	"dripbot/internal/dispatch"
	"dripbot/internal/eventbus"
	"dripbot/internal/maintenance"
	"dripbot/internal/notify"
	rtsup "dripbot/internal/runtime/supervisor"
	"dripbot/internal/task"
	"dripbot/internal/task/store"
	kit "dripbot/internal/transport"
	"dripbot/internal/transport/pool"
	"dripbot/internal/transport/telegram"
	logx "dripbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store       store.Store
	attachments *attach.Store
	pool        *pool.Pool
	sender      *delivery.Sender
	notifier    *notify.Service
	dispatcher  *dispatch.Service
	maint       *maintenance.Runner
	tasks       *task.Service

	releaseLogClient func()
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &App{cfgm: cfgm, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		a.teardown()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	account := cfg.Telegram.AccountName()
	bootLog := logx.NewConsole(cfg.Logging.Level)

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	idleTimeout, err := config.Duration("pool.idle_timeout", cfg.Pool.IdleTimeout, 0)
	if err != nil {
		return err
	}

	a.pool = pool.New(pool.Config{IdleTimeout: idleTimeout},
		func(ctx context.Context, name string) (kit.Client, error) {
			if name != account {
				return nil, fmt.Errorf("unknown transport account %q", name)
			}
			return telegram.New(telegram.Config{
				Token:       cfg.Telegram.Token,
				PollTimeout: pollTimeout,
			}, bootLog.With(logx.String("comp", "telegram")))
		}, bootLog)

	// The log relay borrows a client for the process lifetime; the ref
	// keeps idle eviction away from it.
	var logSink kit.Client
	if cfg.Logging.Relay.Enabled {
		client, release, err := a.pool.Acquire(context.Background(), account)
		if err != nil {
			return fmt.Errorf("log relay client: %w", err)
		}
		logSink = client
		a.releaseLogClient = release
	}

	a.logs, a.log = logx.New(logConfig(cfg), logSink)
	if cfg.Logging.Relay.Enabled {
		a.logs.SetTelegramTarget(cfg.Logging.Relay.ChatID, cfg.Logging.Relay.ThreadID)
	}
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	busyTimeout, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	a.store = st

	att, err := attach.New(attach.Config{
		Dir:          cfg.Attachments.Dir,
		MaxFileBytes: cfg.Attachments.MaxFileBytes,
		MaxTotal:     cfg.Attachments.MaxTotal,
	}, st, a.log.With(logx.String("comp", "attach")))
	if err != nil {
		return fmt.Errorf("open attachment store: %w", err)
	}
	a.attachments = att

	attemptTimeout, err := config.Duration("scheduler.attempt_timeout", cfg.Scheduler.AttemptTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	retryDelay, err := config.Duration("scheduler.retry_delay", cfg.Scheduler.RetryDelay, 15*time.Second)
	if err != nil {
		return err
	}
	a.sender = delivery.NewSender(delivery.Config{
		Account:        account,
		Rate:           rate.Limit(cfg.Scheduler.RatePerSec),
		Burst:          cfg.Scheduler.Burst,
		AttemptTimeout: attemptTimeout,
		RetryDelay:     retryDelay,
	}, a.pool, a.log.With(logx.String("comp", "sender")))

	a.notifier = notify.New(notify.Config{
		Enabled:    cfg.Notify.IsEnabled(),
		Account:    account,
		Workers:    cfg.Notify.Workers,
		QueueSize:  cfg.Notify.QueueSize,
		RatePerSec: cfg.Notify.RatePerSec,
	}, a.pool, st, a.log.With(logx.String("comp", "notify")))

	resync, err := config.Duration("scheduler.resync_interval", cfg.Scheduler.ResyncInterval, time.Minute)
	if err != nil {
		return err
	}
	horizon, err := config.Duration("scheduler.horizon", cfg.Scheduler.Horizon, 5*time.Minute)
	if err != nil {
		return err
	}
	storeBackoff, err := config.Duration("scheduler.store_retry_backoff", cfg.Scheduler.StoreRetryBackoff, 0)
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.New(dispatch.Config{
		Workers:           cfg.Scheduler.Workers,
		MaxRetries:        cfg.Scheduler.MaxRetries,
		ResyncInterval:    resync,
		Horizon:           horizon,
		StoreRetries:      cfg.Scheduler.StoreRetries,
		StoreRetryBackoff: storeBackoff,
	}, st, a.sender, att, a.notifier, a.bus, a.log.With(logx.String("comp", "dispatch")))

	limits, err := buildLimits(cfg.Limits)
	if err != nil {
		return err
	}
	a.tasks = task.NewService(st, att, a.dispatcher, a.bus, limits,
		a.log.With(logx.String("comp", "tasks")))

	attachTTL, err := config.Duration("attachments.ttl", cfg.Attachments.TTL, 7*24*time.Hour)
	if err != nil {
		return err
	}
	retention, err := config.Duration("maintenance.task_retention", cfg.Maintenance.TaskRetention, 30*24*time.Hour)
	if err != nil {
		return err
	}
	a.maint = maintenance.New(maintenance.Config{
		SweepSpec:     cfg.Maintenance.SweepSpec,
		PruneSpec:     cfg.Maintenance.PruneSpec,
		AttachmentTTL: attachTTL,
		TaskRetention: retention,
	}, st, att, a.bus, a.log.With(logx.String("comp", "maintenance")))

	return nil
}

// Tasks is the facade the command layer drives.
func (a *App) Tasks() *task.Service { return a.tasks }

// Bus exposes scheduler events to external subscribers.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	a.notifier.Start(a.sup.Context())

	// The dispatcher halts on persistent storage errors; the supervisor
	// records the error and cancels, and Wait surfaces it to main so the
	// process exits for systemd to restart.
	a.sup.Go("dispatch", a.dispatcher.Run)

	if err := a.maint.Start(a.sup); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	a.sup.Go0("maintenance.boot-sweep", func(ctx context.Context) {
		a.maint.RunSweepNow(ctx)
	})

	a.sup.Go0("config.watch", func(ctx context.Context) {
		_ = a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config.apply", a.applyLoop)

	a.log.Info("dripbot started")
	return nil
}

// Wait blocks until ctx is done or a supervised component fails, whichever
// comes first. A component failure returns the supervisor's first error so
// the caller can exit non-zero and let systemd restart the process.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.sup.Context().Done():
		return a.sup.Err()
	}
}

// applyLoop pushes committed config changes into the hot-swappable
// components (currently the logging service).
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logConfig(cfg))
			if cfg.Logging.Relay.Enabled {
				a.logs.SetTelegramTarget(cfg.Logging.Relay.ChatID, cfg.Logging.Relay.ThreadID)
			}
			a.log.Info("runtime config applied")
		}
	}
}

// Stop shuts the app down in dependency order: stop producing work, drain
// the queues, then close the stores.
func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.notifier.Stop(ctx)
	a.teardown()
	if a.log.IsZero() {
		return err
	}
	a.log.Info("dripbot stopped")
	return err
}

func (a *App) teardown() {
	if a.releaseLogClient != nil {
		a.releaseLogClient()
		a.releaseLogClient = nil
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Relay.Enabled,
			ThreadID:   cfg.Logging.Relay.ThreadID,
			RatePerSec: cfg.Logging.Relay.RatePerSec,
		},
	}
}

func buildLimits(lc config.LimitsConfig) (task.Limits, error) {
	def := task.DefaultLimits()
	minInterval, err := config.Duration("limits.min_interval", lc.MinInterval, def.MinInterval)
	if err != nil {
		return task.Limits{}, err
	}
	maxDuration, err := config.Duration("limits.max_duration", lc.MaxDuration, def.MaxDuration)
	if err != nil {
		return task.Limits{}, err
	}
	lim := task.Limits{
		MinInterval:         minInterval,
		MaxDuration:         maxDuration,
		MaxScheduledPerUser: lc.MaxScheduledPerUser,
		MaxRecurringPerUser: lc.MaxRecurringPerUser,
	}
	if lim.MaxScheduledPerUser <= 0 {
		lim.MaxScheduledPerUser = def.MaxScheduledPerUser
	}
	if lim.MaxRecurringPerUser <= 0 {
		lim.MaxRecurringPerUser = def.MaxRecurringPerUser
	}
	return lim, nil
}
