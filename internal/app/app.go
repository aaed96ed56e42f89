// Package app wires the bot: config, logging, transport, storage, the
// contact services and the plugins, and runs them under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/config"
	"github.com/WaterInk0101/proactive-private-chat/internal/directory"
	"github.com/WaterInk0101/proactive-private-chat/internal/eventbus"
	"github.com/WaterInk0101/proactive-private-chat/internal/metrics"
	"github.com/WaterInk0101/proactive-private-chat/internal/notifier"
	"github.com/WaterInk0101/proactive-private-chat/internal/observability/ops"
	"github.com/WaterInk0101/proactive-private-chat/internal/plugin"
	rtsup "github.com/WaterInk0101/proactive-private-chat/internal/runtime/supervisor"
	"github.com/WaterInk0101/proactive-private-chat/internal/storage"
	"github.com/WaterInk0101/proactive-private-chat/internal/task/scheduler"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	telegram "github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/adapter"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/router"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

const (
	auditPruneJob  = "app:audit.prune"
	directoryFlush = 5 * time.Second
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter   transport.Adapter
	dir       *directory.Directory
	messenger *notifier.Messenger
	sched     *scheduler.Service
	metrics   *metrics.Metrics
	ops       *ops.Service

	cmdm *router.CommandManager
	pm   *plugin.Manager

	updates chan transport.Update
	started time.Time
}

// New loads the config and builds every component without starting any
// goroutines. ctx bounds storage setup only.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorage(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(ctx, sc, log)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// A nil interface, not a typed nil, when storage is off.
	var dirStore directory.Store
	if store != nil {
		dirStore = store
	}
	dir := directory.New(dirStore, bus, log)

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	messenger := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")))
	logSvc.SetReporter(messenger)

	sched := scheduler.New(mapScheduler(cfg), log.With(logx.String("comp", "scheduler")))
	met := metrics.New(log.With(logx.String("comp", "metrics")), bus.Dropped)

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, router.Options{
		Workers:   cfg.Telegram.Workers,
		QueueSize: cfg.Telegram.QueueSize,
	})
	cmdm.Observe(dir.Observe)

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		dir:       dir,
		messenger: messenger,
		sched:     sched,
		metrics:   met,
		cmdm:      cmdm,
		updates:   make(chan transport.Update, 256),
	}

	owners := append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	a.pm = plugin.NewManager(log.With(logx.String("comp", "plugins")), cfgm, plugin.Deps{
		Logger:    log,
		Adapter:   ad,
		Scheduler: sched,
		Bus:       bus,
		Store:     store,
		Owners:    func() []int64 { return owners },
		Messenger: messenger,
		Directory: dir,
	}, cmdm)
	a.ops = ops.New(mapOps(cfg), met.Handler(), a.health, log)
	return a, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.pm.ValidateConfig)

	// Plugin config is checked before anything talks to Telegram.
	if err := a.pm.ValidateConfig(ctx, a.cfgm.Get()); err != nil {
		return err
	}

	if err := a.dir.Load(ctx); err != nil {
		return err
	}
	a.sup.GoRestart("directory.flush", func(c context.Context) error {
		return a.dir.Run(c, directoryFlush)
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	// Start even when disabled so a later reload can enable triggering.
	a.sched.Start(run)
	a.scheduleAuditPrune(a.cfgm.Get())

	a.sup.GoRestart("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.ops.Start(run)

	if err := a.pm.StartAll(run); err != nil {
		// One failed plugin does not stop the bot; it is quarantined and
		// visible on /healthz.
		a.log.Warn("some plugins failed to start", logx.Err(err))
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("owners", len(a.cfgm.Get().Telegram.OwnerUserIDs)),
		logx.Int("users", a.dir.Len()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// scheduleAuditPrune keeps the audit trail within storage.audit_retention.
func (a *App) scheduleAuditPrune(cfg *config.Config) {
	keep := auditRetention(cfg)
	if a.store == nil || keep <= 0 {
		a.sched.Remove(auditPruneJob)
		return
	}
	err := a.sched.AddSchedule(auditPruneJob, auditPruneSchedule, time.Minute, func(ctx context.Context) error {
		n, err := a.store.PruneAudit(ctx, time.Now().Add(-keep))
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("audit pruned", logx.Int64("rows", n), logx.Duration("retention", keep))
		}
		return nil
	})
	if err != nil {
		a.log.Warn("audit prune not scheduled", logx.Err(err))
	}
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("directory", time.Second, a.dir.Flush)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
