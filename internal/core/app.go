// Package core wires the daemon together: config, logging, storage, the
// backup scheduler, retention sweeps, and the alert notifier.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"opsdash/internal/backup"
	"opsdash/internal/config"
	"opsdash/internal/eventbus"
	"opsdash/internal/housekeeping"
	"opsdash/internal/notifier"
	"opsdash/internal/schedule"
	"opsdash/internal/storage"
	logx "opsdash/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	engine *schedule.Engine
	keeper *housekeeping.Service
	alerts *notifier.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

// Engine exposes the scheduler's read/control surface (snapshot, trigger,
// set-interval) to the embedding dashboard. Nil until Start.
func (a *App) Engine() *schedule.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	lockTimeout, err := config.ParseDurationOrDefault("backup.lock_timeout", cfg.Backup.LockTimeout, 10*time.Second)
	if err != nil {
		return err
	}

	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return err
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
	}

	a.bus = eventbus.New()

	runner := backup.NewClient(cfg.Backup.OutputDir, 0, a.log.With(logx.String("comp", "backup")))
	a.engine = schedule.NewEngine(schedule.EngineOptions{
		StatePath:   cfg.Backup.StatePath,
		LockTimeout: lockTimeout,
		Targets:     cfg.Backup.Targets,
	}, runner.Run, a.bus, a.store, a.log.With(logx.String("comp", "scheduler")))
	a.engine.Start()

	if cfg.Retention != nil && cfg.Retention.Enabled {
		maxAge, err := config.ParseDurationField("retention.max_age", cfg.Retention.MaxAge)
		if err != nil {
			return err
		}
		a.keeper = housekeeping.New(housekeeping.Config{
			Spec:   cfg.Retention.Spec,
			MaxAge: maxAge,
			Dir:    cfg.Backup.OutputDir,
		}, a.bus, a.log.With(logx.String("comp", "housekeeping")))
		if err := a.keeper.Start(); err != nil {
			return err
		}
	}

	if cfg.Alerts != nil && cfg.Alerts.Enabled {
		tg, err := notifier.NewTelegram(cfg.Alerts.Token, cfg.Alerts.ChatID)
		if err != nil {
			return err
		}
		window, err := config.ParseDurationOrDefault("alerts.dedup_window", cfg.Alerts.DedupWindow, time.Hour)
		if err != nil {
			return err
		}
		a.alerts = notifier.New(notifier.Config{
			RatePerSec:  cfg.Alerts.RatePerSec,
			DedupWindow: window,
		}, tg, a.store, a.log.With(logx.String("comp", "alerts")))
		a.alerts.Start(a.bus)
	}

	// Hot reload: the watcher republishes committed configs; we apply logging
	// changes live and hand the scheduler its new target set (a wake signal,
	// not a restart).
	wctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	sub := a.cfgMgr.Subscribe(2)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-wctx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(next)
			}
		}
	}()

	// Readiness for systemd deployments; harmless elsewhere.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("opsdash started",
		logx.Int("targets", len(cfg.Backup.Targets)),
		logx.String("state_path", cfg.Backup.StatePath))
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.engine.Reconfigure(cfg.Backup.Targets)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied})
	a.log.Info("config applied", logx.Int("targets", len(cfg.Backup.Targets)))
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.engine != nil {
		a.engine.Stop(ctx)
	}
	if a.keeper != nil {
		a.keeper.Stop(ctx)
	}
	if a.alerts != nil {
		a.alerts.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logSvc.Close()
	return nil
}
