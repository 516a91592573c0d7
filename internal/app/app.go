// Package app wires configuration, logging and the startup orchestrator into
// the running service.
package app

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"oraclebot/internal/backup"
	"oraclebot/internal/bot"
	"oraclebot/internal/bot/webhook"
	"oraclebot/internal/config"
	"oraclebot/internal/observability/metrics"
	rtsup "oraclebot/internal/runtime/supervisor"
	"oraclebot/internal/storage"
	logx "oraclebot/pkg/logx"
	"oraclebot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	metrics *metrics.Metrics
	store   *storage.Store
	backups *backup.Manager
	sched   *backup.Scheduler
	notify  *systemd.Notifier
	orch    *Orchestrator

	sup *rtsup.Supervisor

	rtMu sync.Mutex
	rt   *bot.Runtime
}

// New loads the config at cfgPath and builds every component. Nothing is
// started until Run.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.Component("app"))
	cfgm.SetLogger(root.With(logx.Component("config")))

	for _, err := range PrepareDirs(cfg.Dirs()) {
		log.Warn("directory not prepared", logx.Err(err))
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	botCfg, err := mapBotConfig(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	store := storage.New(sc, root.With(logx.Component("storage")))
	backups := backup.New(mapBackupConfig(cfg, cfgm.Path(), cfgm.EnvFile()), root,
		backup.WithObserver(m),
		backup.WithStorageState(store.IsOpen),
	)
	sched := backup.NewScheduler(backups, mapScheduleConfig(cfg), root)

	builder := bot.NewBuilder(botCfg, store, root,
		bot.WithListenerOptions(
			webhook.WithObserver(m),
			webhook.WithMetricsHandler(m.Handler()),
			webhook.WithBackups(backups),
			webhook.WithUsers(store),
		),
	)

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		logs:    logSvc,
		log:     log,
		metrics: m,
		store:   store,
		backups: backups,
		sched:   sched,
		notify:  systemd.NewNotifier(cfg.Systemd.Notify),
	}
	a.orch = NewOrchestrator(OrchestratorConfig{
		BackupOnStartup: config.BoolOr(cfg.Backup.OnStartup, true),
		StartupLabel:    cfg.Backup.StartupLabel,
		StopGrace:       cfg.ShutdownGrace(),
	}, backups, store, RuntimeBuilderFunc(func(ctx context.Context) (Runtime, error) {
		rt, err := builder.Construct(ctx)
		if err != nil {
			return nil, err
		}
		a.rtMu.Lock()
		a.rt = rt
		a.rtMu.Unlock()
		return rt, nil
	}), root)
	a.orch.SetPhaseObserver(phaseReporter{metrics: m, notify: a.notify, log: log})
	a.orch.SetRestorer(backups)
	a.orch.SetHooks(Hooks{OnRunning: a.onRunning, OnStopping: a.onStopping})
	return a, nil
}

func (a *App) Orchestrator() *Orchestrator { return a.orch }

// ListenerAddr is the bound webhook address, "" before the bot is
// constructed or when the listener is disabled.
func (a *App) ListenerAddr() string {
	a.rtMu.Lock()
	defer a.rtMu.Unlock()
	if a.rt == nil {
		return ""
	}
	return a.rt.ListenerAddr()
}

// phaseReporter publishes phase changes to the metrics gauge and the systemd
// status line.
type phaseReporter struct {
	metrics PhaseObserver
	notify  statusNotifier
	log     logx.Logger
}

type statusNotifier interface {
	Status(msg string) (bool, error)
}

func (p phaseReporter) SetPhase(phase string, all []string) {
	if p.metrics != nil {
		p.metrics.SetPhase(phase, all)
	}
	if p.notify == nil {
		return
	}
	if _, err := p.notify.Status("phase " + phase); err != nil {
		p.log.Debug("systemd status not sent", logx.Err(err))
	}
}

// Run executes the startup sequence until ctx is cancelled or a fatal error
// occurs and returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	a.log.Info("starting",
		logx.String("config", a.cfgm.Path()),
		logx.String("data_dir", a.cfg.Paths.DataDir),
		logx.String("backups_dir", a.cfg.Paths.BackupsDir),
	)

	a.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(a.log),
		// Config reload is a convenience; never take the app down.
		rtsup.WithCancelOnError(false),
	)
	a.sup.Go("config.watch", func(c context.Context) error {
		if err := a.cfgm.Watch(c); err != nil {
			a.log.Warn("config watch disabled", logx.Err(err))
		}
		return nil
	})
	a.sup.Go("config.apply", a.applyConfigUpdates)

	code := a.orch.Run(ctx)
	a.shutdown()
	return code
}

func (a *App) onRunning(ctx context.Context) {
	a.backups.SetSnapshotter(a.store)
	if err := a.sched.Start(ctx); err != nil {
		a.log.Warn("backup scheduler not started", logx.Err(err))
	}
	if sent, err := a.notify.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified", logx.String("state", "READY=1"))
	}
}

func (a *App) onStopping(ctx context.Context) {
	if _, err := a.notify.Stopping(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	if err := a.sched.Stop(ctx); err != nil {
		a.log.Warn("backup scheduler stop", logx.Err(err))
	}
}

// shutdown releases what Run started. Each step is bounded.
func (a *App) shutdown() {
	if a.sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
		cancel()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	_ = a.logs.Close()
}

// applyConfigUpdates applies logging changes live. Every other section is
// read once at startup.
func (a *App) applyConfigUpdates(ctx context.Context) error {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	prev := a.cfg
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			a.logs.Apply(mapLogConfig(next))
			a.log.Info("logging reconfigured", logx.String("level", next.Logging.Level))
			if changed := restartSections(prev, next); len(changed) > 0 {
				a.log.Warn("config change requires restart", logx.String("sections", strings.Join(changed, ",")))
			}
			prev = next
		}
	}
}

// restartSections lists the top-level sections (other than logging) that differ.
func restartSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	pv, nv := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	t := pv.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if name == "Logging" {
			continue
		}
		if !reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			out = append(out, strings.ToLower(name))
		}
	}
	return out
}

// PrepareDirs creates the given directories and returns one error per failure.
func PrepareDirs(dirs []string) []error {
	var errs []error
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", d, err))
		}
	}
	return errs
}
