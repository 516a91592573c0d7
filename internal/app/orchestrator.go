package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"oraclebot/internal/backup"
	"oraclebot/internal/runtime/lifecycle"
	logx "oraclebot/pkg/logx"
)

const (
	ExitOK      = 0
	ExitFailure = 1
)

type Phase = lifecycle.Phase

type BackupCreator interface {
	CreateBackup(ctx context.Context, label string) backup.Record
}

type StorageInitializer interface {
	InitDatabase(ctx context.Context) error
}

// Runtime is the constructed bot as seen by the orchestrator.
type Runtime interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	ListenerStartedAt() time.Time
}

type RuntimeBuilder interface {
	Construct(ctx context.Context) (Runtime, error)
}

// RuntimeBuilderFunc adapts a function to RuntimeBuilder.
type RuntimeBuilderFunc func(ctx context.Context) (Runtime, error)

func (f RuntimeBuilderFunc) Construct(ctx context.Context) (Runtime, error) { return f(ctx) }

// Restorer applies a restore requested while the service was down.
type Restorer interface {
	RestorePending(ctx context.Context) (backup.RestoreResult, bool, error)
}

type PhaseObserver interface {
	SetPhase(phase string, all []string)
}

// StageError is a fatal failure of one startup phase.
type StageError struct {
	Phase Phase
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Phase, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Transition is one logged phase change.
type Transition struct {
	From Phase
	To   Phase
	At   time.Time
}

type OrchestratorConfig struct {
	BackupOnStartup bool
	StartupLabel    string
	// StopGrace bounds runtime shutdown.
	StopGrace time.Duration
}

// Hooks run around the RUNNING phase. Both are optional and must not block
// for long.
type Hooks struct {
	OnRunning  func(ctx context.Context)
	OnStopping func(ctx context.Context)
}

// Orchestrator drives BACKUP -> STORAGE_INIT -> BOT_CONSTRUCT -> RUNNING and
// ends in STOPPED or FAILED. It is single use.
type Orchestrator struct {
	cfg     OrchestratorConfig
	backup  BackupCreator
	restore Restorer
	storage StorageInitializer
	builder RuntimeBuilder
	hooks   Hooks
	obs     PhaseObserver
	log     logx.Logger
	now     func() time.Time

	mu             sync.Mutex
	phase          Phase
	transitions    []Transition
	storageReadyAt time.Time
	ran            bool
}

func NewOrchestrator(cfg OrchestratorConfig, b BackupCreator, s StorageInitializer, rb RuntimeBuilder, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		backup:  b,
		storage: s,
		builder: rb,
		log:     log.With(logx.Component("orchestrator")),
		now:     time.Now,
		phase:   lifecycle.PhaseInit,
	}
}

func (o *Orchestrator) SetHooks(h Hooks)                 { o.hooks = h }
func (o *Orchestrator) SetPhaseObserver(p PhaseObserver) { o.obs = p }
func (o *Orchestrator) SetRestorer(r Restorer)           { o.restore = r }

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) Transitions() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.transitions...)
}

// StorageReadyAt is when InitDatabase returned successfully.
func (o *Orchestrator) StorageReadyAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.storageReadyAt
}

// Run executes the startup sequence and blocks while the runtime runs.
// Cancelling ctx is the stop signal: while RUNNING the runtime is stopped
// gracefully; before that the sequence halts at the next phase boundary.
// The result is the process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		o.log.Error("orchestrator already ran")
		return ExitFailure
	}
	o.ran = true
	o.mu.Unlock()

	o.publishPhase(lifecycle.PhaseInit)
	// Startup steps are not interrupted midway.
	stageCtx := context.WithoutCancel(ctx)

	o.enter(lifecycle.PhaseBackup)
	// A requested restore must not be half applied under a running bot.
	if err := o.runRestore(stageCtx); err != nil {
		return o.failed(&StageError{Phase: lifecycle.PhaseBackup, Err: err})
	}
	o.runBackup(stageCtx)
	if ctx.Err() != nil {
		return o.stopped(nil)
	}

	o.enter(lifecycle.PhaseStorageInit)
	if o.storage == nil {
		return o.failed(&StageError{Phase: lifecycle.PhaseStorageInit, Err: errors.New("no storage initializer")})
	}
	if err := o.storage.InitDatabase(stageCtx); err != nil {
		return o.failed(&StageError{Phase: lifecycle.PhaseStorageInit, Err: err})
	}
	o.mu.Lock()
	o.storageReadyAt = o.now()
	o.mu.Unlock()
	o.log.Info("storage ready")
	if ctx.Err() != nil {
		return o.stopped(nil)
	}

	o.enter(lifecycle.PhaseBotConstruct)
	if o.builder == nil {
		return o.failed(&StageError{Phase: lifecycle.PhaseBotConstruct, Err: errors.New("no runtime builder")})
	}
	rt, err := o.builder.Construct(stageCtx)
	if err != nil {
		return o.failed(&StageError{Phase: lifecycle.PhaseBotConstruct, Err: err})
	}
	if rt == nil {
		return o.failed(&StageError{Phase: lifecycle.PhaseBotConstruct, Err: errors.New("builder returned no runtime")})
	}
	if at := rt.ListenerStartedAt(); !at.IsZero() {
		o.log.Info("listener started", logx.Time("at", at))
	}
	if ctx.Err() != nil {
		return o.stopped(rt)
	}

	o.enter(lifecycle.PhaseRunning)
	if o.hooks.OnRunning != nil {
		o.hooks.OnRunning(ctx)
	}
	runErr := o.runRuntime(ctx, rt)
	if runErr != nil {
		o.stopRuntime(rt)
		return o.failed(&StageError{Phase: lifecycle.PhaseRunning, Err: runErr})
	}
	return o.stopped(rt)
}

func (o *Orchestrator) runRestore(ctx context.Context) error {
	if o.restore == nil {
		return nil
	}
	res, ok, err := o.restore.RestorePending(ctx)
	if !ok {
		return err
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", res.Name, err)
	}
	o.log.Warn("state restored from backup",
		logx.String("name", res.Name),
		logx.Int("files", len(res.Restored)),
		logx.String("safety_backup", res.SafetyBackup.FilePath),
	)
	return nil
}

func (o *Orchestrator) runBackup(ctx context.Context) {
	if !o.cfg.BackupOnStartup || o.backup == nil {
		o.log.Warn("startup backup skipped", logx.Bool("on_startup", o.cfg.BackupOnStartup))
		return
	}
	label := o.cfg.StartupLabel
	rec := o.backup.CreateBackup(ctx, label)
	if !rec.Success {
		o.log.Warn("startup backup failed, continuing",
			logx.String("label", label),
			logx.String("err", rec.Error),
		)
		return
	}
	o.log.Info("startup backup created",
		logx.String("label", label),
		logx.String("file", rec.FilePath),
		logx.Int64("size", rec.SizeBytes),
	)
}

// runRuntime converts a panic in Run into an error.
func (o *Orchestrator) runRuntime(ctx context.Context, rt Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime panic: %v", r)
		}
	}()
	return rt.Run(ctx)
}

func (o *Orchestrator) enter(to Phase) {
	o.mu.Lock()
	from := o.phase
	if !lifecycle.CanTransition(from, to) {
		o.mu.Unlock()
		o.log.Error("illegal phase transition", logx.String("from", string(from)), logx.String("to", string(to)))
		return
	}
	at := o.now()
	o.phase = to
	o.transitions = append(o.transitions, Transition{From: from, To: to, At: at})
	o.mu.Unlock()

	o.publishPhase(to)
	o.log.Info("phase transition",
		logx.String("from", string(from)),
		logx.String("phase", string(to)),
		logx.Time("at", at),
	)
}

func (o *Orchestrator) publishPhase(p Phase) {
	if o.obs == nil {
		return
	}
	all := make([]string, 0, len(lifecycle.Phases))
	for _, q := range lifecycle.Phases {
		all = append(all, string(q))
	}
	o.obs.SetPhase(string(p), all)
}

func (o *Orchestrator) stopped(rt Runtime) int {
	if rt != nil {
		o.stopRuntime(rt)
	}
	o.enter(lifecycle.PhaseStopped)
	o.log.Info("==== oraclebot stopped ====", logx.String("reason", string(lifecycle.StopSignal)), logx.Int("exit_code", ExitOK))
	return ExitOK
}

func (o *Orchestrator) failed(err *StageError) int {
	o.mu.Lock()
	from := o.phase
	o.mu.Unlock()
	o.enter(lifecycle.PhaseFailed)
	o.log.Error("==== oraclebot FAILED ====",
		logx.String("failed_phase", string(err.Phase)),
		logx.String("from", string(from)),
		logx.String("reason", string(lifecycle.StopFatalError)),
		logx.Err(err.Err),
		logx.Int("exit_code", ExitFailure),
	)
	return ExitFailure
}

// stopRuntime stops rt within StopGrace. A runtime that overruns is left
// behind; it never holds the process open.
func (o *Orchestrator) stopRuntime(rt Runtime) {
	if o.hooks.OnStopping != nil {
		hookCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StopGrace)
		o.hooks.OnStopping(hookCtx)
		cancel()
	}

	start := o.now()
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopGrace)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in runtime stop: %v", r)
			}
		}()
		done <- rt.Stop(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			o.log.Warn("runtime stop error", logx.Err(err))
		}
		o.log.Info("runtime stopped", logx.Duration("took", o.now().Sub(start)))
	case <-ctx.Done():
		o.log.Warn("runtime stop deadline reached (continuing)", logx.Duration("grace", o.cfg.StopGrace))
	}
}
