package backup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "oraclebot/pkg/logx"
)

// ScheduledLabel tags archives produced by the periodic job.
const ScheduledLabel = "scheduled"

type ScheduleConfig struct {
	// Backup is a cron spec for CreateBackup("scheduled"); empty disables it.
	Backup string
	// Cleanup is a cron spec for Cleanup(KeepDays); empty disables it.
	Cleanup  string
	KeepDays int
	Location *time.Location
}

// Scheduler runs periodic backups and retention on robfig/cron.
type Scheduler struct {
	mgr *Manager
	cfg ScheduleConfig
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
}

func NewScheduler(mgr *Manager, cfg ScheduleConfig, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{mgr: mgr, cfg: cfg, log: log.With(logx.Component("backup.schedule")), entries: map[string]cron.EntryID{}}
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start registers the jobs and starts the cron loop. It is a no-op when
// already running or when nothing is scheduled. Jobs observe ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.mgr == nil {
		return errors.New("backup scheduler: manager is nil")
	}
	backupSpec := strings.TrimSpace(s.cfg.Backup)
	cleanupSpec := strings.TrimSpace(s.cfg.Cleanup)
	if backupSpec == "" && cleanupSpec == "" {
		return nil
	}

	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithParser(parser()),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.ctx = ctx

	if backupSpec != "" {
		id, err := c.AddFunc(backupSpec, s.runBackup)
		if err != nil {
			return err
		}
		s.entries["backup"] = id
	}
	if cleanupSpec != "" {
		id, err := c.AddFunc(cleanupSpec, s.runCleanup)
		if err != nil {
			return err
		}
		s.entries["cleanup"] = id
	}
	s.c = c
	c.Start()
	s.log.Info("backup scheduler started",
		logx.String("backup", backupSpec),
		logx.String("cleanup", cleanupSpec),
		logx.Int("keep_days", s.cfg.KeepDays),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Stop halts the cron loop and waits for a running job, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[string]cron.EntryID{}
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop().Done()
	select {
	case <-done:
		s.log.Info("backup scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next activation of the named job ("backup" or "cleanup").
func (s *Scheduler) Next(job string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}, false
	}
	id, ok := s.entries[job]
	if !ok {
		return time.Time{}, false
	}
	return s.c.Entry(id).Next, true
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) runBackup() {
	ctx := s.jobContext()
	if ctx.Err() != nil {
		return
	}
	rec := s.mgr.CreateBackup(ctx, ScheduledLabel)
	if !rec.Success {
		s.log.Warn("scheduled backup failed", logx.String("err", rec.Error))
	}
}

func (s *Scheduler) runCleanup() {
	if s.jobContext().Err() != nil {
		return
	}
	if _, err := s.mgr.Cleanup(s.cfg.KeepDays); err != nil {
		s.log.Warn("backup cleanup failed", logx.Err(err))
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
