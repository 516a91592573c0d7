package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "oraclebot/pkg/logx"
)

// Manager creates and maintains backup archives.
type Manager struct {
	cfg Config
	log logx.Logger
	obs Observer
	now func() time.Time

	// storageOpen reports whether the live database is open; Restore refuses
	// to run while it is.
	storageOpen func() bool

	// opMu serializes archive creation, cleanup and restore.
	opMu sync.Mutex

	mu      sync.Mutex
	snap    Snapshotter
	history []Record
	stats   Stats
}

type Option func(*Manager)

func WithObserver(o Observer) Option { return func(m *Manager) { m.obs = o } }

// WithStorageState lets Restore check whether the database is in use.
func WithStorageState(open func() bool) Option {
	return func(m *Manager) { m.storageOpen = open }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(cfg Config, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{cfg: cfg, log: log.With(logx.Component("backup")), now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// SetSnapshotter switches database capture to a consistent online copy.
// Before it is set (startup backup) the database file is copied as is.
func (m *Manager) SetSnapshotter(s Snapshotter) {
	m.mu.Lock()
	m.snap = s
	m.mu.Unlock()
}

// CreateBackup archives the current persistent state under the backups
// directory. Failures are reported in the Record, never returned or panicked.
func (m *Manager) CreateBackup(ctx context.Context, label string) (rec Record) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	start := m.now()
	rec = Record{Label: label, CreatedAt: start}
	defer func() {
		if r := recover(); r != nil {
			rec.Success = false
			rec.Error = fmt.Sprintf("panic: %v", r)
		}
		rec.Duration = m.now().Sub(start)
		m.remember(rec)
	}()

	name := archiveName(label, start)
	rec.Name = name

	res, err := m.writeArchive(ctx, label, name, start)
	if err != nil {
		rec.Error = err.Error()
		m.log.Warn("backup failed", logx.String("label", label), logx.Err(err))
		return rec
	}
	rec.FilePath = res.path
	rec.SizeBytes = res.size
	rec.Checksum = res.checksum
	rec.FileCount = res.files
	rec.Success = res.size > 0
	if !rec.Success {
		rec.Error = "archive is empty"
		return rec
	}
	m.log.Info("backup created",
		logx.String("label", label),
		logx.String("file", res.path),
		logx.Int64("size", res.size),
		logx.Int("files", res.files),
	)
	return rec
}

type archiveResult struct {
	path     string
	size     int64
	checksum string
	files    int
}

func (m *Manager) writeArchive(ctx context.Context, label, name string, at time.Time) (res archiveResult, err error) {
	dir := strings.TrimSpace(m.cfg.BackupsDir)
	if dir == "" {
		return res, errors.New("backups dir is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("create backups dir: %w", err)
	}

	final := filepath.Join(dir, name)
	partial := final + partialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return res, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(partial)
		}
	}()
	// Runs before the cleanup above so a panic still removes the partial file.
	defer func() {
		if r := recover(); r != nil {
			res = archiveResult{}
			err = fmt.Errorf("panic while archiving: %v", r)
		}
	}()

	h := sha256.New()
	aw := newArchiveWriter(io.MultiWriter(f, h))
	filter := m.newTreeFilter()

	if err = m.addDatabase(ctx, aw); err != nil {
		return res, fmt.Errorf("database: %w", err)
	}
	if err = aw.addTree("data", m.cfg.DataDir, filter.skip); err != nil {
		return res, fmt.Errorf("data: %w", err)
	}
	if err = aw.addTree("memory", m.cfg.MemoryDir, filter.skip); err != nil {
		return res, fmt.Errorf("memory: %w", err)
	}
	for _, p := range m.cfg.ExtraFiles {
		if _, statErr := os.Stat(p); statErr != nil {
			continue
		}
		if err = aw.addFile("config/"+filepath.Base(p), p); err != nil {
			return res, fmt.Errorf("config: %w", err)
		}
	}
	logs, err := newestLogs(m.cfg.LogsDir, m.cfg.MaxLogFiles)
	if err != nil {
		return res, fmt.Errorf("logs: %w", err)
	}
	for _, p := range logs {
		if err = aw.addFile("logs/"+filepath.Base(p), p); err != nil {
			return res, fmt.Errorf("logs: %w", err)
		}
	}
	if err = ctx.Err(); err != nil {
		return res, err
	}
	files := len(aw.files)
	if err = aw.addManifest(Manifest{Label: label, Name: name, CreatedAt: at.UTC()}); err != nil {
		return res, fmt.Errorf("manifest: %w", err)
	}
	if err = aw.Close(); err != nil {
		return res, fmt.Errorf("finalize archive: %w", err)
	}
	if err = f.Sync(); err != nil {
		return res, fmt.Errorf("sync archive: %w", err)
	}
	if err = f.Close(); err != nil {
		return res, fmt.Errorf("close archive: %w", err)
	}
	if err = os.Rename(partial, final); err != nil {
		return res, fmt.Errorf("rename archive: %w", err)
	}
	st, err := os.Stat(final)
	if err != nil {
		return res, err
	}
	return archiveResult{
		path:     final,
		size:     st.Size(),
		checksum: hex.EncodeToString(h.Sum(nil)),
		files:    files,
	}, nil
}

func (m *Manager) addDatabase(ctx context.Context, aw *archiveWriter) error {
	db := strings.TrimSpace(m.cfg.DBPath)
	if db == "" {
		return nil
	}
	if _, err := os.Stat(db); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	entry := "database/" + filepath.Base(db)

	m.mu.Lock()
	snap := m.snap
	m.mu.Unlock()
	if snap != nil {
		tmpDir, err := os.MkdirTemp(m.cfg.BackupsDir, snapshotDirPrefix)
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmpDir)
		tmp := filepath.Join(tmpDir, filepath.Base(db))
		err = snap.Snapshot(ctx, tmp)
		if err == nil {
			return aw.addFile(entry, tmp)
		}
		m.log.Debug("snapshot unavailable, copying database file", logx.Err(err))
	}

	if err := aw.addFile(entry, db); err != nil {
		return err
	}
	wal := db + "-wal"
	if st, err := os.Stat(wal); err == nil && st.Size() > 0 {
		return aw.addFile(entry+"-wal", wal)
	}
	return nil
}

// treeFilter keeps the live database files, the backups dir (however it is
// reached), in-flight archives and snapshot scratch dirs out of tree walks.
type treeFilter struct {
	backups fs.FileInfo
	dbFiles map[string]bool
}

func (m *Manager) newTreeFilter() *treeFilter {
	f := &treeFilter{dbFiles: map[string]bool{}}
	if dir := strings.TrimSpace(m.cfg.BackupsDir); dir != "" {
		if st, err := os.Stat(dir); err == nil {
			f.backups = st
		}
	}
	if db := strings.TrimSpace(m.cfg.DBPath); db != "" {
		base := resolvePath(db)
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			f.dbFiles[base+suffix] = true
		}
	}
	return f
}

func (f *treeFilter) skip(p string, d fs.DirEntry) bool {
	name := d.Name()
	if d.IsDir() {
		if strings.HasPrefix(name, snapshotDirPrefix) {
			return true
		}
		if f.backups == nil {
			return false
		}
		st, err := os.Stat(p)
		return err == nil && os.SameFile(st, f.backups)
	}
	if strings.HasSuffix(name, partialSuffix) {
		return true
	}
	return f.dbFiles[resolvePath(p)]
}

// resolvePath makes p absolute and resolves symlinks in its directory. The
// file itself need not exist.
func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	dir, base := filepath.Split(abs)
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(real, base)
	}
	return abs
}

func (m *Manager) remember(rec Record) {
	m.mu.Lock()
	m.history = append(m.history, rec)
	if len(m.history) > HistorySize {
		m.history = append([]Record(nil), m.history[len(m.history)-HistorySize:]...)
	}
	m.stats.Total++
	if rec.Success {
		m.stats.Succeeded++
		m.stats.TotalBytes += rec.SizeBytes
	} else {
		m.stats.Failed++
	}
	m.stats.LastAt = rec.CreatedAt
	obs := m.obs
	m.mu.Unlock()

	if obs != nil {
		obs.ObserveBackup(rec.Success, rec.SizeBytes)
	}
}

// Stats returns counters for this process, a copy of the history and the
// free space left where archives are written.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := m.stats
	s.History = append([]Record(nil), m.history...)
	m.mu.Unlock()

	s.FreeBytes = -1
	if free, ok := freeSpace(m.cfg.BackupsDir); ok {
		s.FreeBytes = free
	}
	return s
}

// List returns archives in the backups directory, newest first.
func (m *Manager) List() ([]Entry, error) {
	ents, err := os.ReadDir(m.cfg.BackupsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(ents))
	for _, e := range ents {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(m.cfg.BackupsDir, e.Name())
		ent := Entry{Name: e.Name(), Path: p, SizeBytes: info.Size(), ModTime: info.ModTime()}
		if man, err := readManifest(p); err == nil {
			ent.Manifest = man
		} else {
			m.log.Debug("unreadable backup manifest", logx.String("file", p), logx.Err(err))
		}
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Cleanup removes archives older than keepDays. keepDays <= 0 disables
// retention and deletes nothing.
func (m *Manager) Cleanup(keepDays int) (CleanupResult, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var res CleanupResult
	list, err := m.List()
	if err != nil {
		return res, err
	}
	if keepDays <= 0 {
		res.Kept = len(list)
		return res, nil
	}
	cutoff := m.now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	var errs []error
	for _, e := range list {
		if !e.ModTime.Before(cutoff) {
			res.Kept++
			continue
		}
		if err := os.Remove(e.Path); err != nil {
			errs = append(errs, err)
			res.Kept++
			continue
		}
		res.Deleted++
		res.Freed += e.SizeBytes
	}
	if res.Deleted > 0 {
		m.log.Info("old backups removed",
			logx.Int("deleted", res.Deleted),
			logx.Int("kept", res.Kept),
			logx.Int("keep_days", keepDays),
		)
	}
	return res, errors.Join(errs...)
}

// archiveName is <label>_<YYYYmmdd_HHMMSS>_<8 hex>.zip.
func archiveName(label string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s.zip", SanitizeLabel(label), at.Format("20060102_150405"), suffix)
}

// SanitizeLabel maps characters outside [A-Za-z0-9_-] to '_'. An empty label
// becomes "backup".
func SanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "backup"
	}
	var b strings.Builder
	b.Grow(len(label))
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
