package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "oraclebot/pkg/logx"
)

type layout struct {
	root string
	cfg  Config
}

func newLayout(t *testing.T) layout {
	t.Helper()
	root := t.TempDir()
	return layout{root: root, cfg: Config{
		BackupsDir:  filepath.Join(root, "backups"),
		DataDir:     filepath.Join(root, "data"),
		LogsDir:     filepath.Join(root, "logs"),
		MemoryDir:   filepath.Join(root, "memory"),
		DBPath:      filepath.Join(root, "data", "oracle.db"),
		MaxLogFiles: 3,
	}}
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func entries(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	out := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func TestCreateBackupFreshEnvironment(t *testing.T) {
	l := newLayout(t)
	m := New(l.cfg, logx.Nop())

	rec := m.CreateBackup(context.Background(), "initial_setup")
	require.True(t, rec.Success, rec.Error)
	assert.Empty(t, rec.Error)
	assert.Equal(t, "initial_setup", rec.Label)
	assert.Greater(t, rec.SizeBytes, int64(0))
	assert.Len(t, rec.Checksum, 64)
	assert.Equal(t, 0, rec.FileCount)
	assert.True(t, strings.HasPrefix(filepath.Base(rec.FilePath), "initial_setup_"))

	st, err := os.Stat(rec.FilePath)
	require.NoError(t, err)
	assert.Equal(t, rec.SizeBytes, st.Size())

	got := entries(t, rec.FilePath)
	require.Contains(t, got, ManifestName)
	assert.Len(t, got, 1)

	man, err := readManifest(rec.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "initial_setup", man.Label)
	assert.Empty(t, man.Files)
}

func TestCreateBackupLabelsAreUnique(t *testing.T) {
	l := newLayout(t)
	m := New(l.cfg, logx.Nop())

	seen := map[string]bool{}
	for _, label := range []string{"", "", "dup", "dup", "a/b c"} {
		rec := m.CreateBackup(context.Background(), label)
		require.True(t, rec.Success, rec.Error)
		assert.False(t, seen[rec.FilePath], "duplicate path %s", rec.FilePath)
		seen[rec.FilePath] = true
		assert.Equal(t, label, rec.Label)
	}

	names := make([]string, 0, len(seen))
	for p := range seen {
		names = append(names, filepath.Base(p))
	}
	sort.Strings(names)
	assert.True(t, strings.HasPrefix(names[0], "a_b_c_"))
	assert.True(t, strings.HasPrefix(names[1], "backup_"))
}

func TestCreateBackupContents(t *testing.T) {
	l := newLayout(t)
	write(t, l.cfg.DBPath, "sqlite-bytes")
	write(t, filepath.Join(l.cfg.DataDir, "users.json"), "{}")
	write(t, filepath.Join(l.cfg.DataDir, "cache", "x.bin"), "x")
	write(t, filepath.Join(l.cfg.MemoryDir, "conv.json"), "[]")
	cfgFile := filepath.Join(l.root, "config.yaml")
	write(t, cfgFile, "telegram: {}")
	l.cfg.ExtraFiles = []string{cfgFile, filepath.Join(l.root, ".env")}

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.log", "b.log", "c.log", "d.log", "notes.txt"} {
		p := filepath.Join(l.cfg.LogsDir, name)
		write(t, p, name)
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	m := New(l.cfg, logx.Nop())
	rec := m.CreateBackup(context.Background(), "contents")
	require.True(t, rec.Success, rec.Error)

	got := entries(t, rec.FilePath)
	assert.Equal(t, "sqlite-bytes", got["database/oracle.db"])
	assert.Equal(t, "{}", got["data/users.json"])
	assert.Equal(t, "x", got["data/cache/x.bin"])
	assert.Equal(t, "[]", got["memory/conv.json"])
	assert.Equal(t, "telegram: {}", got["config/config.yaml"])
	assert.Contains(t, got, "logs/d.log")
	assert.Contains(t, got, "logs/c.log")
	assert.Contains(t, got, "logs/b.log")
	assert.NotContains(t, got, "logs/a.log")
	assert.NotContains(t, got, "logs/notes.txt")
	assert.NotContains(t, got, "data/oracle.db")
	assert.NotContains(t, got, "config/.env")
	assert.Equal(t, 8, rec.FileCount)
}

type fakeSnapshot struct{ err error }

func (f fakeSnapshot) Snapshot(_ context.Context, dst string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("consistent"), 0o600)
}

func TestCreateBackupUsesSnapshotter(t *testing.T) {
	l := newLayout(t)
	write(t, l.cfg.DBPath, "live")

	m := New(l.cfg, logx.Nop())
	m.SetSnapshotter(fakeSnapshot{})
	rec := m.CreateBackup(context.Background(), "snap")
	require.True(t, rec.Success, rec.Error)
	assert.Equal(t, "consistent", entries(t, rec.FilePath)["database/oracle.db"])

	m.SetSnapshotter(fakeSnapshot{err: errors.New("not ready")})
	rec = m.CreateBackup(context.Background(), "snap")
	require.True(t, rec.Success, rec.Error)
	assert.Equal(t, "live", entries(t, rec.FilePath)["database/oracle.db"])

	// No temporary snapshot directories are left behind.
	ents, err := os.ReadDir(l.cfg.BackupsDir)
	require.NoError(t, err)
	for _, e := range ents {
		assert.False(t, e.IsDir(), e.Name())
	}
}

func TestCreateBackupFailureIsReported(t *testing.T) {
	l := newLayout(t)
	// A regular file where the backups directory should be.
	write(t, l.cfg.BackupsDir, "blocker")

	m := New(l.cfg, logx.Nop())
	rec := m.CreateBackup(context.Background(), "broken")
	assert.False(t, rec.Success)
	assert.NotEmpty(t, rec.Error)
	assert.Empty(t, rec.FilePath)
	assert.Zero(t, rec.SizeBytes)

	s := m.Stats()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.Succeeded)
}

func TestCreateBackupUnconfigured(t *testing.T) {
	rec := New(Config{}, logx.Nop()).CreateBackup(context.Background(), "x")
	assert.False(t, rec.Success)
	assert.NotEmpty(t, rec.Error)
}

func TestCreateBackupRemovesPartialOnFailure(t *testing.T) {
	l := newLayout(t)
	write(t, filepath.Join(l.cfg.DataDir, "ok.txt"), "ok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(l.cfg, logx.Nop())
	rec := m.CreateBackup(ctx, "cancelled")
	assert.False(t, rec.Success)
	assert.ErrorContains(t, errors.New(rec.Error), context.Canceled.Error())

	ents, err := os.ReadDir(l.cfg.BackupsDir)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

type countingObserver struct{ ok, failed int }

func (c *countingObserver) ObserveBackup(ok bool, _ int64) {
	if ok {
		c.ok++
	} else {
		c.failed++
	}
}

func TestStatsAndObserver(t *testing.T) {
	l := newLayout(t)
	obs := &countingObserver{}
	m := New(l.cfg, logx.Nop(), WithObserver(obs))

	r1 := m.CreateBackup(context.Background(), "one")
	r2 := m.CreateBackup(context.Background(), "two")
	s := m.Stats()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, r1.SizeBytes+r2.SizeBytes, s.TotalBytes)
	assert.Equal(t, r2.CreatedAt, s.LastAt)
	require.Len(t, s.History, 2)
	assert.Equal(t, "one", s.History[0].Label)
	assert.Equal(t, 2, obs.ok)

	for i := 0; i < HistorySize+5; i++ {
		m.remember(Record{Label: "synthetic"})
	}
	s = m.Stats()
	assert.Len(t, s.History, HistorySize)
	assert.Equal(t, HistorySize+7, s.Total)
	assert.Equal(t, HistorySize+5, obs.failed)
}

func TestListAndCleanup(t *testing.T) {
	l := newLayout(t)
	now := time.Now()
	m := New(l.cfg, logx.Nop(), WithClock(func() time.Time { return now }))

	old := m.CreateBackup(context.Background(), "old")
	fresh := m.CreateBackup(context.Background(), "fresh")
	require.True(t, old.Success)
	require.True(t, fresh.Success)
	stale := now.Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old.FilePath, stale, stale))

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, fresh.FilePath, list[0].Path)
	require.NotNil(t, list[0].Manifest)
	assert.Equal(t, "fresh", list[0].Manifest.Label)

	res, err := m.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 2, res.Kept)

	res, err = m.Cleanup(7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, old.SizeBytes, res.Freed)

	_, err = os.Stat(old.FilePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.FilePath)
	assert.NoError(t, err)
}

func TestListMissingDir(t *testing.T) {
	list, err := New(Config{BackupsDir: filepath.Join(t.TempDir(), "none")}, logx.Nop()).List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSanitizeLabel(t *testing.T) {
	tests := map[string]string{
		"":              "backup",
		"   ":           "backup",
		"initial_setup": "initial_setup",
		"pre-deploy":    "pre-deploy",
		"../etc/passwd": "___etc_passwd",
		"héllo":         "h_llo",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeLabel(in), "label %q", in)
	}
}

func TestCreateBackupSkipsRelativeBackupsDirInsideData(t *testing.T) {
	l := newLayout(t)
	chdirForTest(t, l.root)
	// Absolute data dir, backups dir given relative to the working directory.
	l.cfg.BackupsDir = filepath.Join("data", "backups")
	write(t, filepath.Join(l.cfg.DataDir, "users.json"), "{}")

	m := New(l.cfg, logx.Nop())
	first := m.CreateBackup(context.Background(), "first")
	require.True(t, first.Success, first.Error)
	second := m.CreateBackup(context.Background(), "second")
	require.True(t, second.Success, second.Error)

	for name := range entries(t, second.FilePath) {
		assert.False(t, strings.HasPrefix(name, "data/backups/"), name)
	}
	assert.Contains(t, entries(t, second.FilePath), "data/users.json")
}

func TestCreateBackupSkipsSymlinkedBackupsDir(t *testing.T) {
	l := newLayout(t)
	write(t, filepath.Join(l.cfg.DataDir, "users.json"), "{}")
	inside := filepath.Join(l.cfg.DataDir, "archives")
	require.NoError(t, os.MkdirAll(inside, 0o755))
	// Configured through a link outside data/, stored inside it.
	l.cfg.BackupsDir = filepath.Join(l.root, "backups-link")
	require.NoError(t, os.Symlink(inside, l.cfg.BackupsDir))

	m := New(l.cfg, logx.Nop())
	require.True(t, m.CreateBackup(context.Background(), "first").Success)
	rec := m.CreateBackup(context.Background(), "second")
	require.True(t, rec.Success, rec.Error)
	got := entries(t, rec.FilePath)
	assert.Contains(t, got, "data/users.json")
	for name := range got {
		assert.False(t, strings.HasPrefix(name, "data/archives/"), name)
	}
}

func TestCreateBackupSkipsScratchFiles(t *testing.T) {
	l := newLayout(t)
	write(t, filepath.Join(l.cfg.DataDir, "keep.txt"), "k")
	write(t, filepath.Join(l.cfg.DataDir, "old.zip.partial"), "half")
	write(t, filepath.Join(l.cfg.DataDir, ".snapshot-123", "oracle.db"), "tmp")
	write(t, filepath.Join(l.cfg.MemoryDir, "x.zip.partial"), "half")

	rec := New(l.cfg, logx.Nop()).CreateBackup(context.Background(), "scratch")
	require.True(t, rec.Success, rec.Error)
	got := entries(t, rec.FilePath)
	assert.Contains(t, got, "data/keep.txt")
	assert.NotContains(t, got, "data/old.zip.partial")
	assert.NotContains(t, got, "data/.snapshot-123/oracle.db")
	assert.NotContains(t, got, "memory/x.zip.partial")
}

type panickingSnapshot struct{}

func (panickingSnapshot) Snapshot(context.Context, string) error { panic("snapshot exploded") }

func TestCreateBackupPanicLeavesNoPartial(t *testing.T) {
	l := newLayout(t)
	write(t, l.cfg.DBPath, "live")

	m := New(l.cfg, logx.Nop())
	m.SetSnapshotter(panickingSnapshot{})
	rec := m.CreateBackup(context.Background(), "boom")
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "panic")
	assert.Contains(t, rec.Error, "snapshot exploded")

	ents, err := os.ReadDir(l.cfg.BackupsDir)
	require.NoError(t, err)
	assert.Empty(t, ents)
	assert.Equal(t, 1, m.Stats().Failed)
}

func TestStatsReportsFreeSpace(t *testing.T) {
	l := newLayout(t)
	m := New(l.cfg, logx.Nop())
	assert.Equal(t, int64(-1), m.Stats().FreeBytes)

	require.True(t, m.CreateBackup(context.Background(), "x").Success)
	if _, ok := freeSpace(l.cfg.BackupsDir); ok {
		assert.Greater(t, m.Stats().FreeBytes, int64(0))
	}
}

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
