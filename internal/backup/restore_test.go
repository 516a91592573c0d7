package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "oraclebot/pkg/logx"
)

func read(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

// populated writes one of everything a backup captures and archives it.
func populated(t *testing.T) (layout, *Manager, Record) {
	t.Helper()
	l := newLayout(t)
	cfgFile := filepath.Join(l.root, "config.yaml")
	l.cfg.ExtraFiles = []string{cfgFile}
	write(t, l.cfg.DBPath, "db-v1")
	write(t, filepath.Join(l.cfg.MemoryDir, "conv", "1.json"), "mem-v1")
	write(t, filepath.Join(l.cfg.DataDir, "users.json"), "data-v1")
	write(t, cfgFile, "cfg-v1")

	m := New(l.cfg, logx.Nop())
	rec := m.CreateBackup(context.Background(), "daily")
	require.True(t, rec.Success, rec.Error)
	return l, m, rec
}

func TestRestoreRoundTrip(t *testing.T) {
	l, m, rec := populated(t)
	write(t, l.cfg.DBPath, "db-v2")
	write(t, l.cfg.DBPath+"-wal", "stale")
	write(t, filepath.Join(l.cfg.MemoryDir, "conv", "1.json"), "mem-v2")
	write(t, filepath.Join(l.cfg.DataDir, "users.json"), "data-v2")
	write(t, l.cfg.ExtraFiles[0], "cfg-v2")

	res, err := m.Restore(context.Background(), rec.Name, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, rec.Name, res.Name)
	require.NotNil(t, res.Manifest)
	assert.Equal(t, "daily", res.Manifest.Label)
	assert.ElementsMatch(t, []string{"database/oracle.db", "memory/conv/1.json", "config/config.yaml"}, res.Restored)

	assert.Equal(t, "db-v1", read(t, l.cfg.DBPath))
	assert.NoFileExists(t, l.cfg.DBPath+"-wal")
	assert.Equal(t, "mem-v1", read(t, filepath.Join(l.cfg.MemoryDir, "conv", "1.json")))
	assert.Equal(t, "cfg-v1", read(t, l.cfg.ExtraFiles[0]))
	// data/ is captured but never written back.
	assert.Equal(t, "data-v2", read(t, filepath.Join(l.cfg.DataDir, "users.json")))

	// The state being replaced is kept in its own archive.
	require.True(t, res.SafetyBackup.Success, res.SafetyBackup.Error)
	assert.Equal(t, SafetyLabel, res.SafetyBackup.Label)
	assert.Equal(t, "db-v2", entries(t, res.SafetyBackup.FilePath)["database/oracle.db"])
}

func TestRestoreSkipsMemoryAndConfig(t *testing.T) {
	l, m, rec := populated(t)
	write(t, filepath.Join(l.cfg.MemoryDir, "conv", "1.json"), "mem-v2")
	write(t, l.cfg.ExtraFiles[0], "cfg-v2")

	res, err := m.Restore(context.Background(), rec.Name, RestoreOptions{SkipMemory: true, SkipConfig: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"database/oracle.db"}, res.Restored)
	assert.Equal(t, "mem-v2", read(t, filepath.Join(l.cfg.MemoryDir, "conv", "1.json")))
	assert.Equal(t, "cfg-v2", read(t, l.cfg.ExtraFiles[0]))
}

func TestRestoreRefusesWhileStorageOpen(t *testing.T) {
	l, _, rec := populated(t)
	m := New(l.cfg, logx.Nop(), WithStorageState(func() bool { return true }))

	_, err := m.Restore(context.Background(), rec.Name, RestoreOptions{})
	require.ErrorIs(t, err, ErrStorageOpen)
	// No safety backup is taken either.
	list, err := m.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRestoreRejectsBadNames(t *testing.T) {
	_, m, _ := populated(t)
	for _, name := range []string{"", "../x.zip", "sub/x.zip", "notes.txt"} {
		_, err := m.Restore(context.Background(), name, RestoreOptions{})
		assert.Error(t, err, name)
	}
	_, err := m.Restore(context.Background(), "missing_20240101_000000.zip", RestoreOptions{})
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestRestoreIgnoresEntriesOutsideMemoryDir(t *testing.T) {
	l := newLayout(t)
	require.NoError(t, os.MkdirAll(l.cfg.BackupsDir, 0o755))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"memory/../../escaped.txt": "evil",
		"memory/ok.json":           "fine",
		"database/other.db":        "unrelated",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	write(t, filepath.Join(l.cfg.BackupsDir, "crafted.zip"), buf.String())

	res, err := New(l.cfg, logx.Nop()).Restore(context.Background(), "crafted.zip", RestoreOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.Manifest)
	assert.Equal(t, []string{"memory/ok.json"}, res.Restored)
	assert.Equal(t, "fine", read(t, filepath.Join(l.cfg.MemoryDir, "ok.json")))
	assert.NoFileExists(t, filepath.Join(l.root, "escaped.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(l.root), "escaped.txt"))
}

func TestRestorePending(t *testing.T) {
	l, m, rec := populated(t)
	req := filepath.Join(l.cfg.BackupsDir, RestoreRequestName)

	_, ok, err := m.RestorePending(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	write(t, l.cfg.DBPath, "db-v2")
	write(t, req, rec.Name+"\nskip_memory\n")
	res, ok, err := m.RestorePending(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"database/oracle.db", "config/config.yaml"}, res.Restored)
	assert.Equal(t, "db-v1", read(t, l.cfg.DBPath))
	assert.NoFileExists(t, req)
}

func TestRestorePendingFailureIsKept(t *testing.T) {
	l, m, _ := populated(t)
	req := filepath.Join(l.cfg.BackupsDir, RestoreRequestName)
	write(t, req, "gone_20240101_000000.zip\n")

	_, ok, err := m.RestorePending(context.Background())
	assert.True(t, ok)
	require.ErrorIs(t, err, ErrArchiveNotFound)
	assert.NoFileExists(t, req)
	assert.FileExists(t, req+".failed")

	write(t, req, "x.zip\nwipe_everything\n")
	_, _, err = m.RestorePending(context.Background())
	assert.ErrorContains(t, err, "wipe_everything")
}
