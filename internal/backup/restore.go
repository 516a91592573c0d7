package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	logx "oraclebot/pkg/logx"
)

// SafetyLabel tags the archive taken right before a restore overwrites state.
const SafetyLabel = "before_restore"

// RestoreRequestName is a file in the backups dir naming an archive to
// restore on the next start. Further lines may hold "skip_memory" or
// "skip_config".
const RestoreRequestName = "RESTORE"

var (
	ErrStorageOpen     = errors.New("backup: storage is open")
	ErrArchiveNotFound = errors.New("backup: archive not found")
)

// RestoreOptions selects what Restore writes back. The zero value restores
// the database, the memory dir and the config files.
type RestoreOptions struct {
	SkipMemory bool
	SkipConfig bool
}

type RestoreResult struct {
	Name         string    `json:"name"`
	Manifest     *Manifest `json:"manifest,omitempty"`
	SafetyBackup Record    `json:"safety_backup"`
	Restored     []string  `json:"restored"`
}

// Restore writes the database, memory and config entries of the named
// archive back to their configured locations. It refuses to run while the
// database is open and takes a SafetyLabel backup first; data/ and logs/
// entries are never restored.
func (m *Manager) Restore(ctx context.Context, name string, opts RestoreOptions) (RestoreResult, error) {
	res := RestoreResult{Name: name}
	if m.storageOpen != nil && m.storageOpen() {
		return res, ErrStorageOpen
	}
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".zip") {
		return res, fmt.Errorf("backup: invalid archive name %q", name)
	}
	src := filepath.Join(m.cfg.BackupsDir, name)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return res, fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
	} else if err != nil {
		return res, err
	}
	man, err := readManifest(src)
	if err != nil {
		return res, fmt.Errorf("backup: unreadable archive %s: %w", name, err)
	}
	res.Manifest = man

	res.SafetyBackup = m.CreateBackup(ctx, SafetyLabel)
	if !res.SafetyBackup.Success {
		return res, fmt.Errorf("backup: safety backup failed: %s", res.SafetyBackup.Error)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	zr, err := openArchive(src)
	if err != nil {
		return res, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dst, ok := m.restoreTarget(f.Name, opts)
		if !ok {
			continue
		}
		if dst == m.cfg.DBPath {
			// A WAL left from the current database would be replayed onto the
			// restored one; the archive carries its own if it had one.
			for _, side := range []string{"-wal", "-shm"} {
				if err := os.Remove(dst + side); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return res, err
				}
			}
		}
		if err := extractFile(f, dst); err != nil {
			return res, fmt.Errorf("backup: restore %s: %w", f.Name, err)
		}
		res.Restored = append(res.Restored, f.Name)
	}
	m.log.Info("backup restored",
		logx.String("name", name),
		logx.Int("files", len(res.Restored)),
		logx.String("safety_backup", res.SafetyBackup.Name),
	)
	return res, nil
}

// restoreTarget maps an archive entry to the path it is restored to.
func (m *Manager) restoreTarget(entry string, opts RestoreOptions) (string, bool) {
	if strings.HasSuffix(entry, "/") {
		return "", false
	}
	dir, rest, _ := strings.Cut(entry, "/")
	switch dir {
	case "database":
		db := strings.TrimSpace(m.cfg.DBPath)
		if db == "" {
			return "", false
		}
		switch rest {
		case filepath.Base(db):
			return db, true
		case filepath.Base(db) + "-wal":
			return db + "-wal", true
		}
	case "memory":
		if opts.SkipMemory || strings.TrimSpace(m.cfg.MemoryDir) == "" {
			return "", false
		}
		rel := filepath.FromSlash(path.Clean(rest))
		if !filepath.IsLocal(rel) {
			m.log.Warn("restore skipped unsafe entry", logx.String("entry", entry))
			return "", false
		}
		return filepath.Join(m.cfg.MemoryDir, rel), true
	case "config":
		if opts.SkipConfig {
			return "", false
		}
		for _, p := range m.cfg.ExtraFiles {
			if filepath.Base(p) == rest {
				return p, true
			}
		}
	}
	return "", false
}

// RestorePending applies the restore requested through RestoreRequestName,
// if any. The request is removed on success and renamed to *.failed
// otherwise, so it is attempted once.
func (m *Manager) RestorePending(ctx context.Context) (RestoreResult, bool, error) {
	req := filepath.Join(m.cfg.BackupsDir, RestoreRequestName)
	name, opts, err := readRestoreRequest(req)
	if errors.Is(err, fs.ErrNotExist) {
		return RestoreResult{}, false, nil
	}
	if err == nil {
		var res RestoreResult
		if res, err = m.Restore(ctx, name, opts); err == nil {
			if rmErr := os.Remove(req); rmErr != nil {
				m.log.Warn("restore request not removed", logx.Err(rmErr))
			}
			return res, true, nil
		}
	}
	if mvErr := os.Rename(req, req+".failed"); mvErr != nil {
		m.log.Warn("restore request not renamed", logx.Err(mvErr))
	}
	return RestoreResult{Name: name}, true, err
}

func readRestoreRequest(p string) (string, RestoreOptions, error) {
	var opts RestoreOptions
	f, err := os.Open(p)
	if err != nil {
		return "", opts, err
	}
	defer f.Close()

	var name string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case name == "":
			name = line
		case line == "skip_memory":
			opts.SkipMemory = true
		case line == "skip_config":
			opts.SkipConfig = true
		default:
			return name, opts, fmt.Errorf("backup: unknown restore option %q", line)
		}
	}
	if err := sc.Err(); err != nil {
		return name, opts, err
	}
	if name == "" {
		return "", opts, errors.New("backup: restore request names no archive")
	}
	return name, opts, nil
}
