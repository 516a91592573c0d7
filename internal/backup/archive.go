package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// archiveWriter streams entries into a deflate zip and remembers their names
// for the manifest.
type archiveWriter struct {
	zw    *zip.Writer
	files []string
}

func newArchiveWriter(w io.Writer) *archiveWriter {
	return &archiveWriter{zw: zip.NewWriter(w)}
}

func (a *archiveWriter) addFile(name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(st)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := a.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	a.files = append(a.files, name)
	return nil
}

// addTree adds every regular file below dir under prefix/. A missing dir is
// not an error.
func (a *archiveWriter) addTree(prefix, dir string, skip func(p string, d fs.DirEntry) bool) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skip != nil && skip(p, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return a.addFile(path.Join(prefix, filepath.ToSlash(rel)), p)
	})
}

func (a *archiveWriter) addManifest(m Manifest) error {
	m.Files = append([]string(nil), a.files...)
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     ManifestName,
		Method:   zip.Deflate,
		Modified: m.CreatedAt,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (a *archiveWriter) Close() error { return a.zw.Close() }

// newestLogs returns up to n *.log files of dir, newest first.
func newestLogs(dir string, n int) ([]string, error) {
	if strings.TrimSpace(dir) == "" || n <= 0 {
		return nil, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type logFile struct {
		path string
		mod  time.Time
	}
	var logs []logFile
	for _, e := range ents {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].mod.After(logs[j].mod) })
	if len(logs) > n {
		logs = logs[:n]
	}
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.path)
	}
	return out, nil
}

// readManifest returns nil when the archive has no manifest.
func readManifest(p string) (*Manifest, error) {
	r, err := openArchive(p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return manifestOf(r.File)
}

// openArchive opens p even when some entry names are not local; callers
// vet every name they write to disk.
func openArchive(p string) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(p)
	if errors.Is(err, zip.ErrInsecurePath) {
		return r, nil
	}
	return r, err
}

func manifestOf(files []*zip.File) (*Manifest, error) {
	for _, f := range files {
		if f.Name != ManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		var m Manifest
		if err := json.NewDecoder(rc).Decode(&m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	return nil, nil
}

// extractFile writes f to dst through a temp file in the same directory, so
// dst is either untouched or complete.
func extractFile(f *zip.File, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".restore-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if perm := f.Mode().Perm(); perm != 0 {
		if err = tmp.Chmod(perm); err != nil {
			return err
		}
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
