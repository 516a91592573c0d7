// Package backup writes zip archives of the bot's persistent state and keeps
// them rotated.
package backup

import (
	"context"
	"time"
)

// ManifestName is the archive entry describing its contents.
const ManifestName = "backup_info.json"

// HistorySize bounds the in-process backup history.
const HistorySize = 100

const (
	partialSuffix     = ".partial"
	snapshotDirPrefix = ".snapshot-"
)

type Config struct {
	BackupsDir string
	DataDir    string
	LogsDir    string
	MemoryDir  string
	// DBPath is stored under database/ and skipped when walking DataDir.
	DBPath string
	// ExtraFiles (config file, .env) are stored under config/ when present.
	ExtraFiles  []string
	MaxLogFiles int
}

// Record is the result of one CreateBackup call. It is never mutated after
// being returned.
type Record struct {
	Label     string        `json:"label"`
	Name      string        `json:"name,omitempty"`
	FilePath  string        `json:"file_path,omitempty"`
	SizeBytes int64         `json:"size_bytes"`
	Checksum  string        `json:"checksum,omitempty"`
	FileCount int           `json:"file_count"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
}

// Manifest is written as backup_info.json inside every archive.
type Manifest struct {
	Label     string    `json:"label"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Files     []string  `json:"files"`
}

// Entry describes an archive found in the backups directory.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Manifest  *Manifest `json:"manifest,omitempty"`
}

type CleanupResult struct {
	Deleted int
	Kept    int
	Freed   int64
}

type Stats struct {
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	TotalBytes int64     `json:"total_bytes"`
	LastAt     time.Time `json:"last_at"`
	// FreeBytes is the space left on the backups filesystem, -1 if unknown.
	FreeBytes int64    `json:"free_bytes"`
	History   []Record `json:"history,omitempty"`
}

// Snapshotter produces a consistent copy of the live database at dst.
// *storage.Store implements it once initialized.
type Snapshotter interface {
	Snapshot(ctx context.Context, dst string) error
}

// Observer receives the outcome of every backup attempt.
type Observer interface {
	ObserveBackup(ok bool, size int64)
}
