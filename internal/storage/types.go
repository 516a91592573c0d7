package storage

import (
	"errors"
	"time"
)

var (
	// ErrCorrupt reports a database that fails its integrity check.
	ErrCorrupt = errors.New("storage: database is corrupt")
	// ErrClosed reports use of the store after Close.
	ErrClosed = errors.New("storage: closed")
	// ErrNotInitialized reports use of the store before InitDatabase.
	ErrNotInitialized = errors.New("storage: not initialized")
)

// SchemaVersion is bumped whenever migrations.sql changes shape.
const SchemaVersion = 1

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 1s
}

// User is the subset of a Telegram user the runtime records.
type User struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
	Language   string
}

// AuditEntry records an operator or system action.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      bool
	Error   string
	Meta    string
}
