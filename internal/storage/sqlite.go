package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "oraclebot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Store is the SQLite-backed persistence layer.
// The zero value is unusable; create with New and call InitDatabase.
type Store struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func New(cfg Config, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{cfg: cfg, log: log}
}

// Path returns the database file path.
func (s *Store) Path() string { return s.cfg.Path }

// IsOpen reports whether the database handle is held.
func (s *Store) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil && !s.closed
}

// InitDatabase opens the database (once), verifies its integrity and creates
// any missing structures. Calling it again is a no-op apart from the checks.
func (s *Store) InitDatabase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.db == nil {
		db, err := s.open(ctx)
		if err != nil {
			return err
		}
		s.db = db
	}

	if err := quickCheck(ctx, s.db); err != nil {
		return err
	}
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	path := strings.TrimSpace(s.cfg.Path)
	if path == "" {
		return nil, errors.New("storage: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := s.cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		"PRAGMA busy_timeout = " + strconv.FormatInt(busy.Milliseconds(), 10),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			if isNotADatabase(err) {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
			}
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}
	s.log.Debug("database opened", logx.String("path", path))
	return db, nil
}

func isNotADatabase(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		if isNotADatabase(err) {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return fmt.Errorf("storage: quick_check: %w", err)
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("storage: quick_check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		if isNotADatabase(err) {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return fmt.Errorf("storage: quick_check: %w", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(problems, "; "))
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migrations); err != nil {
		return err
	}

	var current int
	err = tx.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM schema_meta WHERE key = 'version'`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", current, SchemaVersion)
	}

	seeded, err := seedNumberMeanings(ctx, tx)
	if err != nil {
		return err
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_meta(key, value) VALUES('version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(SchemaVersion)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("schema ready",
		logx.Int("version", SchemaVersion),
		logx.Int("previous", current),
		logx.Int("seeded", seeded),
	)
	return nil
}

type numberMeaning struct {
	number      int
	pythagorean string
	planet      string
	element     string
	color       string
}

var baseMeanings = []numberMeaning{
	{1, "Leadership, independence, originality", "Sun", "Fire", "Gold"},
	{2, "Cooperation, diplomacy, sensitivity", "Moon", "Water", "Silver"},
	{3, "Creativity, expression, optimism", "Jupiter", "Air", "Purple"},
	{4, "Stability, discipline, practicality", "Uranus", "Earth", "Blue"},
	{5, "Freedom, adventure, versatility", "Mercury", "Air", "Yellow"},
	{6, "Responsibility, love, harmony", "Venus", "Earth", "Green"},
	{7, "Wisdom, analysis, spirituality", "Neptune", "Water", "Sea Green"},
	{8, "Power, success, abundance", "Saturn", "Earth", "Black"},
	{9, "Humanitarianism, completion, art", "Mars", "Fire", "Red"},
}

// seedNumberMeanings inserts the base rows only into an empty table.
func seedNumberMeanings(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM number_meanings`).Scan(&n); err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO number_meanings(number, pythagorean, planet, element, color) VALUES(?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, m := range baseMeanings {
		if _, err := stmt.ExecContext(ctx, m.number, m.pythagorean, m.planet, m.element, m.color); err != nil {
			return 0, err
		}
	}
	return len(baseMeanings), nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// TouchUser inserts the user or refreshes its profile and last_active.
func (s *Store) TouchUser(ctx context.Context, u User) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if u.TelegramID == 0 {
		return nil
	}
	lang := strings.TrimSpace(u.Language)
	if lang == "" {
		lang = "en"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = db.ExecContext(ctx,
		`INSERT INTO users(telegram_id, username, first_name, last_name, language, created_at, last_active)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			last_active = excluded.last_active`,
		u.TelegramID, nullStr(u.Username), nullStr(u.FirstName), nullStr(u.LastName), lang, now, now,
	)
	return err
}

// CountUsers returns the number of known users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, err, meta) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.Meta),
	)
	return err
}

// Snapshot writes a transactionally consistent copy of the database to dst
// using VACUUM INTO. dst must not exist.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `VACUUM INTO ?`, dst)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
