// Package store is the reference server's persistence layer.
//
// A local database is SQLite through ncruces/go-sqlite3 (WAL mode, busy
// timeout, checkpoint on close). A libsql:// or https:// DSN opens a remote
// libSQL database instead when the binary is built with the libsql tag.
//
// Every mutation runs in one transaction together with the record of its
// mutation id, so a replayed mutation returns the original result instead of
// applying twice.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/joltapp/jolt-sync/internal/transport"
)

// DefaultPremiumListLimit is how many custom lists a free account may have.
const DefaultPremiumListLimit = 5

// remoteDriver is the database/sql driver used for remote DSNs. It is set
// by libsql.go when built with the libsql tag.
var remoteDriver string

// Options configures a Store.
type Options struct {
	// PremiumListLimit caps custom lists for free accounts. Zero means
	// DefaultPremiumListLimit; negative disables the cap.
	PremiumListLimit int
	// Now is the clock (default: time.Now).
	Now func() time.Time
}

// Store wraps the server database.
type Store struct {
	conn   *sql.DB
	dsn    string
	remote bool
	opts   Options

	// writeMu serializes write transactions. SQLite allows one writer and a
	// deferred transaction that upgrades can fail with SQLITE_BUSY.
	writeMu sync.Mutex
}

// IsRemote reports whether dsn names a remote libSQL database.
func IsRemote(dsn string) bool {
	return strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") || strings.HasPrefix(dsn, "http://")
}

// Open opens the database named by dsn and creates the schema. dsn is a file
// path, ":memory:", or a libsql:// URL (auth token as ?authToken=...).
//
// The caller must call Close.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if opts.PremiumListLimit == 0 {
		opts.PremiumListLimit = DefaultPremiumListLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{dsn: dsn, opts: opts, remote: IsRemote(dsn)}
	var err error
	if s.remote {
		err = s.openRemote()
	} else {
		err = s.openLocal()
	}
	if err != nil {
		return nil, err
	}

	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) openLocal() error {
	connStr := "file::memory:"
	if s.dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.dsn), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		// Pragmas in the DSN apply to every pooled connection. Immediate
		// transactions make concurrent writers wait on busy_timeout instead
		// of failing on lock upgrade.
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", s.dsn)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if s.dsn == ":memory:" {
		// Each connection would otherwise see its own empty database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(4)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}
	s.conn = conn

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) openRemote() error {
	if remoteDriver == "" {
		return fmt.Errorf("remote database %q needs a build with -tags libsql", redact(s.dsn))
	}
	conn, err := sql.Open(remoteDriver, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open remote database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to reach remote database %s: %w", redact(s.dsn), err)
	}
	s.conn = conn
	return nil
}

// Close checkpoints the WAL (local databases) and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if !s.remote {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		is_premium INTEGER NOT NULL DEFAULT 0,
		token TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lists (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		local_id TEXT,
		name TEXT NOT NULL,
		color_hex TEXT NOT NULL,
		icon_name TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0,
		is_default INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		UNIQUE (user_id, local_id)
	);

	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		list_id TEXT REFERENCES lists(id),
		local_id TEXT,
		title TEXT NOT NULL,
		notes TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		due_at TEXT,
		all_day INTEGER NOT NULL DEFAULT 0,
		recurrence_rule TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		snoozed_until TEXT,
		snooze_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, local_id)
	);

	CREATE TABLE IF NOT EXISTS applied_mutations (
		user_id TEXT NOT NULL,
		mutation_id TEXT NOT NULL,
		result TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		PRIMARY KEY (user_id, mutation_id)
	);

	CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id);
	CREATE INDEX IF NOT EXISTS idx_reminders_list ON reminders(list_id);
	CREATE INDEX IF NOT EXISTS idx_lists_user ON lists(user_id, sort_order);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// apply runs fn in a write transaction keyed by mutationID. If the mutation
// was applied before, its recorded result is returned and fn does not run.
func apply[T any](ctx context.Context, s *Store, userID, mutationID string, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if mutationID != "" {
		var recorded string
		err := tx.QueryRowContext(ctx,
			`SELECT result FROM applied_mutations WHERE user_id = ? AND mutation_id = ?`,
			userID, mutationID).Scan(&recorded)
		switch {
		case err == nil:
			var out T
			if err := json.Unmarshal([]byte(recorded), &out); err != nil {
				return zero, fmt.Errorf("failed to decode recorded result of %s: %w", mutationID, err)
			}
			return out, nil
		case !errors.Is(err, sql.ErrNoRows):
			return zero, fmt.Errorf("failed to look up mutation %s: %w", mutationID, err)
		}
	}

	out, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if mutationID != "" {
		data, err := json.Marshal(out)
		if err != nil {
			return zero, fmt.Errorf("failed to encode result of %s: %w", mutationID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO applied_mutations (user_id, mutation_id, result, applied_at) VALUES (?, ?, ?, ?)`,
			userID, mutationID, string(data), formatTime(s.opts.Now())); err != nil {
			return zero, fmt.Errorf("failed to record mutation %s: %w", mutationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit: %w", err)
	}
	return out, nil
}

// PruneApplied forgets mutation ids recorded before cutoff. Clients stop
// replaying long before that, so the table only needs a bounded window.
func (s *Store) PruneApplied(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.conn.ExecContext(ctx, `DELETE FROM applied_mutations WHERE applied_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune applied mutations: %w", err)
	}
	return res.RowsAffected()
}

// timeFormat has fixed width so stored timestamps compare as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time %q: %w", ns.String, err)
	}
	return &t, nil
}

func strToNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullToStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
}

// redact hides query parameters, which carry the auth token.
func redact(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i] + "?…"
	}
	return dsn
}
