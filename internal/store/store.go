// Package store provides the SQLite storage layer for banwatch.
//
// All ledger data lives in a single SQLite database file:
// - One row per offender in the bans table, keyed by offender_id
// - A meta key/value table for process-wide flags (backfill state)
//
// Writes are partial-column upserts: a Patch names exactly the columns it
// knows, and absent columns are never touched. Each call is statement-level
// atomic; ordering between concurrent upserts on the same key is
// last-write-wins per column.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.banwatch/banwatch.db"

// BanRecord is one offender's lifecycle row. Optional timestamps are nil
// when unset; optional strings are empty when unset.
type BanRecord struct {
	OffenderID  string
	OffenderTag string
	JoinedAt    *time.Time
	BannedAt    *time.Time
	Moderator   string
	Reason      string
}

// Patch is a partial-column update. Only non-nil fields are written.
type Patch struct {
	OffenderTag *string
	JoinedAt    *time.Time
	BannedAt    *time.Time
	Moderator   *string
	Reason      *string
}

// IsEmpty reports whether the patch names no columns at all.
func (p Patch) IsEmpty() bool {
	return p.OffenderTag == nil && p.JoinedAt == nil && p.BannedAt == nil &&
		p.Moderator == nil && p.Reason == nil
}

// StoreStats holds observability statistics about the store.
type StoreStats struct {
	RecordCount int64
	BannedCount int64
	JoinedCount int64
	FlagCount   int64
	DBSizeBytes int64
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the ledger storage interface.
type Store interface {
	// Upsert inserts a new row for offenderID if absent, otherwise updates
	// exactly the columns named by the patch.
	Upsert(ctx context.Context, offenderID string, p Patch) error

	// Get returns the record for offenderID, or nil if absent.
	Get(ctx context.Context, offenderID string) (*BanRecord, error)

	// ListBannedSince returns all records with banned_at set and at or
	// after since, ordered by banned_at.
	ListBannedSince(ctx context.Context, since time.Time) ([]*BanRecord, error)

	// Flags
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	MetaByPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Enable WAL mode and a busy timeout so the live handlers and the
	// backfill scan can interleave on one file.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert writes exactly the columns named by the patch, inserting the row
// if offender_id is new. The column list is built dynamically so untouched
// columns are never part of the statement.
func (s *SQLiteStore) Upsert(ctx context.Context, offenderID string, p Patch) error {
	if strings.TrimSpace(offenderID) == "" {
		return fmt.Errorf("offender id cannot be empty")
	}
	if p.IsEmpty() {
		return fmt.Errorf("patch for %s names no columns", offenderID)
	}

	cols := make([]string, 0, 5)
	args := make([]any, 0, 6)
	args = append(args, offenderID)

	add := func(name string, value any) {
		cols = append(cols, name)
		args = append(args, value)
	}
	if p.OffenderTag != nil {
		add("offender_tag", *p.OffenderTag)
	}
	if p.JoinedAt != nil {
		add("joined_at", formatTime(*p.JoinedAt))
	}
	if p.BannedAt != nil {
		add("banned_at", formatTime(*p.BannedAt))
	}
	if p.Moderator != nil {
		add("moderator", *p.Moderator)
	}
	if p.Reason != nil {
		add("reason", *p.Reason)
	}

	updates := make([]string, len(cols))
	for i, c := range cols {
		updates[i] = c + "=excluded." + c
	}

	query := fmt.Sprintf(
		"INSERT INTO bans (offender_id, %s) VALUES (?%s) ON CONFLICT(offender_id) DO UPDATE SET %s",
		strings.Join(cols, ", "),
		strings.Repeat(", ?", len(cols)),
		strings.Join(updates, ", "),
	)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting offender %s: %w", offenderID, err)
	}
	return nil
}

// Get returns the record for offenderID, or nil if absent.
func (s *SQLiteStore) Get(ctx context.Context, offenderID string) (*BanRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT offender_id, offender_tag, joined_at, banned_at, moderator, reason
		 FROM bans WHERE offender_id = ?`, offenderID)

	rec, err := scanBanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting offender %s: %w", offenderID, err)
	}
	return rec, nil
}

// ListBannedSince returns all records with banned_at at or after since.
func (s *SQLiteStore) ListBannedSince(ctx context.Context, since time.Time) ([]*BanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT offender_id, offender_tag, joined_at, banned_at, moderator, reason
		 FROM bans
		 WHERE banned_at IS NOT NULL AND banned_at != '' AND banned_at >= ?
		 ORDER BY banned_at`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("listing bans since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var records []*BanRecord
	for rows.Next() {
		rec, err := scanBanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ban row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ban rows: %w", err)
	}
	return records, nil
}

// GetMeta returns the flag value for key, or "" if absent.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta sets the flag value for key, overwriting any previous value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting meta %q: %w", key, err)
	}
	return nil
}

// MetaByPrefix returns all flags whose key starts with prefix.
func (s *SQLiteStore) MetaByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM meta WHERE key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("listing meta prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning meta row: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meta rows: %w", err)
	}
	return out, nil
}

// Stats returns record counts and database size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM bans", &stats.RecordCount},
		{"SELECT COUNT(*) FROM bans WHERE banned_at IS NOT NULL AND banned_at != ''", &stats.BannedCount},
		{"SELECT COUNT(*) FROM bans WHERE joined_at IS NOT NULL AND joined_at != ''", &stats.JoinedCount},
		{"SELECT COUNT(*) FROM meta", &stats.FlagCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}

	if s.dbPath != ":memory:" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			stats.DBSizeBytes = fi.Size()
		}
	}
	return stats, nil
}

// GetDB returns the underlying *sql.DB for packages that need direct
// access. Normal operations still go through typed store methods.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBanRecord(row rowScanner) (*BanRecord, error) {
	var rec BanRecord
	var tag, joined, banned, moderator, reason sql.NullString
	if err := row.Scan(&rec.OffenderID, &tag, &joined, &banned, &moderator, &reason); err != nil {
		return nil, err
	}
	rec.OffenderTag = tag.String
	rec.Moderator = moderator.String
	rec.Reason = reason.String
	rec.JoinedAt = parseStoredTime(joined)
	rec.BannedAt = parseStoredTime(banned)
	return &rec, nil
}

// storedTimeLayout is RFC 3339 with fixed-width fractional seconds so that
// string comparison in SQL matches chronological order.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseStoredTime(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
