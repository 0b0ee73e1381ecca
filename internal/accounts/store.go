// Package accounts is the account/administration boundary: temporary bans
// escalated by the abuse detector and the historical record of finished
// jobs, both in a local SQLite database.
package accounts

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PlanesZwalker/glsl-discord-bot-sub000/internal/admission"
)

const schema = `
CREATE TABLE IF NOT EXISTS bans (
    identity   TEXT PRIMARY KEY,
    reason     TEXT NOT NULL,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS job_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id       TEXT NOT NULL UNIQUE,
    fingerprint  TEXT NOT NULL,
    identity     TEXT NOT NULL,
    operation    TEXT NOT NULL,
    status       TEXT NOT NULL,
    queued_at    TEXT NOT NULL,
    started_at   TEXT NOT NULL DEFAULT '',
    completed_at TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    cache_hit    INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_history_identity ON job_history(identity);
`

// HistoryRecord is one finished job's row.
type HistoryRecord struct {
	JobID       string
	Fingerprint string
	Identity    string
	Operation   string
	Status      string
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	CacheHit    bool
	Error       string
}

// Store provides SQLite-backed storage for bans and job history.
// It implements admission.BanStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (or creates) the database at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}

	// WAL lets history inserts proceed during ban reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// RecordBan registers (or extends) a temporary ban for an identity.
func (s *Store) RecordBan(identity, reason string, duration time.Duration) error {
	now := s.now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO bans (identity, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			reason = excluded.reason,
			expires_at = excluded.expires_at`,
		identity, reason,
		now.Format(time.RFC3339), now.Add(duration).Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record ban for %s: %w", identity, err)
	}
	return nil
}

// BanStatus returns the active ban for an identity, if any. Expired rows
// are treated as absent (and lazily deleted).
func (s *Store) BanStatus(identity string) (admission.BanInfo, bool) {
	var reason, expiresAt string
	err := s.db.QueryRow(
		`SELECT reason, expires_at FROM bans WHERE identity = ?`, identity,
	).Scan(&reason, &expiresAt)
	if err != nil {
		return admission.BanInfo{}, false
	}

	expires, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return admission.BanInfo{}, false
	}
	if !s.now().Before(expires) {
		s.db.Exec(`DELETE FROM bans WHERE identity = ?`, identity)
		return admission.BanInfo{}, false
	}
	return admission.BanInfo{Identity: identity, Reason: reason, ExpiresAt: expires}, true
}

// Unban removes any ban for the identity (administrative).
func (s *Store) Unban(identity string) error {
	if _, err := s.db.Exec(`DELETE FROM bans WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("unban %s: %w", identity, err)
	}
	return nil
}

// InsertHistory stores one finished job. Duplicate job IDs are ignored.
func (s *Store) InsertHistory(r HistoryRecord) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO job_history (
			job_id, fingerprint, identity, operation, status,
			queued_at, started_at, completed_at, duration_ms, cache_hit, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Fingerprint, r.Identity, r.Operation, r.Status,
		fmtTime(r.QueuedAt), fmtTime(r.StartedAt), fmtTime(r.CompletedAt),
		r.DurationMs, boolToInt(r.CacheHit), r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit most recent records for an identity.
// An empty identity returns records for everyone.
func (s *Store) RecentHistory(identity string, limit int) ([]HistoryRecord, error) {
	query := `
		SELECT job_id, fingerprint, identity, operation, status,
		       queued_at, started_at, completed_at, duration_ms, cache_hit, error
		FROM job_history`
	args := []any{}
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		var queued, started, completed string
		var cacheHit int
		if err := rows.Scan(
			&r.JobID, &r.Fingerprint, &r.Identity, &r.Operation, &r.Status,
			&queued, &started, &completed, &r.DurationMs, &cacheHit, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.QueuedAt = parseTime(queued)
		r.StartedAt = parseTime(started)
		r.CompletedAt = parseTime(completed)
		r.CacheHit = cacheHit != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
