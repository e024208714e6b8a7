// Package storage implements APE's Persistence Layer (C1): a pooled
// embedded SQL store for conversation history, tool errors, and
// summaries. Adapted from the teacher's internal/sessions/cockroach.go
// (prepared statements, transactional append, JSON-encoded columns),
// moved from CockroachDB/Postgres ($N placeholders, lib/pq) to an
// embedded, cgo-free SQLite store (? placeholders, modernc.org/sqlite).
// WAL-mode-on-connect is grounded on original_source/ape/db_pool.py.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"unicode"

	"github.com/Choapinus/ape/internal/models"
	_ "modernc.org/sqlite"
)

// Store is a pooled connection to one embedded SQL file.
type Store struct {
	db *sql.DB

	stmtInsertMessage   *sql.Stmt
	stmtDeleteMessages  *sql.Stmt
	stmtGetHistory      *sql.Stmt
	stmtAllSessions     *sql.Stmt
	stmtInsertError     *sql.Stmt
	stmtRecentErrors    *sql.Stmt
	stmtInsertSummary   *sql.Stmt
}

// Config tunes the connection pool. Bounded queue semantics mirror the
// teacher's CockroachConfig pool fields.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open creates (or attaches to) the database at cfg.Path, enables WAL
// journalling, runs idempotent schema migration, and prepares all
// statements used by the Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

// migrate creates the three tables if absent, then probes each expected
// column and adds any that are missing — an idempotent column migration
// per spec.md §4.1.
func migrate(ctx context.Context, db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			images BLOB,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tool_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			tool TEXT NOT NULL,
			arguments TEXT,
			error TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			original_messages TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id, timestamp)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	expected := map[string][]string{
		"history":      {"session_id", "role", "content", "images", "timestamp"},
		"tool_errors":   {"session_id", "tool", "arguments", "error", "timestamp"},
		"summaries":    {"session_id", "original_messages", "summary_text", "timestamp"},
	}
	for table, cols := range expected {
		existing, err := existingColumns(ctx, db, table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if !existing[col] {
				alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", table, col)
				if _, err := db.ExecContext(ctx, alter); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func existingColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.stmtInsertMessage, err = s.db.PrepareContext(ctx,
		`INSERT INTO history (session_id, role, content, images, timestamp) VALUES (?, ?, ?, ?, ?)`); err != nil {
		return err
	}
	if s.stmtDeleteMessages, err = s.db.PrepareContext(ctx,
		`DELETE FROM history WHERE session_id = ?`); err != nil {
		return err
	}
	if s.stmtGetHistory, err = s.db.PrepareContext(ctx,
		`SELECT session_id, role, content, images, timestamp FROM history WHERE session_id = ? ORDER BY timestamp ASC`); err != nil {
		return err
	}
	if s.stmtAllSessions, err = s.db.PrepareContext(ctx,
		`SELECT session_id, COUNT(*), MIN(timestamp), MAX(timestamp) FROM history GROUP BY session_id`); err != nil {
		return err
	}
	if s.stmtInsertError, err = s.db.PrepareContext(ctx,
		`INSERT INTO tool_errors (session_id, tool, arguments, error, timestamp) VALUES (?, ?, ?, ?, ?)`); err != nil {
		return err
	}
	if s.stmtRecentErrors, err = s.db.PrepareContext(ctx,
		`SELECT session_id, tool, arguments, error, timestamp FROM tool_errors
		 WHERE (? = '' OR session_id = ?) ORDER BY timestamp DESC LIMIT ?`); err != nil {
		return err
	}
	if s.stmtInsertSummary, err = s.db.PrepareContext(ctx,
		`INSERT INTO summaries (session_id, original_messages, summary_text, timestamp) VALUES (?, ?, ?, ?)`); err != nil {
		return err
	}
	return nil
}

// Close releases all prepared statements then the pool itself, closing
// all connections.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.stmtInsertMessage, s.stmtDeleteMessages, s.stmtGetHistory,
		s.stmtAllSessions, s.stmtInsertError, s.stmtRecentErrors, s.stmtInsertSummary,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close() //nolint:errcheck
		}
	}
	return s.db.Close()
}

// SaveMessages replaces the full message list for sessionID atomically:
// a concurrent reader sees either the old set or the new set, never a
// mix (spec.md §5).
func (s *Store) SaveMessages(ctx context.Context, sessionID string, messages []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.StmtContext(ctx, s.stmtDeleteMessages).ExecContext(ctx, sessionID); err != nil {
		return err
	}
	insert := tx.StmtContext(ctx, s.stmtInsertMessage)
	for _, m := range messages {
		var imgBlob []byte
		if len(m.Images) > 0 {
			imgBlob, err = json.Marshal(m.Images)
			if err != nil {
				return err
			}
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := insert.ExecContext(ctx, sessionID, string(m.Role), m.Content, imgBlob, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetHistory returns messages ordered by timestamp ascending.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var imgBlob []byte
		if err := rows.Scan(&m.SessionID, &role, &m.Content, &imgBlob, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if len(imgBlob) > 0 {
			_ = json.Unmarshal(imgBlob, &m.Images)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetAllSessions aggregates message counts and timestamp bounds per
// session.
func (s *Store) GetAllSessions(ctx context.Context) ([]models.SessionInfo, error) {
	rows, err := s.stmtAllSessions.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionInfo
	for rows.Next() {
		var info models.SessionInfo
		if err := rows.Scan(&info.SessionID, &info.MessageCount, &info.FirstTimestamp, &info.LastTimestamp); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SaveError appends a Tool Error Record.
func (s *Store) SaveError(ctx context.Context, rec models.ToolErrorRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.stmtInsertError.ExecContext(ctx, rec.SessionID, rec.Tool, string(rec.Arguments), rec.Error, ts)
	return err
}

// GetRecentErrors returns the most recent tool-error rows, optionally
// filtered by sessionID.
func (s *Store) GetRecentErrors(ctx context.Context, limit int, sessionID string) ([]models.ToolErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.stmtRecentErrors.QueryContext(ctx, sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ToolErrorRecord
	for rows.Next() {
		var rec models.ToolErrorRecord
		var sessID sql.NullString
		var args string
		if err := rows.Scan(&sessID, &rec.Tool, &args, &rec.Error, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.SessionID = sessID.String
		rec.Arguments = json.RawMessage(args)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isSafeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

// GetRecentMessages returns the most recent messages across every
// session, newest first — backs the conversation://recent resource.
func (s *Store) GetRecentMessages(ctx context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, content, images, timestamp FROM history ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var imgBlob []byte
		if err := rows.Scan(&m.SessionID, &role, &m.Content, &imgBlob, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if len(imgBlob) > 0 {
			_ = json.Unmarshal(imgBlob, &m.Images)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListTables returns the names of every table in the schema — backs
// the schema://tables resource.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ColumnInfo describes one column as reported by PRAGMA table_info.
type ColumnInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableColumns returns the column metadata for table — backs the
// schema://<table>/columns resource. table comes from a resource URI
// path segment, so it is restricted to identifier characters before
// being interpolated: PRAGMA table_info does not accept a bound
// parameter for the table name.
func (s *Store) TableColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	if !isSafeIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var c ColumnInfo
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneToolErrors deletes tool_errors rows older than olderThan,
// returning the number of rows removed. Backs the scheduled retention
// sweep in internal/maintenance.
func (s *Store) PruneToolErrors(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_errors WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveSummary appends a Summary Record. Per spec.md §3's invariant,
// callers MUST write this row before dropping the corresponding
// messages from Window Memory.
func (s *Store) SaveSummary(ctx context.Context, sessionID string, original []models.Message, summaryText string) error {
	blob, err := json.Marshal(original)
	if err != nil {
		return err
	}
	_, err = s.stmtInsertSummary.ExecContext(ctx, sessionID, string(blob), summaryText, time.Now())
	return err
}
