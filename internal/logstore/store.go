// Package logstore persists logging bus entries to SQLite so the timeline
// survives restarts and can be inspected from the CLI.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/logbus"
	"github.com/nupi-ai/domlink/internal/protocol"
)

const defaultBusyTimeout = constants.Duration5Seconds

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL,
		severity TEXT NOT NULL,
		severity_rank INTEGER NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		request_id TEXT,
		result_json TEXT,
		metadata_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_request ON log_entries(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_rank ON log_entries(severity_rank, seq)`,
}

// Options describes parameters for opening a log store.
type Options struct {
	Path     string
	ReadOnly bool
}

// Store is a SQLite-backed log archive.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Query filters Recent.
type Query struct {
	Limit       int
	MinSeverity logbus.Severity
	Category    string
	RequestID   string
}

// Open creates (or opens) the database at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("logstore: path is required")
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("logstore: create directory: %w", err)
		}
	}

	dsn := opts.Path
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", opts.Path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("logstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), constants.Duration5Seconds)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}
	if !opts.ReadOnly {
		if err := applySchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db, path: opts.Path, readOnly: opts.ReadOnly}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
	}
	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("logstore: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("logstore: begin schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("logstore: apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("logstore: commit schema: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Append inserts entry. Re-appending an id already stored is a no-op.
func (s *Store) Append(ctx context.Context, entry logbus.Entry) error {
	var requestID sql.NullString
	var resultJSON sql.NullString
	if entry.Result != nil {
		data, err := json.Marshal(entry.Result)
		if err != nil {
			return fmt.Errorf("logstore: encode result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
		if entry.Result.RequestID != "" {
			requestID = sql.NullString{String: entry.Result.RequestID, Valid: true}
		}
	}
	if !requestID.Valid {
		if v, ok := entry.Metadata["requestId"].(string); ok && v != "" {
			requestID = sql.NullString{String: v, Valid: true}
		}
	}
	var metadataJSON sql.NullString
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("logstore: encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (id, ts, severity, severity_rank, category, message, request_id, result_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		entry.ID,
		entry.Timestamp.UnixMilli(),
		string(entry.Severity),
		entry.Severity.Rank(),
		entry.Category,
		entry.Message,
		requestID,
		resultJSON,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("logstore: insert entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries matching q, oldest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]logbus.Entry, error) {
	if q.Limit <= 0 {
		q.Limit = constants.LogHistoryCapacity
	}
	var (
		where []string
		args  []any
	)
	if q.MinSeverity != "" {
		where = append(where, "severity_rank >= ?")
		args = append(args, q.MinSeverity.Rank())
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if q.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, q.RequestID)
	}
	query := `SELECT id, ts, severity, category, message, result_json, metadata_json FROM log_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("logstore: query entries: %w", err)
	}
	defer rows.Close()

	var out []logbus.Entry
	for rows.Next() {
		var (
			entry            logbus.Entry
			ts               int64
			severity         string
			result, metadata sql.NullString
		)
		if err := rows.Scan(&entry.ID, &ts, &severity, &entry.Category, &entry.Message, &result, &metadata); err != nil {
			return nil, fmt.Errorf("logstore: scan entry: %w", err)
		}
		entry.Timestamp = time.UnixMilli(ts)
		entry.Severity = logbus.Severity(severity)
		if result.Valid {
			var res protocol.CommandResult
			if err := json.Unmarshal([]byte(result.String), &res); err != nil {
				return nil, fmt.Errorf("logstore: decode result for %s: %w", entry.ID, err)
			}
			entry.Result = &res
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("logstore: decode metadata for %s: %w", entry.ID, err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logstore: iterate entries: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("logstore: count entries: %w", err)
	}
	return n, nil
}

// Prune keeps the newest keep entries and deletes the rest. It returns the
// number of rows removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM log_entries
		WHERE seq NOT IN (SELECT seq FROM log_entries ORDER BY seq DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("logstore: prune entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("logstore: prune rows affected: %w", err)
	}
	return n, nil
}
