//file: internal/store/store.go

// Package store is the embedded event store: a SQLite database holding
// the append-only mqtt_events table plus the alert tables. Writers are
// serialized through the persistence queue; readers run concurrently.
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

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/event"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
)

// TimestampLayout is the canonical event timestamp form: UTC with fixed
// millisecond precision, so lexicographic order equals time order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders a time in the canonical store form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

const (
	createEventsTable = `CREATE TABLE IF NOT EXISTS mqtt_events (
		timestamp TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		broker_id TEXT NOT NULL DEFAULT 'default_broker'
	)`

	insertEventSQL = `INSERT INTO mqtt_events (timestamp, topic, payload, broker_id) VALUES (?, ?, ?, ?)`
)

// Options configure the store.
type Options struct {
	Path           string // file path, or ":memory:" for tests
	MaxSizeMB      int
	PruneChunkSize int
}

// Store wraps the SQLite handle and its maintenance state.
type Store struct {
	db      *sql.DB
	path    string
	logger  *logger.Logger
	metrics *metrics.Metrics

	maxSizeBytes int64
	pruneChunk   int
}

// Open opens (or creates) the database, applies pragmas and runs the
// schema migration.
func Open(opts Options, log *logger.Logger, metricsService *metrics.Metrics) (*Store, error) {
	dsn := opts.Path
	inMemory := dsn == ":memory:" || dsn == ""
	if inMemory {
		dsn = ":memory:"
	} else {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if inMemory {
		// A second connection would see a different empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		// Applies to new databases; existing files keep their mode and
		// compaction degrades to WAL truncation.
		"PRAGMA auto_vacuum = INCREMENTAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("failed to set pragma", "pragma", pragma, "error", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:           db,
		path:         opts.Path,
		logger:       log,
		metrics:      metricsService,
		maxSizeBytes: int64(opts.MaxSizeMB) * 1024 * 1024,
		pruneChunk:   opts.PruneChunkSize,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// migrate creates the events table and upgrades legacy databases that
// predate the broker_id column.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(createEventsTable); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	hasBrokerID, err := s.columnExists("mqtt_events", "broker_id")
	if err != nil {
		return err
	}
	if !hasBrokerID {
		s.logger.Info("migrating events table: adding broker_id column")
		if _, err := s.db.Exec(`ALTER TABLE mqtt_events ADD COLUMN broker_id TEXT NOT NULL DEFAULT 'default_broker'`); err != nil {
			return fmt.Errorf("failed to add broker_id column: %w", err)
		}
		if _, err := s.db.Exec(`UPDATE mqtt_events SET broker_id = 'default_broker' WHERE broker_id IS NULL OR broker_id = ''`); err != nil {
			return fmt.Errorf("failed to backfill broker_id: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_mqtt_events_timestamp ON mqtt_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_mqtt_events_topic ON mqtt_events(topic)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// BatchRowError reports rows rejected inside a batch transaction. The
// batch was rolled back; retrying it would fail the same way.
type BatchRowError struct {
	Failed int
	Total  int
}

func (e *BatchRowError) Error() string {
	return fmt.Sprintf("%d of %d rows failed, batch rolled back", e.Failed, e.Total)
}

// InsertBatch writes a batch of events inside one transaction. Any
// per-row failure rolls the whole batch back so readers never observe a
// partial batch.
func (s *Store) InsertBatch(ctx context.Context, events []*event.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	rowErrors := 0
	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			FormatTimestamp(ev.Timestamp),
			ev.Topic,
			ev.PayloadText,
			ev.BrokerID,
		)
		if err != nil {
			rowErrors++
			s.logger.Debug("failed to insert event", "topic", ev.Topic, "error", err)
		}
	}

	if rowErrors > 0 {
		tx.Rollback()
		return 0, &BatchRowError{Failed: rowErrors, Total: len(events)}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return len(events), nil
}

// ValidateReadOnly rejects any statement whose first token is not
// SELECT. The sandboxed db API goes through this guard.
func ValidateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	token := trimmed
	if i := strings.IndexFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	}); i > 0 {
		token = trimmed[:i]
	}
	if !strings.EqualFold(token, "SELECT") {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	return nil
}

// QueryAll runs a query and scans every row into a map. Byte columns
// come back as strings so results serialize cleanly to JSON.
func (s *Store) QueryAll(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	results := make([]map[string]any, 0)
	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// QueryOne runs a query and returns the first row, or nil when the
// result set is empty.
func (s *Store) QueryOne(ctx context.Context, query string, args ...any) (map[string]any, error) {
	results, err := s.QueryAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Exec runs a write statement. Reserved for in-process callers; the
// sandbox never reaches this.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// EventCount returns the number of rows in the events table.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mqtt_events`).Scan(&n)
	return n, err
}

// SizeBytes reports the database size from the page statistics.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Bounds returns the oldest and newest event timestamps. ok is false
// when the table is empty.
func (s *Store) Bounds(ctx context.Context) (minTS, maxTS string, ok bool, err error) {
	var minNull, maxNull sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM mqtt_events`).Scan(&minNull, &maxNull)
	if err != nil {
		return "", "", false, err
	}
	if !minNull.Valid || !maxNull.Valid {
		return "", "", false, nil
	}
	return minNull.String, maxNull.String, true, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
