package racelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// ErrDriver is returned for a driver name other than DriverSQLite or
// DriverPostgres.
var ErrDriver = errors.New("racelog: unsupported sql driver")

// SQLLog persists records to a single table of a SQLite or Postgres
// database. The record body is stored as JSON next to a few indexed
// columns used for listing.
type SQLLog struct {
	db     *sql.DB
	driver string
	insert string
	owned  bool
}

// OpenSQL opens the database and ensures the race table exists.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLLog, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %q", ErrDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; in-memory databases are per connection.
		db.SetMaxOpenConns(1)
	}
	l, err := NewSQL(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// NewSQL wraps an open database. The caller keeps ownership of db: Close
// does not close it.
func NewSQL(ctx context.Context, db *sql.DB, driver string) (*SQLLog, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS race_records (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		ts BIGINT NOT NULL,
		current_tid BIGINT NOT NULL,
		racing_tid BIGINT NOT NULL,
		payload TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create race_records table: %w", err)
	}
	return &SQLLog{db: db, driver: driver, insert: insertStmt(driver)}, nil
}

func insertStmt(driver string) string {
	const cols = `INSERT INTO race_records (id, target, ts, current_tid, racing_tid, payload) VALUES `
	if driver == DriverPostgres {
		return cols + `($1, $2, $3, $4, $5, $6)`
	}
	return cols + `(` + strings.TrimSuffix(strings.Repeat("?, ", 6), ", ") + `)`
}

// DB exposes the underlying database.
func (l *SQLLog) DB() *sql.DB { return l.db }

// Append implements Sink.
func (l *SQLLog) Append(ctx context.Context, r *Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode race record: %w", err)
	}
	_, err = l.db.ExecContext(ctx, l.insert,
		r.ID.String(), r.Target.String(), r.Timestamp.UnixNano(),
		r.Current.ThreadID, r.Racing.ThreadID, string(payload))
	if err != nil {
		return fmt.Errorf("insert race record: %w", err)
	}
	return nil
}

// Records returns every stored record ordered by timestamp.
func (l *SQLLog) Records(ctx context.Context) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT payload FROM race_records ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("select race records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode race record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (l *SQLLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM race_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count race records: %w", err)
	}
	return n, nil
}

// Close implements Sink. It closes the database only if OpenSQL opened it.
func (l *SQLLog) Close() error {
	if !l.owned {
		return nil
	}
	return l.db.Close()
}
