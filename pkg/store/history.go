// Package store keeps a history of finalized jobs in a SQL database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"piscale/pkg/reduce"
)

// DefaultTable is the history table name.
const DefaultTable = "piscale_runs"

// ErrUnsupportedDriver indicates a database/sql driver name the history has no dialect for.
var ErrUnsupportedDriver = errors.New("unsupported history driver")

// Dialect is the SQL flavour of a driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case DialectSQLite, DialectPostgres, DialectMySQL:
		return Dialect(driver), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// Placeholder returns the bind parameter for the n-th argument (1-based).
func (d Dialect) Placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = d.Placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

// History records reports in a SQL table. It implements reduce.Reporter.
type History struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

var _ reduce.Reporter = (*History)(nil)

// Open opens a database with one of the registered drivers and returns its history.
// The connection is established lazily; Migrate is the first statement sent.
func Open(driver, dsn string) (*History, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if d == DialectSQLite {
		// An in-memory sqlite database lives as long as its single connection.
		db.SetMaxOpenConns(1)
	}
	return &History{db: db, dialect: d, table: DefaultTable}, nil
}

// New returns a history over an existing database handle.
func New(db *sql.DB, driver string) (*History, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &History{db: db, dialect: d, table: DefaultTable}, nil
}

// DB returns the underlying database handle.
func (h *History) DB() *sql.DB {
	return h.db
}

// Close closes the underlying database handle.
func (h *History) Close() error {
	return h.db.Close()
}

// Migrate creates the history table if it does not exist.
func (h *History) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			method VARCHAR(64) NOT NULL,
			workers INTEGER NOT NULL,
			chunk_size BIGINT NOT NULL,
			total_work BIGINT NOT NULL,
			accumulator DOUBLE PRECISION NOT NULL,
			estimate DOUBLE PRECISION NOT NULL,
			reference_value DOUBLE PRECISION NOT NULL,
			difference DOUBLE PRECISION NOT NULL,
			started_unix_nano BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL
		)`, h.table)

	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate history table: %w", err)
	}
	return nil
}

// Record inserts one report.
func (h *History) Record(ctx context.Context, r reduce.Report) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, method, workers, chunk_size, total_work, accumulator, estimate, reference_value, difference, started_unix_nano, duration_ns)
		VALUES (%s)`, h.table, h.dialect.placeholders(11))

	_, err := h.db.ExecContext(ctx, query,
		r.JobID,
		r.Method,
		r.Workers,
		r.ChunkSize,
		r.TotalWork,
		r.Accumulator,
		r.Estimate,
		r.Reference,
		r.Difference,
		r.StartedAt.UnixNano(),
		int64(r.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", r.JobID, err)
	}
	return nil
}

// Report records r. It lets a History be used directly as the coordinator's reporter.
func (h *History) Report(ctx context.Context, r reduce.Report) error {
	return h.Record(ctx, r)
}

// Recent returns up to limit reports, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]reduce.Report, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, method, workers, chunk_size, total_work, accumulator, estimate, reference_value, difference, started_unix_nano, duration_ns
		FROM %s
		ORDER BY started_unix_nano DESC
		LIMIT %s`, h.table, h.dialect.Placeholder(1))

	rows, err := h.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var reports []reduce.Report
	for rows.Next() {
		var (
			r         reduce.Report
			startedNs int64
			duration  int64
		)
		if err := rows.Scan(
			&r.JobID,
			&r.Method,
			&r.Workers,
			&r.ChunkSize,
			&r.TotalWork,
			&r.Accumulator,
			&r.Estimate,
			&r.Reference,
			&r.Difference,
			&startedNs,
			&duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		r.StartedAt = time.Unix(0, startedNs)
		r.Duration = time.Duration(duration)
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return reports, nil
}
