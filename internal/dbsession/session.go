// Package dbsession is the connection abstraction other components depend
// on. It deliberately exposes the small capability set spec.md §9 calls
// for — exec, fetch one, fetch all, close, db name — rather than an
// inheritance tree, so that the MySQL (production) and sqlite (test)
// dialects can implement the same interface.
package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoRows is returned by FetchOne when the query matched no row. It is
// database/sql's sentinel itself, so callers can use errors.Is against either.
var ErrNoRows = sql.ErrNoRows

// Row is one result row keyed by column name. Values come back as whatever
// the driver's Scan produced for an interface{} destination (int64, float64,
// []byte, string, time.Time, bool, nil).
type Row map[string]any

// Session is a handle to one database: the local or the cloud side of a
// sync pair. Each statement runs on its own (autocommit); the interface
// exposes no explicit transactions.
type Session interface {
	// Exec runs a statement that does not return rows.
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// FetchOne runs query and returns the first row, or ErrNoRows if the
	// result set was empty.
	FetchOne(ctx context.Context, query string, args ...any) (Row, error)

	// FetchAll runs query and returns every row in order.
	FetchAll(ctx context.Context, query string, args ...any) ([]Row, error)

	// Close releases the underlying connection.
	Close() error

	// Name is the database name this session is connected to.
	Name() string

	// Dialect exposes the SQL-generation rules for this session's engine.
	Dialect() Dialect
}

// ConnectionFactory yields a Session for a given DSN. Production code uses
// MySQLFactory; tests use SQLiteFactory so the same Applier/Fetcher/Detector
// logic runs against a pure-Go, in-process engine.
type ConnectionFactory interface {
	Open(ctx context.Context, dsn string) (Session, error)
}

// sqlSession is the shared database/sql-backed implementation used by both
// dialects; only the driver name, DSN, and Dialect differ between them.
type sqlSession struct {
	db      *sql.DB
	name    string
	dialect Dialect
}

func openSQLSession(ctx context.Context, driverName, dsn, dbName string, dialect Dialect) (Session, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbsession: open %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbsession: ping %s: %w", driverName, err)
	}
	return &sqlSession{db: db, name: dbName, dialect: dialect}, nil
}

func (s *sqlSession) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlSession) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *sqlSession) FetchOne(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNoRows
	}
	return all[0], nil
}

func (s *sqlSession) Close() error {
	return s.db.Close()
}

func (s *sqlSession) Name() string {
	return s.name
}

func (s *sqlSession) Dialect() Dialect {
	return s.dialect
}

// DB exposes the underlying *sql.DB for callers (goose migrations, health
// checks) that need it directly.
func (s *sqlSession) DB() *sql.DB {
	return s.db
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue turns driver-specific []byte text representations into
// strings so downstream stringified comparisons (spec.md §4.5) behave
// consistently across the mysql and sqlite drivers.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// IsNoRows reports whether err represents an empty result set.
func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}
