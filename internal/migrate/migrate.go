// Package migrate wraps goose to run this repo's migrations/ directory
// against a sync pair's MySQL endpoint (grounded on the teacher's
// internal/database/migrations.go, adapted from postgres to mysql and from
// a single service database to an arbitrary sync-pair endpoint).
package migrate

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"
)

// DefaultDir is the migrations directory used when the caller doesn't
// override it (a CLI flag, typically).
const DefaultDir = "migrations"

// Up applies every pending migration in dir against dsn.
func Up(dsn, dir string, logger *slog.Logger) error {
	return withDB(dsn, logger, func(db *sql.DB) error {
		return goose.Up(db, resolveDir(dir))
	})
}

// Down rolls back the most recently applied migration.
func Down(dsn, dir string, logger *slog.Logger) error {
	return withDB(dsn, logger, func(db *sql.DB) error {
		return goose.Down(db, resolveDir(dir))
	})
}

// Status prints the applied/pending state of every migration through
// goose's own logger; logger only records the run's start and outcome.
func Status(dsn, dir string, logger *slog.Logger) error {
	return withDB(dsn, logger, func(db *sql.DB) error {
		return goose.Status(db, resolveDir(dir))
	})
}

func resolveDir(dir string) string {
	if dir == "" {
		return DefaultDir
	}
	return dir
}

func withDB(dsn string, logger *slog.Logger, fn func(*sql.DB) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := goose.SetDialect("mysql"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open: %w", err)
	}
	defer db.Close()

	logger.Info("migrate: running")
	if err := fn(db); err != nil {
		logger.Error("migrate: failed", "error", err)
		return err
	}
	logger.Info("migrate: done")
	return nil
}
