// Package testutil provides shared test fixtures used across the agent's
// unit tests: every package tests its replication logic against a real
// (pure-Go, cgo-free) sqlite engine rather than a mock, the same way the
// teacher exercises its storage layer against sqlite in-process.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
)

// NewSQLiteSession opens a fresh, file-backed sqlite session scoped to the
// test's temp directory and registers its cleanup.
func NewSQLiteSession(tb testing.TB, name string) dbsession.Session {
	tb.Helper()

	dir := tb.TempDir()
	dsn := filepath.Join(dir, name+".db")

	sess, err := (dbsession.SQLiteFactory{}).Open(context.Background(), dsn)
	if err != nil {
		tb.Fatalf("testutil: open sqlite session: %v", err)
	}
	tb.Cleanup(func() { _ = sess.Close() })
	return sess
}
