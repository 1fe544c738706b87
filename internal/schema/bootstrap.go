// Package schema bootstraps the change_log and conflict_log tables and
// introspects user tables for trigger synthesis (spec.md §4.1).
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mosesoghene/db-sync-agent/internal/config"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
)

// ErrCompositeOrMissingPK is returned by PrimaryKeyOf for a table without
// exactly one single-column primary key. Per spec.md §4.1 and §9.3 such a
// table is skipped, not a fatal error.
var ErrCompositeOrMissingPK = errors.New("schema: table has no single-column primary key")

type tableKey struct {
	db    string
	table string
}

// Bootstrapper ensures change_log/conflict_log exist (with migration of a
// legacy schema) and introspects user tables, caching the introspection
// results per (database, table) since they rarely change between ticks.
type Bootstrapper struct {
	logger     *slog.Logger
	pkCache    *lru.Cache[tableKey, string]
	colCache   *lru.Cache[tableKey, []string]
}

// NewBootstrapper creates a Bootstrapper with a bounded introspection cache.
func NewBootstrapper(logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	pkCache, _ := lru.New[tableKey, string](512)
	colCache, _ := lru.New[tableKey, []string](512)
	return &Bootstrapper{logger: logger, pkCache: pkCache, colCache: colCache}
}

// EnsureChangeLog creates change_log if absent, and migrates a legacy
// change_log missing the applied_nodes column by adding it defaulted to an
// empty set. Idempotent (spec.md §4.1, testable property #4).
func (b *Bootstrapper) EnsureChangeLog(ctx context.Context, s dbsession.Session) error {
	d := s.Dialect()

	if _, err := s.Exec(ctx, d.CreateChangeLogTableSQL()); err != nil {
		return fmt.Errorf("schema: create change_log: %w", err)
	}

	hasCol, err := d.HasColumn(ctx, s, "change_log", "applied_nodes")
	if err != nil {
		return fmt.Errorf("schema: check applied_nodes column: %w", err)
	}
	if !hasCol {
		b.logger.Info("migrating legacy change_log: adding applied_nodes column", "db", s.Name())
		if _, err := s.Exec(ctx, d.AddAppliedNodesColumnSQL()); err != nil {
			return fmt.Errorf("schema: migrate applied_nodes column: %w", err)
		}
	}

	return nil
}

// EnsureConflictLog creates conflict_log if absent. Idempotent.
func (b *Bootstrapper) EnsureConflictLog(ctx context.Context, s dbsession.Session) error {
	if _, err := s.Exec(ctx, s.Dialect().CreateConflictLogTableSQL()); err != nil {
		return fmt.Errorf("schema: create conflict_log: %w", err)
	}
	return nil
}

// ListSyncTables returns the user tables selected by selection, excluding
// change_log and conflict_log (spec.md §3.2).
func (b *Bootstrapper) ListSyncTables(ctx context.Context, s dbsession.Session, pair config.SyncPair) ([]string, error) {
	all, err := s.Dialect().ListUserTables(ctx, s)
	if err != nil {
		return nil, err
	}

	if pair.SelectsAllTables() {
		return all, nil
	}

	allowed := make(map[string]bool, len(pair.Tables))
	for _, t := range pair.Tables {
		allowed[t] = true
	}

	out := make([]string, 0, len(pair.Tables))
	for _, t := range all {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// PrimaryKeyOf returns table's single-column primary key, using the cache
// when available. Returns ErrCompositeOrMissingPK if table has no PK or a
// composite one; the caller should skip the table rather than fail the pair.
func (b *Bootstrapper) PrimaryKeyOf(ctx context.Context, s dbsession.Session, table string) (string, error) {
	key := tableKey{db: s.Name(), table: table}
	if pk, ok := b.pkCache.Get(key); ok {
		return pk, nil
	}

	pk, ok, err := s.Dialect().PrimaryKeyColumn(ctx, s, table)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrCompositeOrMissingPK, s.Name(), table)
	}

	b.pkCache.Add(key, pk)
	return pk, nil
}

// ColumnsOf returns table's ordered column list, using the cache when
// available.
func (b *Bootstrapper) ColumnsOf(ctx context.Context, s dbsession.Session, table string) ([]string, error) {
	key := tableKey{db: s.Name(), table: table}
	if cols, ok := b.colCache.Get(key); ok {
		return cols, nil
	}

	cols, err := s.Dialect().Columns(ctx, s, table)
	if err != nil {
		return nil, fmt.Errorf("schema: columns of %s: %w", table, err)
	}

	b.colCache.Add(key, cols)
	return cols, nil
}

// InvalidateTable drops table from both caches; call after a DDL change
// that alters its column set (e.g. before re-synthesizing triggers against
// a table whose schema may have evolved).
func (b *Bootstrapper) InvalidateTable(db, table string) {
	key := tableKey{db: db, table: table}
	b.pkCache.Remove(key)
	b.colCache.Remove(key)
}
