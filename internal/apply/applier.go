// Package apply replays change_log rows against a target database.
package apply

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mosesoghene/db-sync-agent/internal/changelog"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/schema"
)

// Applier replays changes idempotently: INSERT/UPDATE become an upsert
// keyed on the table's primary key, DELETE becomes a delete-by-PK
// (spec.md §4.4). Re-applying the same change is always safe.
type Applier struct {
	bootstrapper *schema.Bootstrapper
}

// NewApplier builds an Applier backed by bootstrapper's column/PK cache.
func NewApplier(bootstrapper *schema.Bootstrapper) *Applier {
	return &Applier{bootstrapper: bootstrapper}
}

// Apply replays c against target in full.
func (a *Applier) Apply(ctx context.Context, target dbsession.Session, c changelog.Change) error {
	return a.apply(ctx, target, c, nil)
}

// ApplyFields replays c against target restricted to fields (and the
// table's primary key), for a merge_fields partial apply (spec.md §4.6). A
// DELETE ignores the restriction since it is keyed by row_pk alone.
func (a *Applier) ApplyFields(ctx context.Context, target dbsession.Session, c changelog.Change, fields []string) error {
	return a.apply(ctx, target, c, fields)
}

func (a *Applier) apply(ctx context.Context, target dbsession.Session, c changelog.Change, restrictTo []string) error {
	pk, err := a.bootstrapper.PrimaryKeyOf(ctx, target, c.Table)
	if err != nil {
		return fmt.Errorf("apply: %s: %w", c.Table, err)
	}

	switch c.Operation {
	case "DELETE":
		return a.applyDelete(ctx, target, c, pk)
	case "INSERT", "UPDATE":
		return a.applyUpsert(ctx, target, c, pk, restrictTo)
	default:
		return fmt.Errorf("apply: unknown operation %q", c.Operation)
	}
}

func (a *Applier) applyDelete(ctx context.Context, target dbsession.Session, c changelog.Change, pk string) error {
	query := target.Dialect().DeleteByPKSQL(c.Table, pk)
	if _, err := target.Exec(ctx, query, c.RowPK); err != nil {
		return fmt.Errorf("apply: delete %s/%s: %w", c.Table, c.RowPK, err)
	}
	return nil
}

func (a *Applier) applyUpsert(ctx context.Context, target dbsession.Session, c changelog.Change, pk string, restrictTo []string) error {
	var fields map[string]any
	if c.RowData != "" {
		if err := json.Unmarshal([]byte(c.RowData), &fields); err != nil {
			return fmt.Errorf("apply: unmarshal row_data for %s/%s: %w", c.Table, c.RowPK, err)
		}
	}

	allCols, err := a.bootstrapper.ColumnsOf(ctx, target, c.Table)
	if err != nil {
		return fmt.Errorf("apply: %s: %w", c.Table, err)
	}

	cols := allCols
	if restrictTo != nil {
		allowed := make(map[string]bool, len(restrictTo)+1)
		allowed[pk] = true
		for _, f := range restrictTo {
			allowed[f] = true
		}
		cols = make([]string, 0, len(allCols))
		for _, col := range allCols {
			if allowed[col] {
				cols = append(cols, col)
			}
		}
	}

	args := make([]any, 0, len(cols))
	for _, col := range cols {
		args = append(args, fields[col])
	}

	query := target.Dialect().UpsertSQL(c.Table, pk, cols)
	if _, err := target.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("apply: upsert %s/%s: %w", c.Table, c.RowPK, err)
	}
	return nil
}
