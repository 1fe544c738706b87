// Package trigger synthesizes and installs the AFTER INSERT/UPDATE/DELETE
// triggers that populate change_log (spec.md §4.2).
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/metrics"
	"github.com/mosesoghene/db-sync-agent/internal/schema"
)

var operations = []string{"INSERT", "UPDATE", "DELETE"}

// Name returns the trigger name for table and op, per spec.md §4.2's
// "trg_<table>_<op>" convention.
func Name(table, op string) string {
	return fmt.Sprintf("trg_%s_%s", table, lowerOp(op))
}

func lowerOp(op string) string {
	switch op {
	case "INSERT":
		return "insert"
	case "UPDATE":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return op
	}
}

// Synthesizer installs change-capture triggers for the tables selected by a
// sync pair. It is always re-run as drop-then-create, so repeated calls
// leave exactly the current trigger set (spec.md testable property #5).
type Synthesizer struct {
	bootstrapper *schema.Bootstrapper
	metrics      *metrics.Registry
	logger       *slog.Logger
}

// NewSynthesizer builds a Synthesizer. metrics may be nil (no observation).
func NewSynthesizer(bootstrapper *schema.Bootstrapper, m *metrics.Registry, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{bootstrapper: bootstrapper, metrics: m, logger: logger}
}

// InstallForTable drops and recreates all three triggers for table,
// literalizing sourceNodeID into the trigger bodies (spec.md §4.2/§9 —
// triggers run in the database with no per-connection context, so the
// producing node's identity must be baked in at creation time).
//
// A table with no single-column primary key is skipped with a warning and
// produces zero triggers, per spec.md §4.1's failure policy; this is not
// treated as an error so the rest of the pair can proceed.
func (y *Synthesizer) InstallForTable(ctx context.Context, s dbsession.Session, table, sourceNodeID string, pairLabel, sideLabel string) error {
	pk, err := y.bootstrapper.PrimaryKeyOf(ctx, s, table)
	if err != nil {
		y.logger.Warn("skipping table: no single-column primary key", "table", table, "error", err)
		return nil
	}

	columns, err := y.bootstrapper.ColumnsOf(ctx, s, table)
	if err != nil {
		return fmt.Errorf("trigger: columns of %s: %w", table, err)
	}

	d := s.Dialect()
	for _, op := range operations {
		name := Name(table, op)

		if _, err := s.Exec(ctx, d.DropTriggerSQL(name)); err != nil {
			y.observeError(pairLabel, sideLabel, table)
			return fmt.Errorf("trigger: drop %s: %w", name, err)
		}

		ddl := d.CreateTriggerSQL(name, table, op, pk, sourceNodeID, columns)
		if _, err := s.Exec(ctx, ddl); err != nil {
			y.observeError(pairLabel, sideLabel, table)
			return fmt.Errorf("trigger: create %s: %w", name, err)
		}
	}

	if y.metrics != nil {
		y.metrics.TriggersInstalled.WithLabelValues(pairLabel, sideLabel, table).Inc()
	}
	y.logger.Info("installed triggers", "table", table, "pk", pk, "source_node", sourceNodeID)
	return nil
}

// InstallForTables runs InstallForTable across every table, continuing past
// per-table errors so one bad table doesn't block the rest of the pair
// (spec.md §7's trigger-install-error policy).
func (y *Synthesizer) InstallForTables(ctx context.Context, s dbsession.Session, tables []string, sourceNodeID string, pairLabel, sideLabel string) error {
	var firstErr error
	for _, table := range tables {
		if err := y.InstallForTable(ctx, s, table, sourceNodeID, pairLabel, sideLabel); err != nil {
			y.logger.Error("trigger install failed, continuing with remaining tables", "table", table, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (y *Synthesizer) observeError(pairLabel, sideLabel, table string) {
	if y.metrics != nil {
		y.metrics.TriggerErrors.WithLabelValues(pairLabel, sideLabel, table).Inc()
	}
}
