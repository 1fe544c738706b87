// Package replicate drives one direction of one sync pair for a tick:
// fetch, detect, resolve, apply, mark-applied (spec.md §4.7).
package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mosesoghene/db-sync-agent/internal/apply"
	"github.com/mosesoghene/db-sync-agent/internal/changelog"
	"github.com/mosesoghene/db-sync-agent/internal/conflict"
	"github.com/mosesoghene/db-sync-agent/internal/config"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/metrics"
	"github.com/mosesoghene/db-sync-agent/internal/schema"
)

// TableSummary reports the outcome of replicating one table in one
// direction; the agent totals these into its per-pair tick summary log.
type TableSummary struct {
	Table     string
	Fetched   int
	Applied   int
	Skipped   int
	Conflicts int
	Errors    int
}

// Summary aggregates every table's outcome for one direction.
type Summary struct {
	Pair   string
	Source string
	Target string
	Tables []TableSummary
}

// Totals sums Applied/Skipped/Conflicts/Errors across all tables.
func (s Summary) Totals() (applied, skipped, conflicts, errs int) {
	for _, t := range s.Tables {
		applied += t.Applied
		skipped += t.Skipped
		conflicts += t.Conflicts
		errs += t.Errors
	}
	return
}

// ConflictEvent is emitted whenever the resolver records a conflict_log row,
// for optional push consumers (the websocket conflict monitor).
type ConflictEvent struct {
	Pair         string
	Table        string
	RecordPK     string
	ConflictType string
	Resolution   string
}

// Driver wires the fetch -> detect -> resolve -> apply -> mark-applied
// pipeline over one (source, target) pair of sessions.
type Driver struct {
	bootstrapper *schema.Bootstrapper
	detector     *conflict.Detector
	resolver     *conflict.Resolver
	applier      *apply.Applier
	metrics      *metrics.Registry
	logger       *slog.Logger
	notify       func(ConflictEvent)
}

// NewDriver builds a Driver. metrics may be nil.
func NewDriver(bootstrapper *schema.Bootstrapper, m *metrics.Registry, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		bootstrapper: bootstrapper,
		detector:     conflict.NewDetector(bootstrapper),
		resolver:     conflict.NewResolver(),
		applier:      apply.NewApplier(bootstrapper),
		metrics:      m,
		logger:       logger,
	}
}

// OnConflict registers fn to be called every time the resolver records a
// conflict_log row. Used to push live updates to the conflict monitor's
// websocket clients; safe to leave unset.
func (d *Driver) OnConflict(fn func(ConflictEvent)) {
	d.notify = fn
}

// RunDirection replicates selection's tables from source to target, where
// targetNodeID identifies target and thisDirection names the direction of
// this call (local_to_cloud or cloud_to_local) so per-table direction
// overrides can gate which tables participate (spec.md §3.2, §4.7).
func (d *Driver) RunDirection(ctx context.Context, pairName string, source, target dbsession.Session, targetNodeID string, pair config.SyncPair, thisDirection config.Direction) (Summary, error) {
	summary := Summary{Pair: pairName, Source: source.Name(), Target: target.Name()}

	tables, err := d.bootstrapper.ListSyncTables(ctx, source, pair)
	if err != nil {
		return summary, fmt.Errorf("replicate: list tables: %w", err)
	}

	var firstErr error
	for _, table := range tables {
		tableDir := pair.DirectionFor(table)
		if tableDir == config.DirectionNoSync {
			continue
		}
		if tableDir != config.DirectionBidirectional && tableDir != thisDirection {
			continue
		}

		ts, err := d.runTable(ctx, pairName, source, target, targetNodeID, table, pair.ConflictResolution)
		summary.Tables = append(summary.Tables, ts)
		if err != nil {
			d.logger.Error("replicate: table failed", "pair", pairName, "table", table, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return summary, firstErr
}

func (d *Driver) runTable(ctx context.Context, pairName string, source, target dbsession.Session, targetNodeID, table string, strategy config.Strategy) (TableSummary, error) {
	ts := TableSummary{Table: table}

	changes, err := changelog.Fetch(ctx, source, targetNodeID, changelog.FetchOptions{Table: table})
	if err != nil {
		ts.Errors++
		return ts, fmt.Errorf("fetch %s: %w", table, err)
	}
	ts.Fetched = len(changes)
	if d.metrics != nil {
		d.metrics.ChangesFetched.WithLabelValues(pairName, table).Add(float64(len(changes)))
	}

	var firstErr error
	for _, c := range changes {
		// Loop prevention (spec.md §4.9, testable property #2): a change
		// already originating from the target is never sent back to it.
		if c.SourceNode == targetNodeID {
			if d.metrics != nil {
				d.metrics.ChangesSkipped.WithLabelValues(pairName, table, "loop_prevention").Inc()
			}
			continue
		}

		if err := d.applyOne(ctx, pairName, target, c, strategy, &ts); err != nil {
			ts.Errors++
			if d.metrics != nil {
				d.metrics.ApplyErrors.WithLabelValues(pairName, table).Inc()
			}
			d.logger.Error("replicate: apply failed, not marking applied", "pair", pairName, "table", table, "change_id", c.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := changelog.MarkApplied(ctx, source, c.ID, targetNodeID); err != nil {
			d.logger.Error("replicate: mark-applied failed, may retry next tick", "pair", pairName, "change_id", c.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return ts, firstErr
}

func (d *Driver) applyOne(ctx context.Context, pairName string, target dbsession.Session, c changelog.Change, strategy config.Strategy, ts *TableSummary) error {
	if c.Operation == "INSERT" || c.Operation == "UPDATE" {
		result, err := d.detector.Detect(ctx, target, c)
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}

		if result.Conflicted() {
			ts.Conflicts++

			decision, err := d.resolver.Resolve(ctx, target, c, result, strategy)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			if d.metrics != nil {
				d.metrics.ConflictsTotal.WithLabelValues(pairName, c.Table, string(result.Type), decision.Resolution).Inc()
			}
			if d.notify != nil {
				d.notify(ConflictEvent{
					Pair:         pairName,
					Table:        c.Table,
					RecordPK:     c.RowPK,
					ConflictType: string(result.Type),
					Resolution:   decision.Resolution,
				})
			}
			if !decision.Apply {
				ts.Skipped++
				if d.metrics != nil {
					d.metrics.ChangesSkipped.WithLabelValues(pairName, c.Table, "conflict_"+decision.Resolution).Inc()
				}
				return nil
			}
			if decision.SafeFields != nil {
				if err := d.applier.ApplyFields(ctx, target, c, decision.SafeFields); err != nil {
					return fmt.Errorf("apply (merged): %w", err)
				}
				ts.Applied++
				return nil
			}
		}
	}

	if err := d.applier.Apply(ctx, target, c); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	ts.Applied++
	if d.metrics != nil {
		d.metrics.ChangesApplied.WithLabelValues(pairName, c.Table, c.Operation).Inc()
	}
	return nil
}

// PairResult holds the summaries produced by replicating one pair for one
// tick: one for local_to_cloud and one for cloud_to_local (spec.md §4.7).
type PairResult struct {
	LocalToCloud *Summary
	CloudToLocal *Summary
}

// RunPair opens both sides of pair, runs both directions (per-table direction
// overrides decide which tables each direction replicates), and closes both
// sessions on every exit path (spec.md §5's "connections are
// opened inside a tick and closed on all exit paths").
func (d *Driver) RunPair(ctx context.Context, pair config.SyncPair, localNodeID, cloudNodeID string, connect dbsession.ConnectionFactory) (PairResult, error) {
	var result PairResult

	local, err := connect.Open(ctx, pair.Local.DSN())
	if err != nil {
		return result, fmt.Errorf("replicate: connect local for pair %s: %w", pair.Name, err)
	}
	defer local.Close()

	cloud, err := connect.Open(ctx, pair.Cloud.DSN())
	if err != nil {
		return result, fmt.Errorf("replicate: connect cloud for pair %s: %w", pair.Name, err)
	}
	defer cloud.Close()

	var errs []error

	localToCloud, err := d.RunDirection(ctx, pair.Name, local, cloud, cloudNodeID, pair, config.DirectionLocalToCloud)
	result.LocalToCloud = &localToCloud
	if err != nil {
		errs = append(errs, fmt.Errorf("local_to_cloud: %w", err))
	}

	cloudToLocal, err := d.RunDirection(ctx, pair.Name, cloud, local, localNodeID, pair, config.DirectionCloudToLocal)
	result.CloudToLocal = &cloudToLocal
	if err != nil {
		errs = append(errs, fmt.Errorf("cloud_to_local: %w", err))
	}

	return result, errors.Join(errs...)
}
