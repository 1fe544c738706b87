package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mosesoghene/db-sync-agent/internal/changelog"
	"github.com/mosesoghene/db-sync-agent/internal/config"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
)

// Decision is a resolver's verdict: whether the applier should proceed, and
// under what restricted field set (non-nil only for a partial merge_fields
// apply).
type Decision struct {
	Apply      bool
	SafeFields []string // non-nil only when a merge should write a subset of columns
	Resolution string   // recorded verbatim into conflict_log.resolution
}

// strategyFunc implements one resolution strategy over a detected conflict.
type strategyFunc func(c changelog.Change, result Result) Decision

// dispatch is the strategy-dispatch table called for by spec.md §9 ("an
// enumerated type with a dispatch table, not a class hierarchy").
var dispatch = map[config.Strategy]strategyFunc{
	config.StrategyTimestampWins: resolveTimestampWins,
	config.StrategySourceWins:    resolveSourceWins,
	config.StrategyTargetWins:    resolveTargetWins,
	config.StrategyMergeFields:   resolveMergeFields,
	config.StrategyManual:        resolveManual,
}

func resolveTimestampWins(c changelog.Change, r Result) Decision {
	if r.Type == TypeTimestampConflict {
		if c.CreatedAt.After(r.TargetTime) {
			return Decision{Apply: true, Resolution: "timestamp_wins_source"}
		}
		return Decision{Apply: false, Resolution: "timestamp_wins_target"}
	}
	return Decision{Apply: true, Resolution: "timestamp_wins_no_timestamp"}
}

func resolveSourceWins(changelog.Change, Result) Decision {
	return Decision{Apply: true, Resolution: "source_wins"}
}

func resolveTargetWins(changelog.Change, Result) Decision {
	return Decision{Apply: false, Resolution: "target_wins"}
}

func resolveMergeFields(c changelog.Change, r Result) Decision {
	if r.Type != TypeFieldConflict {
		return Decision{Apply: false, Resolution: "merge_timestamp_conflict_skip"}
	}

	conflicting := make(map[string]bool, len(r.FieldDiffs))
	for _, d := range r.FieldDiffs {
		conflicting[d.Field] = true
	}

	var sourceFields map[string]any
	if c.RowData != "" {
		_ = json.Unmarshal([]byte(c.RowData), &sourceFields)
	}

	var safe []string
	for field := range sourceFields {
		if conflicting[field] {
			continue
		}
		safe = append(safe, field)
	}

	if len(safe) == 0 {
		return Decision{Apply: false, Resolution: "merge_no_safe_fields"}
	}
	return Decision{Apply: true, SafeFields: safe, Resolution: "merge_partial_apply"}
}

func resolveManual(changelog.Change, Result) Decision {
	return Decision{Apply: false, Resolution: "manual_review_required"}
}

// Resolver applies a sync pair's configured strategy and audits every
// invocation to conflict_log (spec.md §4.6, testable property #3).
type Resolver struct{}

// NewResolver builds a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve runs strategy against result and writes exactly one conflict_log
// row to target recording the decision.
func (res *Resolver) Resolve(ctx context.Context, target dbsession.Session, c changelog.Change, result Result, strategy config.Strategy) (Decision, error) {
	fn, ok := dispatch[strategy]
	if !ok {
		fn = resolveTimestampWins
	}
	decision := fn(c, result)

	if err := res.audit(ctx, target, c, result, decision); err != nil {
		return decision, err
	}
	return decision, nil
}

func (res *Resolver) audit(ctx context.Context, target dbsession.Session, c changelog.Change, result Result, decision Decision) error {
	sourceData, err := marshalConflictSide(c.RowData)
	if err != nil {
		return fmt.Errorf("conflict: marshal source_data: %w", err)
	}
	targetData, err := json.Marshal(result.TargetRow)
	if err != nil {
		return fmt.Errorf("conflict: marshal target_data: %w", err)
	}
	details, err := conflictDetails(result)
	if err != nil {
		return fmt.Errorf("conflict: marshal conflict_details: %w", err)
	}

	query := `INSERT INTO conflict_log
		(change_id, table_name, record_pk, conflict_type, source_data, target_data, conflict_details, resolution, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = target.Exec(ctx, query,
		c.ID, c.Table, c.RowPK, string(result.Type), sourceData, string(targetData), string(details), decision.Resolution,
		nowText())
	if err != nil {
		return fmt.Errorf("conflict: write conflict_log: %w", err)
	}
	return nil
}

func marshalConflictSide(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	return string(out), err
}

func conflictDetails(r Result) ([]byte, error) {
	switch r.Type {
	case TypeTimestampConflict:
		return json.Marshal(map[string]any{
			"source_time": r.SourceTime,
			"target_time": r.TargetTime,
		})
	case TypeFieldConflict:
		return json.Marshal(r.FieldDiffs)
	default:
		return []byte("null"), nil
	}
}

func nowText() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.000000")
}
