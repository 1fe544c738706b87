// Package conflict detects and resolves concurrent edits discovered while
// replaying change_log rows against a peer (spec.md §4.5/§4.6).
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mosesoghene/db-sync-agent/internal/changelog"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/schema"
)

// Type classifies a detected conflict.
type Type string

const (
	TypeNone              Type = ""
	TypeTimestampConflict Type = "timestamp_conflict"
	TypeFieldConflict     Type = "field_conflict"
)

// lastModifiedColumns are checked in order; the first one present on the
// target row is used as the conflict timestamp (spec.md §4.5 step 2).
var lastModifiedColumns = []string{"updated_at", "modified_at", "last_modified"}

// FieldDiff is one mismatched column discovered by a field_conflict.
type FieldDiff struct {
	Field  string
	Source any
	Target any
}

// Result is the detector's verdict for one change.
type Result struct {
	Type       Type
	TargetRow  dbsession.Row // full target row, present for both conflict types
	TargetTime time.Time     // populated for timestamp_conflict
	SourceTime time.Time
	FieldDiffs []FieldDiff // populated for field_conflict
}

// Conflicted reports whether Result represents an actual conflict.
func (r Result) Conflicted() bool {
	return r.Type != TypeNone
}

// Detector implements spec.md §4.5's algorithm. Only meaningful for
// INSERT/UPDATE changes; callers must not invoke it for DELETE.
type Detector struct {
	bootstrapper *schema.Bootstrapper
}

// NewDetector builds a Detector sharing bootstrapper's PK/column cache.
func NewDetector(bootstrapper *schema.Bootstrapper) *Detector {
	return &Detector{bootstrapper: bootstrapper}
}

// Detect compares c's payload against the current target row.
func (d *Detector) Detect(ctx context.Context, target dbsession.Session, c changelog.Change) (Result, error) {
	pk, err := d.bootstrapper.PrimaryKeyOf(ctx, target, c.Table)
	if err != nil {
		return Result{}, fmt.Errorf("conflict: %s: %w", c.Table, err)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", target.Dialect().QuoteIdent(c.Table), target.Dialect().QuoteIdent(pk))
	targetRow, err := target.FetchOne(ctx, query, c.RowPK)
	if dbsession.IsNoRows(err) {
		return Result{Type: TypeNone}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("conflict: fetch target row %s/%s: %w", c.Table, c.RowPK, err)
	}

	var sourceFields map[string]any
	if c.RowData != "" {
		if err := json.Unmarshal([]byte(c.RowData), &sourceFields); err != nil {
			return Result{}, fmt.Errorf("conflict: unmarshal row_data: %w", err)
		}
	}

	for _, col := range lastModifiedColumns {
		raw, ok := targetRow[col]
		if !ok || raw == nil {
			continue
		}
		targetTime, err := parseAny(raw)
		if err != nil {
			continue
		}
		if targetTime.After(c.CreatedAt) {
			return Result{
				Type:       TypeTimestampConflict,
				TargetRow:  targetRow,
				TargetTime: targetTime,
				SourceTime: c.CreatedAt,
			}, nil
		}
		break
	}

	var diffs []FieldDiff
	for field, sourceVal := range sourceFields {
		targetVal, ok := targetRow[field]
		if !ok {
			continue
		}
		if fmt.Sprint(sourceVal) != fmt.Sprint(targetVal) {
			diffs = append(diffs, FieldDiff{Field: field, Source: sourceVal, Target: targetVal})
		}
	}
	if len(diffs) > 0 {
		return Result{Type: TypeFieldConflict, TargetRow: targetRow, FieldDiffs: diffs}, nil
	}

	return Result{Type: TypeNone}, nil
}

func parseAny(v any) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	s := fmt.Sprint(v)
	for _, layout := range []string{
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
