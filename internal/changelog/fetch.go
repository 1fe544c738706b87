package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
)

// DefaultBatchSize is the default row limit for Fetch (spec.md §4.3).
const DefaultBatchSize = 100

// FetchOptions narrows a Fetch call.
type FetchOptions struct {
	Table string // optional; empty means every table
	Limit int    // 0 means DefaultBatchSize
}

// Fetch returns change_log rows from s not yet applied to targetNodeID and
// not originated by it, ordered by (created_at, id) for replay-order
// determinism (spec.md §4.3). Loop prevention (skipping source_node ==
// targetNodeID) happens here so no caller can accidentally omit it.
func Fetch(ctx context.Context, s dbsession.Session, targetNodeID string, opts FetchOptions) ([]Change, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	d := s.Dialect()
	query := fmt.Sprintf(
		`SELECT id, table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes
		 FROM change_log
		 WHERE source_node != ? AND %s`,
		d.AppliedNodesNotContains("applied_nodes"))
	args := []any{targetNodeID, targetNodeID}

	if opts.Table != "" {
		query += " AND table_name = ?"
		args = append(args, opts.Table)
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changelog: fetch: %w", err)
	}

	out := make([]Change, 0, len(rows))
	for _, r := range rows {
		c, err := rowToChange(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func rowToChange(r dbsession.Row) (Change, error) {
	var c Change
	c.ID = toInt64(r["id"])
	c.Table = fmt.Sprint(r["table_name"])
	c.Operation = fmt.Sprint(r["operation"])
	c.RowPK = fmt.Sprint(r["row_pk"])
	c.SourceNode = fmt.Sprint(r["source_node"])

	if v := r["row_data"]; v != nil {
		c.RowData = fmt.Sprint(v)
	}

	createdAt, err := parseTimestamp(r["created_at"])
	if err != nil {
		return Change{}, fmt.Errorf("changelog: parse created_at: %w", err)
	}
	c.CreatedAt = createdAt

	nodesRaw := fmt.Sprint(r["applied_nodes"])
	var nodes []string
	if nodesRaw != "" {
		if err := json.Unmarshal([]byte(nodesRaw), &nodes); err != nil {
			return Change{}, fmt.Errorf("changelog: parse applied_nodes: %w", err)
		}
	}
	c.AppliedNodes = nodes

	return c, nil
}

// MarkApplied records that change changeID has been applied to nodeID.
// Idempotent: re-marking the same node is a no-op (spec.md §4.4).
func MarkApplied(ctx context.Context, s dbsession.Session, changeID int64, nodeID string) error {
	d := s.Dialect()
	query := fmt.Sprintf("UPDATE change_log SET %s WHERE id = ?", d.AppendAppliedNode("applied_nodes"))
	if _, err := s.Exec(ctx, query, nodeID, nodeID, changeID); err != nil {
		return fmt.Errorf("changelog: mark applied: %w", err)
	}
	return nil
}

// parseTimestamp accepts either a driver-native time.Time (MySQL, with
// parseTime=true) or a "YYYY-MM-DD HH:MM:SS[.fraction]" string such as the
// millisecond-precision one sqlite's strftime('%f') produces.
func parseTimestamp(v any) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	s := fmt.Sprint(v)
	for _, layout := range []string{
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		var i int64
		fmt.Sscanf(fmt.Sprint(v), "%d", &i)
		return i
	}
}
