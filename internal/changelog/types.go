// Package changelog reads and marks change_log rows (spec.md §4.3/§4.4).
package changelog

import "time"

// Change is one captured row mutation awaiting replication.
type Change struct {
	ID           int64
	Table        string
	Operation    string // INSERT, UPDATE, DELETE
	RowPK        string
	RowData      string // raw JSON payload (pre-image for DELETE), "" when row_data is NULL
	SourceNode   string
	CreatedAt    time.Time
	AppliedNodes []string
}

// HasBeenAppliedTo reports whether nodeID already appears in AppliedNodes.
func (c Change) HasBeenAppliedTo(nodeID string) bool {
	for _, n := range c.AppliedNodes {
		if n == nodeID {
			return true
		}
	}
	return false
}
