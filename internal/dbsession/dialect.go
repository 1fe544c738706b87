package dbsession

import (
	"context"
	"fmt"
	"strings"
)

// Dialect isolates the SQL differences between the production MySQL
// endpoints and the pure-Go sqlite dialect used by the unit tests, so the rest of the agent (schema, trigger, changelog,
// apply) is written once against this interface.
type Dialect interface {
	// Name identifies the dialect ("mysql" or "sqlite").
	Name() string

	// QuoteIdent quotes a table/column identifier for safe interpolation.
	QuoteIdent(name string) string

	// ListUserTables returns every table in the database except change_log
	// and conflict_log.
	ListUserTables(ctx context.Context, s Session) ([]string, error)

	// PrimaryKeyColumn returns the single-column primary key of table, or
	// ("", false, nil) if the table has no PK or a composite one.
	PrimaryKeyColumn(ctx context.Context, s Session, table string) (string, bool, error)

	// Columns returns the ordered column list of table.
	Columns(ctx context.Context, s Session, table string) ([]string, error)

	// HasColumn reports whether table has the given column.
	HasColumn(ctx context.Context, s Session, table, column string) (bool, error)

	// CreateChangeLogTableSQL returns the DDL to create change_log.
	CreateChangeLogTableSQL() string

	// AddAppliedNodesColumnSQL returns the DDL to migrate a legacy
	// change_log missing the applied_nodes column.
	AddAppliedNodesColumnSQL() string

	// CreateConflictLogTableSQL returns the DDL to create conflict_log.
	CreateConflictLogTableSQL() string

	// DropTriggerSQL returns the DDL to drop a trigger if it exists.
	DropTriggerSQL(name string) string

	// CreateTriggerSQL returns the DDL to install one AFTER-DML trigger.
	// op is one of "INSERT", "UPDATE", "DELETE".
	CreateTriggerSQL(triggerName, table, op, pkColumn, sourceNodeID string, columns []string) string

	// AppliedNodesNotContains returns a WHERE-clause fragment (with one
	// placeholder for the target node id) that is true when the given node
	// id is absent from applied_nodes.
	AppliedNodesNotContains(column string) string

	// AppendAppliedNode returns an UPDATE-assignment fragment (with one
	// placeholder for the node id) that appends it to applied_nodes,
	// idempotently (adding an id already present is a no-op).
	AppendAppliedNode(column string) string

	// UpsertSQL returns an INSERT .. ON DUPLICATE/CONFLICT UPDATE statement
	// for table keyed by pkColumn, writing every column in columns (in
	// order); the caller supplies len(columns) args, in that order, once.
	UpsertSQL(table, pkColumn string, columns []string) string

	// DeleteByPKSQL returns a DELETE statement keyed by pkColumn.
	DeleteByPKSQL(table, pkColumn string) string

	// Placeholder returns the positional bind placeholder for position n
	// (1-based): "?" for mysql/sqlite, "$n" for postgres-style dialects.
	Placeholder(n int) string
}

// placeholders renders a comma-separated list of n placeholders.
func placeholders(d Dialect, n, startAt int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = d.Placeholder(startAt + i)
	}
	return strings.Join(parts, ", ")
}

func assignments(d Dialect, columns []string, startAt int) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s = %s", d.QuoteIdent(c), d.Placeholder(startAt+i))
	}
	return strings.Join(parts, ", ")
}
