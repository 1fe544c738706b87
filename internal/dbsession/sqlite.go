package dbsession

import (
	"context"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteFactory opens the test dialect: a pure-Go, cgo-free sqlite engine
// implementing the same Session interface as production MySQL endpoints,
// used by the unit tests (the agent CLI always connects through MySQLFactory).
type SQLiteFactory struct{}

// Open connects to dsn, a modernc.org/sqlite data source (a file path or
// "file::memory:?cache=shared" for in-process tests).
func (SQLiteFactory) Open(ctx context.Context, dsn string) (Session, error) {
	sess, err := openSQLSession(ctx, "sqlite", dsn, dsn, SQLiteDialect{})
	if err != nil {
		return nil, err
	}

	// A single connection avoids each pooled connection seeing its own
	// private ":memory:" database, which matters for in-memory test DSNs
	// and is harmless for file-backed ones given this dialect's single-node
	// use case.
	if sqlSess, ok := sess.(*sqlSession); ok {
		sqlSess.DB().SetMaxOpenConns(1)
	}

	if _, err := sess.Exec(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		sess.Close()
		return nil, fmt.Errorf("dbsession: enable foreign keys: %w", err)
	}
	return sess, nil
}

// SQLiteDialect implements Dialect for sqlite sessions.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (SQLiteDialect) Placeholder(int) string { return "?" }

func (d SQLiteDialect) ListUserTables(ctx context.Context, s Session) ([]string, error) {
	rows, err := s.FetchAll(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT IN ('change_log', 'conflict_log')
		   AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("dbsession: list user tables: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprint(r["name"]))
	}
	return out, nil
}

func (d SQLiteDialect) PrimaryKeyColumn(ctx context.Context, s Session, table string) (string, bool, error) {
	rows, err := s.FetchAll(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdent(table)))
	if err != nil {
		return "", false, fmt.Errorf("dbsession: primary key of %s: %w", table, err)
	}

	var pkCols []string
	for _, r := range rows {
		if asInt64(r["pk"]) > 0 {
			pkCols = append(pkCols, fmt.Sprint(r["name"]))
		}
	}
	if len(pkCols) != 1 {
		return "", false, nil
	}
	return pkCols[0], true, nil
}

func (d SQLiteDialect) Columns(ctx context.Context, s Session, table string) ([]string, error) {
	rows, err := s.FetchAll(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("dbsession: columns of %s: %w", table, err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprint(r["name"]))
	}
	return out, nil
}

func (d SQLiteDialect) HasColumn(ctx context.Context, s Session, table, column string) (bool, error) {
	cols, err := d.Columns(ctx, s, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c == column {
			return true, nil
		}
	}
	return false, nil
}

func (SQLiteDialect) CreateChangeLogTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS change_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('INSERT','UPDATE','DELETE')),
		row_pk TEXT NOT NULL,
		row_data TEXT NULL,
		source_node TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		applied_nodes TEXT NOT NULL DEFAULT '[]'
	)`
}

func (SQLiteDialect) AddAppliedNodesColumnSQL() string {
	return `ALTER TABLE change_log ADD COLUMN applied_nodes TEXT NOT NULL DEFAULT '[]'`
}

func (SQLiteDialect) CreateConflictLogTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS conflict_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		change_id INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		record_pk TEXT NOT NULL,
		conflict_type TEXT NOT NULL CHECK (conflict_type IN ('timestamp_conflict','field_conflict')),
		source_data TEXT NULL,
		target_data TEXT NULL,
		conflict_details TEXT NULL,
		resolution TEXT NOT NULL,
		resolved_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	)`
}

func (SQLiteDialect) DropTriggerSQL(name string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s", name)
}

func (d SQLiteDialect) CreateTriggerSQL(triggerName, table, op, pkColumn, sourceNodeID string, columns []string) string {
	ref := "NEW"
	if op == "DELETE" {
		ref = "OLD"
	}

	pairs := make([]string, 0, len(columns))
	for _, c := range columns {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", escapeSingleQuotes(c), ref, d.QuoteIdent(c)))
	}
	payload := fmt.Sprintf("json_object(%s)", strings.Join(pairs, ", "))

	return fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s
BEGIN
INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
VALUES ('%s', '%s', CAST(%s.%s AS TEXT), %s, '%s', strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now'), '[]');
END`,
		triggerName, op, d.QuoteIdent(table),
		escapeSingleQuotes(table), op, ref, d.QuoteIdent(pkColumn), payload, sourceNodeID)
}

func (SQLiteDialect) AppliedNodesNotContains(column string) string {
	return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM json_each(%s) WHERE value = ?)", column)
}

func (SQLiteDialect) AppendAppliedNode(column string) string {
	// Two placeholders, same node id bound twice: membership check, then
	// the appended value.
	return fmt.Sprintf(
		"%s = CASE WHEN EXISTS (SELECT 1 FROM json_each(%s) WHERE value = ?) THEN %s ELSE json_insert(%s, '$[#]', ?) END",
		column, column, column, column)
}

func (d SQLiteDialect) UpsertSQL(table, pkColumn string, columns []string) string {
	quotedCols := make([]string, len(columns))
	updates := make([]string, 0, len(columns))
	for i, c := range columns {
		quotedCols[i] = d.QuoteIdent(c)
		if c == pkColumn {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", d.QuoteIdent(c), d.QuoteIdent(c)))
	}
	if len(updates) == 0 {
		updates = []string{fmt.Sprintf("%s = excluded.%s", d.QuoteIdent(pkColumn), d.QuoteIdent(pkColumn))}
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		d.QuoteIdent(table), strings.Join(quotedCols, ", "), placeholders(d, len(columns), 1),
		d.QuoteIdent(pkColumn), strings.Join(updates, ", "))
}

func (d SQLiteDialect) DeleteByPKSQL(table, pkColumn string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", d.QuoteIdent(table), d.QuoteIdent(pkColumn))
}
