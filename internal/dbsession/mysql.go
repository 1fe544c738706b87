package dbsession

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLFactory opens production sync-pair endpoints.
type MySQLFactory struct{}

// Open connects to dsn (see config.Endpoint.DSN) using go-sql-driver/mysql.
func (MySQLFactory) Open(ctx context.Context, dsn string) (Session, error) {
	dbName := dbNameFromMySQLDSN(dsn)
	return openSQLSession(ctx, "mysql", dsn, dbName, MySQLDialect{})
}

// dbNameFromMySQLDSN extracts the path component (database name) from a
// go-sql-driver/mysql DSN of the form user:pass@tcp(host:port)/dbname?opts.
func dbNameFromMySQLDSN(dsn string) string {
	slash := strings.LastIndex(dsn, "/")
	if slash < 0 {
		return ""
	}
	rest := dsn[slash+1:]
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rest = rest[:q]
	}
	return rest
}

// MySQLDialect implements Dialect for production MySQL/MariaDB endpoints.
type MySQLDialect struct{}

func (MySQLDialect) Name() string { return "mysql" }

func (MySQLDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (d MySQLDialect) ListUserTables(ctx context.Context, s Session) ([]string, error) {
	rows, err := s.FetchAll(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		   AND table_name NOT IN ('change_log', 'conflict_log')
		 ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("dbsession: list user tables: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprint(r["table_name"]))
	}
	return out, nil
}

func (d MySQLDialect) PrimaryKeyColumn(ctx context.Context, s Session, table string) (string, bool, error) {
	rows, err := s.FetchAll(ctx,
		`SELECT column_name FROM information_schema.key_column_usage
		 WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY'
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return "", false, fmt.Errorf("dbsession: primary key of %s: %w", table, err)
	}
	if len(rows) != 1 {
		return "", false, nil
	}
	return fmt.Sprint(rows[0]["column_name"]), true, nil
}

func (d MySQLDialect) Columns(ctx context.Context, s Session, table string) ([]string, error) {
	rows, err := s.FetchAll(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("dbsession: columns of %s: %w", table, err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprint(r["column_name"]))
	}
	return out, nil
}

func (d MySQLDialect) HasColumn(ctx context.Context, s Session, table, column string) (bool, error) {
	row, err := s.FetchOne(ctx,
		`SELECT COUNT(*) AS n FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?`, table, column)
	if err != nil {
		return false, fmt.Errorf("dbsession: has column %s.%s: %w", table, column, err)
	}
	return asInt64(row["n"]) > 0, nil
}

func (MySQLDialect) CreateChangeLogTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS change_log (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		table_name VARCHAR(255) NOT NULL,
		operation ENUM('INSERT','UPDATE','DELETE') NOT NULL,
		row_pk VARCHAR(255) NOT NULL,
		row_data JSON NULL,
		source_node VARCHAR(64) NOT NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		applied_nodes JSON NOT NULL,
		INDEX idx_change_log_table_created (table_name, created_at, id)
	) ENGINE=InnoDB`
}

func (MySQLDialect) AddAppliedNodesColumnSQL() string {
	return `ALTER TABLE change_log ADD COLUMN applied_nodes JSON NOT NULL DEFAULT (JSON_ARRAY())`
}

func (MySQLDialect) CreateConflictLogTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS conflict_log (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		change_id BIGINT UNSIGNED NOT NULL,
		table_name VARCHAR(255) NOT NULL,
		record_pk VARCHAR(255) NOT NULL,
		conflict_type ENUM('timestamp_conflict','field_conflict') NOT NULL,
		source_data JSON NULL,
		target_data JSON NULL,
		conflict_details JSON NULL,
		resolution VARCHAR(64) NOT NULL,
		resolved_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_conflict_log_table_pk (table_name, record_pk),
		INDEX idx_conflict_log_resolved_at (resolved_at)
	) ENGINE=InnoDB`
}

func (MySQLDialect) DropTriggerSQL(name string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s", name)
}

func (d MySQLDialect) CreateTriggerSQL(triggerName, table, op, pkColumn, sourceNodeID string, columns []string) string {
	ref := "NEW"
	if op == "DELETE" {
		ref = "OLD"
	}

	pairs := make([]string, 0, len(columns))
	for _, c := range columns {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", escapeSingleQuotes(c), ref, d.QuoteIdent(c)))
	}
	payload := fmt.Sprintf("JSON_OBJECT(%s)", strings.Join(pairs, ", "))

	return fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s
FOR EACH ROW
INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
VALUES ('%s', '%s', CAST(%s.%s AS CHAR), %s, '%s', NOW(6), JSON_ARRAY())`,
		triggerName, op, d.QuoteIdent(table),
		escapeSingleQuotes(table), op, ref, d.QuoteIdent(pkColumn), payload, sourceNodeID)
}

func (MySQLDialect) AppliedNodesNotContains(column string) string {
	return fmt.Sprintf("NOT JSON_CONTAINS(%s, JSON_QUOTE(?))", column)
}

func (MySQLDialect) AppendAppliedNode(column string) string {
	// Two placeholders: the first checks membership, the second is the
	// value appended when absent. Both must be bound to the same node id.
	return fmt.Sprintf(
		"%s = IF(JSON_CONTAINS(%s, JSON_QUOTE(?)), %s, JSON_ARRAY_APPEND(%s, '$', ?))",
		column, column, column, column)
}

func (d MySQLDialect) UpsertSQL(table, pkColumn string, columns []string) string {
	quotedCols := make([]string, len(columns))
	updates := make([]string, 0, len(columns))
	for i, c := range columns {
		quotedCols[i] = d.QuoteIdent(c)
		if c == pkColumn {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdent(c), d.QuoteIdent(c)))
	}
	if len(updates) == 0 {
		// PK-only table: keep the row as-is on conflict.
		updates = []string{fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdent(pkColumn), d.QuoteIdent(pkColumn))}
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.QuoteIdent(table), strings.Join(quotedCols, ", "), placeholders(d, len(columns), 1), strings.Join(updates, ", "))
}

func (d MySQLDialect) DeleteByPKSQL(table, pkColumn string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", d.QuoteIdent(table), d.QuoteIdent(pkColumn))
}

func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
