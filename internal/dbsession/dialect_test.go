package dbsession_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/testutil"
)

func TestMySQLDialectSQLGeneration(t *testing.T) {
	d := dbsession.MySQLDialect{}

	assert.Equal(t, "`users`", d.QuoteIdent("users"))
	assert.Equal(t, "DROP TRIGGER IF EXISTS trg_users_insert", d.DropTriggerSQL("trg_users_insert"))

	upsert := d.UpsertSQL("users", "id", []string{"id", "name"})
	assert.Contains(t, upsert, "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, upsert, "`name` = VALUES(`name`)")

	del := d.DeleteByPKSQL("users", "id")
	assert.Equal(t, "DELETE FROM `users` WHERE `id` = ?", del)

	trig := d.CreateTriggerSQL("trg_users_insert", "users", "INSERT", "id", "node-1", []string{"id", "name"})
	assert.Contains(t, trig, "AFTER INSERT ON `users`")
	assert.Contains(t, trig, "JSON_OBJECT('id', NEW.`id`, 'name', NEW.`name`)")
	assert.Contains(t, trig, "'node-1'")

	delTrig := d.CreateTriggerSQL("trg_users_delete", "users", "DELETE", "id", "node-1", []string{"id", "name"})
	assert.Contains(t, delTrig, "OLD.`id`")
}

func TestSQLiteDialectSchemaIntrospection(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "dialect")
	d := sess.Dialect()

	_, err := sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER)`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx, `CREATE TABLE change_log (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	tables, err := d.ListUserTables(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, tables)

	pk, ok, err := d.PrimaryKeyColumn(ctx, sess, "users")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "id", pk)

	cols, err := d.Columns(ctx, sess, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "age"}, cols)

	has, err := d.HasColumn(ctx, sess, "users", "age")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLiteDialectCompositePrimaryKey(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "dialect-composite")
	d := sess.Dialect()

	_, err := sess.Exec(ctx, `CREATE TABLE line_items (order_id INTEGER, item_id INTEGER, qty INTEGER, PRIMARY KEY (order_id, item_id))`)
	require.NoError(t, err)

	_, ok, err := d.PrimaryKeyColumn(ctx, sess, "line_items")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteAppliedNodesRoundTrip(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "dialect-applied")
	d := sess.Dialect()

	require.NoError(t, mustExec(ctx, sess, d.CreateChangeLogTableSQL()))

	_, err := sess.Exec(ctx,
		`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node) VALUES (?, ?, ?, ?, ?)`,
		"users", "INSERT", "1", `{"id":1}`, "node-a")
	require.NoError(t, err)

	notContains := "SELECT COUNT(*) AS n FROM change_log WHERE " + d.AppliedNodesNotContains("applied_nodes")
	row, err := sess.FetchOne(ctx, notContains, "node-b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, row["n"])

	appendSQL := "UPDATE change_log SET " + d.AppendAppliedNode("applied_nodes") + " WHERE id = 1"
	_, err = sess.Exec(ctx, appendSQL, "node-b", "node-b")
	require.NoError(t, err)

	row, err = sess.FetchOne(ctx, notContains, "node-b")
	require.NoError(t, err)
	assert.EqualValues(t, 0, row["n"])

	// Re-appending the same node id is a no-op (idempotent).
	_, err = sess.Exec(ctx, appendSQL, "node-b", "node-b")
	require.NoError(t, err)
	countRow, err := sess.FetchOne(ctx, "SELECT applied_nodes FROM change_log WHERE id = 1")
	require.NoError(t, err)
	assert.Equal(t, `["node-b"]`, countRow["applied_nodes"])
}

func mustExec(ctx context.Context, s dbsession.Session, query string) error {
	_, err := s.Exec(ctx, query)
	return err
}
