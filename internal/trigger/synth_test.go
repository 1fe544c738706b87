package trigger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesoghene/db-sync-agent/internal/schema"
	"github.com/mosesoghene/db-sync-agent/internal/testutil"
	"github.com/mosesoghene/db-sync-agent/internal/trigger"
)

func TestNameConvention(t *testing.T) {
	assert.Equal(t, "trg_users_insert", trigger.Name("users", "INSERT"))
	assert.Equal(t, "trg_users_update", trigger.Name("users", "UPDATE"))
	assert.Equal(t, "trg_users_delete", trigger.Name("users", "DELETE"))
}

func TestInstallForTableFiresOnInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "trigger-fire")
	b := schema.NewBootstrapper(nil)
	require.NoError(t, b.EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	synth := trigger.NewSynthesizer(b, nil, nil)
	require.NoError(t, synth.InstallForTable(ctx, sess, "users", "node-a", "pair1", "local"))

	_, err = sess.Exec(ctx, `INSERT INTO users (id, name) VALUES (1, 'alice')`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx, `UPDATE users SET name = 'alice2' WHERE id = 1`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx, `DELETE FROM users WHERE id = 1`)
	require.NoError(t, err)

	rows, err := sess.FetchAll(ctx, `SELECT operation, row_pk, source_node FROM change_log ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "INSERT", rows[0]["operation"])
	assert.Equal(t, "UPDATE", rows[1]["operation"])
	assert.Equal(t, "DELETE", rows[2]["operation"])
	for _, r := range rows {
		assert.Equal(t, "1", r["row_pk"])
		assert.Equal(t, "node-a", r["source_node"])
	}
}

func TestInstallForTableIsIdempotentNoDuplicateTriggers(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "trigger-idempotent")
	b := schema.NewBootstrapper(nil)
	require.NoError(t, b.EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	synth := trigger.NewSynthesizer(b, nil, nil)
	require.NoError(t, synth.InstallForTable(ctx, sess, "users", "node-a", "pair1", "local"))
	require.NoError(t, synth.InstallForTable(ctx, sess, "users", "node-a", "pair1", "local"))
	require.NoError(t, synth.InstallForTable(ctx, sess, "users", "node-a", "pair1", "local"))

	rows, err := sess.FetchAll(ctx, `SELECT name FROM sqlite_master WHERE type = 'trigger' ORDER BY name`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "trg_users_delete", rows[0]["name"])
	assert.Equal(t, "trg_users_insert", rows[1]["name"])
	assert.Equal(t, "trg_users_update", rows[2]["name"])

	// A single insert should still produce exactly one change_log row, not
	// one per re-install.
	_, err = sess.Exec(ctx, `INSERT INTO users (id, name) VALUES (1, 'alice')`)
	require.NoError(t, err)
	changeRows, err := sess.FetchAll(ctx, `SELECT id FROM change_log`)
	require.NoError(t, err)
	assert.Len(t, changeRows, 1)
}

func TestInstallForTableSkipsTableWithoutSingleColumnPK(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "trigger-skip")
	b := schema.NewBootstrapper(nil)
	require.NoError(t, b.EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx, `CREATE TABLE line_items (order_id INTEGER, item_id INTEGER, PRIMARY KEY (order_id, item_id))`)
	require.NoError(t, err)

	synth := trigger.NewSynthesizer(b, nil, nil)
	require.NoError(t, synth.InstallForTable(ctx, sess, "line_items", "node-a", "pair1", "local"))

	rows, err := sess.FetchAll(ctx, `SELECT name FROM sqlite_master WHERE type = 'trigger'`)
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestInstallForTablesContinuesPastErrors(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "trigger-multi")
	b := schema.NewBootstrapper(nil)
	require.NoError(t, b.EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx, `CREATE TABLE line_items (order_id INTEGER, item_id INTEGER, PRIMARY KEY (order_id, item_id))`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx, `CREATE TABLE orders (id INTEGER PRIMARY KEY, total INTEGER)`)
	require.NoError(t, err)

	synth := trigger.NewSynthesizer(b, nil, nil)
	err = synth.InstallForTables(ctx, sess, []string{"users", "line_items", "orders"}, "node-a", "pair1", "local")
	assert.NoError(t, err)

	rows, err := sess.FetchAll(ctx, `SELECT name FROM sqlite_master WHERE type = 'trigger'`)
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}
