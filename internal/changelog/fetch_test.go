package changelog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesoghene/db-sync-agent/internal/changelog"
	"github.com/mosesoghene/db-sync-agent/internal/schema"
	"github.com/mosesoghene/db-sync-agent/internal/testutil"
)

func TestFetchOrdersByCreatedAtThenID(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "changelog-order")
	require.NoError(t, schema.NewBootstrapper(nil).EnsureChangeLog(ctx, sess))

	insert := func(table, op, pk, nodeID string) {
		_, err := sess.Exec(ctx,
			`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
			 VALUES (?, ?, ?, ?, ?, strftime('%Y-%m-%d %H:%M:%f','now'), '[]')`,
			table, op, pk, `{}`, nodeID)
		require.NoError(t, err)
	}
	insert("users", "INSERT", "1", "node-a")
	insert("users", "INSERT", "2", "node-a")
	insert("orders", "INSERT", "10", "node-a")

	changes, err := changelog.Fetch(ctx, sess, "node-b", changelog.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, int64(1), changes[0].ID)
	assert.Equal(t, int64(2), changes[1].ID)
	assert.Equal(t, int64(3), changes[2].ID)
}

func TestFetchFiltersByTable(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "changelog-filter")
	require.NoError(t, schema.NewBootstrapper(nil).EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx,
		`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
		 VALUES ('users', 'INSERT', '1', '{}', 'node-a', strftime('%Y-%m-%d %H:%M:%f','now'), '[]')`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx,
		`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
		 VALUES ('orders', 'INSERT', '1', '{}', 'node-a', strftime('%Y-%m-%d %H:%M:%f','now'), '[]')`)
	require.NoError(t, err)

	changes, err := changelog.Fetch(ctx, sess, "node-b", changelog.FetchOptions{Table: "orders"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "orders", changes[0].Table)
}

func TestFetchSkipsOwnOriginAndAlreadyApplied(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "changelog-skip")
	require.NoError(t, schema.NewBootstrapper(nil).EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx,
		`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
		 VALUES ('users', 'INSERT', '1', '{}', 'node-b', strftime('%Y-%m-%d %H:%M:%f','now'), '[]')`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx,
		`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
		 VALUES ('users', 'INSERT', '2', '{}', 'node-a', strftime('%Y-%m-%d %H:%M:%f','now'), '["node-b"]')`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx,
		`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
		 VALUES ('users', 'INSERT', '3', '{}', 'node-a', strftime('%Y-%m-%d %H:%M:%f','now'), '[]')`)
	require.NoError(t, err)

	changes, err := changelog.Fetch(ctx, sess, "node-b", changelog.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "3", changes[0].RowPK)
}

func TestFetchRespectsLimit(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "changelog-limit")
	require.NoError(t, schema.NewBootstrapper(nil).EnsureChangeLog(ctx, sess))

	for i := 0; i < 5; i++ {
		_, err := sess.Exec(ctx,
			`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
			 VALUES ('users', 'INSERT', ?, '{}', 'node-a', strftime('%Y-%m-%d %H:%M:%f','now'), '[]')`,
			i)
		require.NoError(t, err)
	}

	changes, err := changelog.Fetch(ctx, sess, "node-b", changelog.FetchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}

func TestMarkAppliedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "changelog-mark")
	require.NoError(t, schema.NewBootstrapper(nil).EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx,
		`INSERT INTO change_log (table_name, operation, row_pk, row_data, source_node, created_at, applied_nodes)
		 VALUES ('users', 'INSERT', '1', '{}', 'node-a', strftime('%Y-%m-%d %H:%M:%f','now'), '[]')`)
	require.NoError(t, err)

	require.NoError(t, changelog.MarkApplied(ctx, sess, 1, "node-b"))
	require.NoError(t, changelog.MarkApplied(ctx, sess, 1, "node-b"))

	changes, err := changelog.Fetch(ctx, sess, "node-b", changelog.FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, changes, 0)

	row, err := sess.FetchOne(ctx, `SELECT applied_nodes FROM change_log WHERE id = 1`)
	require.NoError(t, err)
	assert.Equal(t, `["node-b"]`, row["applied_nodes"])
}
