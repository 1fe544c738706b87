package apply_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesoghene/db-sync-agent/internal/apply"
	"github.com/mosesoghene/db-sync-agent/internal/changelog"
	"github.com/mosesoghene/db-sync-agent/internal/schema"
	"github.com/mosesoghene/db-sync-agent/internal/testutil"
)

func TestApplyInsertThenUpdateIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "apply-upsert")
	b := schema.NewBootstrapper(nil)
	require.NoError(t, b.EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER)`)
	require.NoError(t, err)

	a := apply.NewApplier(b)

	insert := changelog.Change{Table: "users", Operation: "INSERT", RowPK: "1", RowData: `{"id":1,"name":"alice","age":30}`}
	require.NoError(t, a.Apply(ctx, sess, insert))

	row, err := sess.FetchOne(ctx, `SELECT name, age FROM users WHERE id = 1`)
	require.NoError(t, err)
	assert.Equal(t, "alice", row["name"])

	update := changelog.Change{Table: "users", Operation: "UPDATE", RowPK: "1", RowData: `{"id":1,"name":"alice2","age":31}`}
	require.NoError(t, a.Apply(ctx, sess, update))

	row, err = sess.FetchOne(ctx, `SELECT name, age FROM users WHERE id = 1`)
	require.NoError(t, err)
	assert.Equal(t, "alice2", row["name"])

	// Re-applying the insert is safe and does not create a duplicate.
	require.NoError(t, a.Apply(ctx, sess, insert))
	rows, err := sess.FetchAll(ctx, `SELECT id FROM users`)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestApplyDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "apply-delete")
	b := schema.NewBootstrapper(nil)
	require.NoError(t, b.EnsureChangeLog(ctx, sess))

	_, err := sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = sess.Exec(ctx, `INSERT INTO users (id, name) VALUES (1, 'alice')`)
	require.NoError(t, err)

	a := apply.NewApplier(b)
	del := changelog.Change{Table: "users", Operation: "DELETE", RowPK: "1"}
	require.NoError(t, a.Apply(ctx, sess, del))

	_, err = sess.FetchOne(ctx, `SELECT id FROM users WHERE id = 1`)
	assert.Error(t, err)

	// Deleting again is a no-op, not an error.
	require.NoError(t, a.Apply(ctx, sess, del))
}

func TestApplyUnknownOperationErrors(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "apply-unknown")
	b := schema.NewBootstrapper(nil)
	require.NoError(t, b.EnsureChangeLog(ctx, sess))
	_, err := sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	a := apply.NewApplier(b)
	err = a.Apply(ctx, sess, changelog.Change{Table: "users", Operation: "TRUNCATE", RowPK: "1"})
	assert.Error(t, err)
}
