package dbsession_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/testutil"
)

func TestSQLiteSessionExecAndFetch(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "session")

	_, err := sess.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	_, err = sess.Exec(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, 1, "gizmo")
	require.NoError(t, err)

	row, err := sess.FetchOne(ctx, `SELECT id, name FROM widgets WHERE id = ?`, 1)
	require.NoError(t, err)
	assert.Equal(t, "gizmo", row["name"])

	rows, err := sess.FetchAll(ctx, `SELECT id FROM widgets`)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSQLiteSessionFetchOneNoRows(t *testing.T) {
	ctx := context.Background()
	sess := testutil.NewSQLiteSession(t, "session-norows")

	_, err := sess.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	_, err = sess.FetchOne(ctx, `SELECT id FROM widgets WHERE id = ?`, 99)
	assert.True(t, dbsession.IsNoRows(err))
}

func TestSQLiteSessionName(t *testing.T) {
	sess := testutil.NewSQLiteSession(t, "session-name")
	assert.Contains(t, sess.Name(), "session-name.db")
}
