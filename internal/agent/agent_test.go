package agent_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesoghene/db-sync-agent/internal/agent"
	"github.com/mosesoghene/db-sync-agent/internal/config"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
)

// fileConnFactory maps a DSN string (as produced by config.Endpoint.DSN) to
// a fixed sqlite file path, so tests can exercise the agent's open/close
// lifecycle without a real MySQL server.
type fileConnFactory struct {
	mu    sync.Mutex
	paths map[string]string
}

func newFileConnFactory() *fileConnFactory {
	return &fileConnFactory{paths: make(map[string]string)}
}

func (f *fileConnFactory) register(endpoint config.Endpoint, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[endpoint.DSN()] = path
}

func (f *fileConnFactory) Open(ctx context.Context, dsn string) (dbsession.Session, error) {
	f.mu.Lock()
	path, ok := f.paths[dsn]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fileConnFactory: unmapped dsn %q", dsn)
	}
	return (dbsession.SQLiteFactory{}).Open(ctx, path)
}

func testPair(t *testing.T, factory *fileConnFactory) config.SyncPair {
	t.Helper()
	dir := t.TempDir()

	localEP := config.Endpoint{Host: "local", Port: 3306, User: "u", Password: "p", DB: "local_db"}
	cloudEP := config.Endpoint{Host: "cloud", Port: 3306, User: "u", Password: "p", DB: "cloud_db"}
	factory.register(localEP, filepath.Join(dir, "local.db"))
	factory.register(cloudEP, filepath.Join(dir, "cloud.db"))

	return config.SyncPair{
		Name:                "store-1",
		Local:               localEP,
		Cloud:               cloudEP,
		ConflictResolution:  config.StrategyTimestampWins,
	}
}

func createUsersTable(t *testing.T, ctx context.Context, factory *fileConnFactory, ep config.Endpoint) {
	t.Helper()
	sess, err := factory.Open(ctx, ep.DSN())
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
}

func TestAgentRebuildTriggersThenTickReplicates(t *testing.T) {
	ctx := context.Background()
	factory := newFileConnFactory()
	pair := testPair(t, factory)
	createUsersTable(t, ctx, factory, pair.Local)
	createUsersTable(t, ctx, factory, pair.Cloud)

	cfg := &config.Config{
		NodeID:              "agent-1",
		SyncIntervalMinutes: 10,
		MisfireGraceSeconds: 60,
		SyncPairs:           []config.SyncPair{pair},
	}

	a := agent.New(cfg, factory, nil, nil)
	require.NoError(t, a.RebuildTriggers(ctx))

	local, err := factory.Open(ctx, pair.Local.DSN())
	require.NoError(t, err)
	_, err = local.Exec(ctx, `INSERT INTO users (id, name) VALUES (1, 'Ada')`)
	require.NoError(t, err)
	require.NoError(t, local.Close())

	require.NoError(t, a.Tick(ctx))

	cloud, err := factory.Open(ctx, pair.Cloud.DSN())
	require.NoError(t, err)
	defer cloud.Close()
	row, err := cloud.FetchOne(ctx, `SELECT name FROM users WHERE id = 1`)
	require.NoError(t, err)
	assert.Equal(t, "Ada", row["name"])
}

func TestAgentReloadConfigSwapsPairsForNextTick(t *testing.T) {
	ctx := context.Background()
	factory := newFileConnFactory()
	pair := testPair(t, factory)
	createUsersTable(t, ctx, factory, pair.Local)
	createUsersTable(t, ctx, factory, pair.Cloud)

	empty := &config.Config{SyncIntervalMinutes: 10, MisfireGraceSeconds: 60}
	a := agent.New(empty, factory, nil, nil)

	// No pairs configured yet: tick is a no-op, not an error.
	require.NoError(t, a.Tick(ctx))

	a.ReloadConfig(&config.Config{
		SyncIntervalMinutes: 10,
		MisfireGraceSeconds: 60,
		SyncPairs:           []config.SyncPair{pair},
	})
	require.NoError(t, a.RebuildTriggers(ctx))

	local, err := factory.Open(ctx, pair.Local.DSN())
	require.NoError(t, err)
	_, err = local.Exec(ctx, `INSERT INTO users (id, name) VALUES (2, 'Bo')`)
	require.NoError(t, err)
	require.NoError(t, local.Close())

	require.NoError(t, a.Tick(ctx))

	cloud, err := factory.Open(ctx, pair.Cloud.DSN())
	require.NoError(t, err)
	defer cloud.Close()
	row, err := cloud.FetchOne(ctx, `SELECT name FROM users WHERE id = 2`)
	require.NoError(t, err)
	assert.Equal(t, "Bo", row["name"])
}

func TestAgentMonitorSessionsResolveBySide(t *testing.T) {
	ctx := context.Background()
	factory := newFileConnFactory()
	pair := testPair(t, factory)
	createUsersTable(t, ctx, factory, pair.Local)
	createUsersTable(t, ctx, factory, pair.Cloud)

	cfg := &config.Config{SyncIntervalMinutes: 10, MisfireGraceSeconds: 60, SyncPairs: []config.SyncPair{pair}}
	a := agent.New(cfg, factory, nil, nil)
	defer a.Close()

	local, ok := a.Local(pair.Name)
	require.True(t, ok)
	cloud, ok := a.Cloud(pair.Name)
	require.True(t, ok)
	assert.Contains(t, local.Name(), "local.db")
	assert.Contains(t, cloud.Name(), "cloud.db")

	_, ok = a.Local("no-such-pair")
	assert.False(t, ok)
}

func TestAgentConflictFeedDoesNotBreakReplicationOnConflict(t *testing.T) {
	ctx := context.Background()
	factory := newFileConnFactory()
	pair := testPair(t, factory)
	createUsersTable(t, ctx, factory, pair.Local)
	createUsersTable(t, ctx, factory, pair.Cloud)

	cfg := &config.Config{SyncIntervalMinutes: 10, MisfireGraceSeconds: 60, SyncPairs: []config.SyncPair{pair}}
	a := agent.New(cfg, factory, nil, nil)
	defer a.Close()
	require.NoError(t, a.RebuildTriggers(ctx))

	hub := a.EnableConflictFeed(nil)
	require.NotNil(t, hub)
	assert.Same(t, hub, a.Hub)

	local, err := factory.Open(ctx, pair.Local.DSN())
	require.NoError(t, err)
	_, err = local.Exec(ctx, `INSERT INTO users (id, name) VALUES (1, 'Ada')`)
	require.NoError(t, err)
	cloudSetup, err := factory.Open(ctx, pair.Cloud.DSN())
	require.NoError(t, err)
	_, err = cloudSetup.Exec(ctx, `INSERT INTO users (id, name) VALUES (1, 'Conflicting')`)
	require.NoError(t, err)
	require.NoError(t, local.Close())
	require.NoError(t, cloudSetup.Close())

	require.NoError(t, a.Tick(ctx))

	cloud, ok := a.Cloud(pair.Name)
	require.True(t, ok)
	rows, err := cloud.FetchAll(ctx, `SELECT resolution FROM conflict_log`)
	require.NoError(t, err)
	assert.NotEmpty(t, rows, "a conflict between two concurrent inserts must be recorded")
}
