// Package agent is the explicit lifecycle object that owns the scheduler,
// connections, and schema bootstrap for a running set of sync pairs —
// replacing the "process-wide current scheduler handle" anti-pattern
// spec.md §9 calls out; callers hold an *Agent value, not a singleton.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mosesoghene/db-sync-agent/internal/config"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/metrics"
	"github.com/mosesoghene/db-sync-agent/internal/monitor"
	"github.com/mosesoghene/db-sync-agent/internal/nodeid"
	"github.com/mosesoghene/db-sync-agent/internal/replicate"
	"github.com/mosesoghene/db-sync-agent/internal/scheduler"
	"github.com/mosesoghene/db-sync-agent/internal/schema"
	"github.com/mosesoghene/db-sync-agent/internal/trigger"
)

// Agent owns the scheduler and the components it drives. Construct one per
// running agent process; Start/Stop/RunOnce/ReloadConfig/RebuildTriggers
// are its entire operator surface (spec.md §6.3).
type Agent struct {
	connect dbsession.ConnectionFactory
	logger  *slog.Logger
	metrics *metrics.Registry

	bootstrapper *schema.Bootstrapper
	synthesizer  *trigger.Synthesizer
	driver       *replicate.Driver
	scheduler    *scheduler.Scheduler

	// Hub is the conflict monitor's websocket push channel. Nil unless
	// EnableConflictFeed is called.
	Hub *monitor.Hub

	mu  sync.RWMutex
	cfg *config.Config

	openMu sync.Mutex
	open   map[string]dbsession.Session // keyed by "pair/side", used by the conflict monitor
}

// New builds an Agent from an initial configuration.
func New(cfg *config.Config, connect dbsession.ConnectionFactory, m *metrics.Registry, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	b := schema.NewBootstrapper(logger)
	driver := replicate.NewDriver(b, m, logger)

	a := &Agent{
		connect:      connect,
		logger:       logger,
		metrics:      m,
		bootstrapper: b,
		synthesizer:  trigger.NewSynthesizer(b, m, logger),
		driver:       driver,
		cfg:          cfg,
		open:         make(map[string]dbsession.Session),
	}
	a.scheduler = scheduler.New(cfg.Interval(), cfg.MisfireGrace(), a.Tick, logger, m)
	return a
}

// EnableConflictFeed wires a websocket Hub so every conflict_log row written
// during a tick is also pushed to connected conflict-monitor clients.
func (a *Agent) EnableConflictFeed(logger *slog.Logger) *monitor.Hub {
	a.Hub = monitor.NewHub(logger)
	a.driver.OnConflict(func(e replicate.ConflictEvent) {
		a.Hub.Broadcast(monitor.ConflictSummary{
			Table:        e.Table,
			RecordPK:     e.RecordPK,
			ConflictType: e.ConflictType,
			Resolution:   e.Resolution,
		})
	})
	return a.Hub
}

// MonitorAPI builds the read-only conflict monitor HTTP API bound to this
// agent's sessions and (if enabled) its conflict push feed.
func (a *Agent) MonitorAPI(logger *slog.Logger) *monitor.API {
	return monitor.NewAPI(a, a.Hub, logger)
}

// Start rebuilds every pair's change-capture triggers once (failures are
// logged, not fatal), then begins the periodic scheduler (immediate tick,
// then every sync_interval_minutes).
func (a *Agent) Start(ctx context.Context) {
	if err := a.RebuildTriggers(ctx); err != nil {
		a.logger.Error("agent: startup trigger rebuild failed", "error", err)
	}
	a.scheduler.Start(ctx)
}

// Stop waits for any in-flight tick to finish, then returns.
func (a *Agent) Stop() {
	a.scheduler.Stop()
}

// RunOnce runs a single tick synchronously (the "run-one-tick-now" operator
// action).
func (a *Agent) RunOnce(ctx context.Context) error {
	return a.scheduler.RunOnce(ctx)
}

// ReloadConfig swaps in a new configuration for subsequent ticks. In-flight
// ticks keep using the configuration they started with.
func (a *Agent) ReloadConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

func (a *Agent) config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Tick replicates every configured sync pair, sequentially, absorbing
// per-pair errors so one bad pair never blocks the rest (spec.md §7's
// "Connect error: skip the pair for this tick, log, continue others").
func (a *Agent) Tick(ctx context.Context) error {
	cfg := a.config()

	var firstErr error
	for _, pair := range cfg.SyncPairs {
		localNode := nodeid.ForDatabase(pair.Name, nodeid.Local)
		cloudNode := nodeid.ForDatabase(pair.Name, nodeid.Cloud)

		result, err := a.driver.RunPair(ctx, pair, localNode, cloudNode, a.connect)
		if err != nil {
			a.logger.Error("agent: pair tick failed", "pair", pair.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		a.logSummary(pair.Name, result)
	}
	return firstErr
}

func (a *Agent) logSummary(pairName string, result replicate.PairResult) {
	if result.LocalToCloud != nil {
		applied, skipped, conflicts, errs := result.LocalToCloud.Totals()
		a.logger.Info("agent: tick summary", "pair", pairName, "direction", "local_to_cloud",
			"applied", applied, "skipped", skipped, "conflicts", conflicts, "errors", errs)
	}
	if result.CloudToLocal != nil {
		applied, skipped, conflicts, errs := result.CloudToLocal.Totals()
		a.logger.Info("agent: tick summary", "pair", pairName, "direction", "cloud_to_local",
			"applied", applied, "skipped", skipped, "conflicts", conflicts, "errors", errs)
	}
}

// RebuildTriggers drops and recreates every sync table's change-capture
// triggers for every configured pair, on both sides. Use after a schema
// change, or to recover from a pair rename (spec.md §9: renaming a pair
// requires re-literalizing its node IDs into trigger bodies).
func (a *Agent) RebuildTriggers(ctx context.Context) error {
	cfg := a.config()

	var firstErr error
	for _, pair := range cfg.SyncPairs {
		localNode := nodeid.ForDatabase(pair.Name, nodeid.Local)
		cloudNode := nodeid.ForDatabase(pair.Name, nodeid.Cloud)

		if err := a.rebuildSide(ctx, pair, pair.Local.DSN(), localNode, "local"); err != nil {
			a.logger.Error("agent: rebuild triggers failed", "pair", pair.Name, "side", "local", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := a.rebuildSide(ctx, pair, pair.Cloud.DSN(), cloudNode, "cloud"); err != nil {
			a.logger.Error("agent: rebuild triggers failed", "pair", pair.Name, "side", "cloud", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Agent) rebuildSide(ctx context.Context, pair config.SyncPair, dsn, nodeID, side string) error {
	sess, err := a.connect.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect %s/%s: %w", pair.Name, side, err)
	}
	defer sess.Close()

	if err := a.bootstrapper.EnsureChangeLog(ctx, sess); err != nil {
		return err
	}
	if err := a.bootstrapper.EnsureConflictLog(ctx, sess); err != nil {
		return err
	}

	tables, err := a.bootstrapper.ListSyncTables(ctx, sess, pair)
	if err != nil {
		return err
	}
	return a.synthesizer.InstallForTables(ctx, sess, tables, nodeID, pair.Name, side)
}

// Local resolves pairName's local session for the conflict monitor,
// opening it on demand. Implements monitor.PairSessions.
func (a *Agent) Local(pairName string) (dbsession.Session, bool) {
	return a.sessionFor(pairName, "local")
}

// Cloud resolves pairName's cloud session for the conflict monitor,
// opening it on demand. Implements monitor.PairSessions.
func (a *Agent) Cloud(pairName string) (dbsession.Session, bool) {
	return a.sessionFor(pairName, "cloud")
}

func (a *Agent) sessionFor(pairName, side string) (dbsession.Session, bool) {
	cfg := a.config()
	var pair *config.SyncPair
	for i := range cfg.SyncPairs {
		if cfg.SyncPairs[i].Name == pairName {
			pair = &cfg.SyncPairs[i]
			break
		}
	}
	if pair == nil {
		return nil, false
	}

	key := pairName + "/" + side
	a.openMu.Lock()
	defer a.openMu.Unlock()
	if sess, ok := a.open[key]; ok {
		return sess, true
	}

	endpoint := pair.Local
	if side == "cloud" {
		endpoint = pair.Cloud
	}
	sess, err := a.connect.Open(context.Background(), endpoint.DSN())
	if err != nil {
		a.logger.Error("agent: open monitor session failed", "pair", pairName, "side", side, "error", err)
		return nil, false
	}
	a.open[key] = sess
	return sess, true
}

// Close releases every session the agent opened for the conflict monitor.
func (a *Agent) Close() error {
	a.openMu.Lock()
	defer a.openMu.Unlock()
	var firstErr error
	for key, sess := range a.open {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.open, key)
	}
	return firstErr
}
