// Command agent runs the multi-master database sync agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mosesoghene/db-sync-agent/internal/agent"
	"github.com/mosesoghene/db-sync-agent/internal/config"
	"github.com/mosesoghene/db-sync-agent/internal/dbsession"
	"github.com/mosesoghene/db-sync-agent/internal/logger"
	"github.com/mosesoghene/db-sync-agent/internal/metrics"
	"github.com/mosesoghene/db-sync-agent/internal/migrate"
)

const serviceVersion = "1.0.0"

var (
	configPath   string
	logLevel     string
	logFormat    string
	metricsAddr  string
	monitorAddr  string
	migrationDir string
)

func main() {
	root := &cobra.Command{
		Use:   "agent",
		Short: "Multi-master database sync agent",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the agent config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")

	root.AddCommand(
		runCommand(),
		tickCommand(),
		reloadConfigCommand(),
		rebuildTriggersCommand(),
		migrateCommand(),
		monitorCommand(),
		versionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildLogger() *slog.Logger {
	return logger.NewLogger(logger.Config{Level: logLevel, Format: logFormat, Output: "stdout"})
}

// loadAgent loads config, builds an *agent.Agent wired to the production
// MySQL connection factory and a Prometheus registry, and returns it along
// with the logger used to build it.
func loadAgent() (*agent.Agent, *config.Config, *slog.Logger, error) {
	log := buildLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, log, fmt.Errorf("load config: %w", err)
	}

	m := metrics.NewRegistry(prometheus.DefaultRegisterer)
	a := agent.New(cfg, dbsession.MySQLFactory{}, m, log)
	return a, cfg, log, nil
}

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent's scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, log, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			if metricsAddr != "" {
				go serveMetrics(log)
			}
			if monitorAddr != "" {
				a.EnableConflictFeed(log)
				go serveMonitor(a, log)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.Start(ctx)
			log.Info("agent: running", "config", configPath)

			<-ctx.Done()
			log.Info("agent: shutting down")
			a.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&monitorAddr, "monitor-addr", "", "if set, serve the conflict monitor API on this address (e.g. :8081)")
	return cmd
}

func serveMetrics(log *slog.Logger) {
	srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	log.Info("metrics: listening", "addr", metricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics: server failed", "error", err)
	}
}

func serveMonitor(a *agent.Agent, log *slog.Logger) {
	srv := &http.Server{Addr: monitorAddr, Handler: a.MonitorAPI(log).Router()}
	log.Info("monitor: listening", "addr", monitorAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("monitor: server failed", "error", err)
	}
}

func tickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single replication tick for every configured pair, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunOnce(context.Background())
		},
	}
}

func reloadConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload-config",
		Short: "Validate the config file without starting the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, err := loadAgent()
			if err != nil {
				return err
			}
			log.Info("reload-config: config is valid", "pairs", len(cfg.SyncPairs))
			return nil
		},
	}
}

func rebuildTriggersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-triggers",
		Short: "Drop and recreate change-capture triggers for every configured pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RebuildTriggers(context.Background())
		},
	}
}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the change_log/conflict_log schema with goose",
	}
	cmd.PersistentFlags().StringVar(&migrationDir, "dir", migrate.DefaultDir, "migrations directory")

	var pairName, endpointSide string
	resolveDSN := func() (string, *slog.Logger, error) {
		log := buildLogger()
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", log, fmt.Errorf("load config: %w", err)
		}
		for _, p := range cfg.SyncPairs {
			if p.Name != pairName {
				continue
			}
			if endpointSide == "cloud" {
				return p.Cloud.DSN(), log, nil
			}
			return p.Local.DSN(), log, nil
		}
		return "", log, fmt.Errorf("migrate: unknown sync pair %q", pairName)
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, log, err := resolveDSN()
			if err != nil {
				return err
			}
			return migrate.Up(dsn, migrationDir, log)
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, log, err := resolveDSN()
			if err != nil {
				return err
			}
			return migrate.Down(dsn, migrationDir, log)
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Print applied/pending migration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, log, err := resolveDSN()
			if err != nil {
				return err
			}
			return migrate.Status(dsn, migrationDir, log)
		},
	}
	for _, c := range []*cobra.Command{up, down, status} {
		c.Flags().StringVar(&pairName, "pair", "", "sync pair name to target (required)")
		c.Flags().StringVar(&endpointSide, "side", "local", "local or cloud")
		_ = c.MarkFlagRequired("pair")
	}
	cmd.AddCommand(up, down, status)
	return cmd
}

func monitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the read-only conflict monitor API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, log, err := loadAgent()
			if err != nil {
				return err
			}
			defer a.Close()
			a.EnableConflictFeed(log)

			addr := monitorAddr
			if addr == "" {
				addr = ":8081"
			}
			srv := &http.Server{Addr: addr, Handler: a.MonitorAPI(log).Router()}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				log.Info("monitor: listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("monitor: server failed", "error", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&monitorAddr, "addr", ":8081", "address to serve the monitor API on")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("db-sync-agent " + serviceVersion)
			return nil
		},
	}
}
