// Package config loads and validates the agent's configuration: the agent
// node identity, the scheduler interval, and the list of sync pairs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Direction controls which way changes flow for one table within a pair.
type Direction string

const (
	DirectionBidirectional Direction = "bidirectional"
	DirectionLocalToCloud  Direction = "local_to_cloud"
	DirectionCloudToLocal  Direction = "cloud_to_local"
	DirectionNoSync        Direction = "no_sync"
)

func (d Direction) valid() bool {
	switch d {
	case DirectionBidirectional, DirectionLocalToCloud, DirectionCloudToLocal, DirectionNoSync:
		return true
	default:
		return false
	}
}

// Strategy names a conflict-resolution policy (spec.md §4.6).
type Strategy string

const (
	StrategyTimestampWins Strategy = "timestamp_wins"
	StrategySourceWins    Strategy = "source_wins"
	StrategyTargetWins    Strategy = "target_wins"
	StrategyMergeFields   Strategy = "merge_fields"
	StrategyManual        Strategy = "manual"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyTimestampWins, StrategySourceWins, StrategyTargetWins, StrategyMergeFields, StrategyManual:
		return true
	default:
		return false
	}
}

// Endpoint describes one side (local or cloud) of a sync pair.
type Endpoint struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	DB       string `mapstructure:"db" validate:"required"`
}

// DSN builds a go-sql-driver/mysql data source name for this endpoint.
func (e Endpoint) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		e.User, e.Password, e.Host, e.Port, e.DB)
}

// TableOverride carries per-table replication direction overrides.
type TableOverride struct {
	Direction Direction `mapstructure:"direction" validate:"required"`
}

// allTablesSentinel is the magic "tables" value meaning every eligible
// user table (spec.md §3.2).
const allTablesSentinel = "all"

// SyncPair is one named local<->cloud replication binding (spec.md §3.1).
type SyncPair struct {
	Name                string                   `mapstructure:"name" validate:"required"`
	Local               Endpoint                 `mapstructure:"local" validate:"required"`
	Cloud               Endpoint                 `mapstructure:"cloud" validate:"required"`
	Tables              []string                 `mapstructure:"tables"`
	ConflictResolution  Strategy                 `mapstructure:"conflict_resolution"`
	TableOverrides      map[string]TableOverride `mapstructure:"table_overrides"`
}

// SelectsAllTables reports whether Tables was left as the "all" sentinel or empty.
func (p SyncPair) SelectsAllTables() bool {
	if len(p.Tables) == 0 {
		return true
	}
	return len(p.Tables) == 1 && strings.EqualFold(p.Tables[0], allTablesSentinel)
}

// DirectionFor returns the configured direction for table, defaulting to
// bidirectional when no per-table override exists.
func (p SyncPair) DirectionFor(table string) Direction {
	if ov, ok := p.TableOverrides[table]; ok && ov.Direction != "" {
		return ov.Direction
	}
	return DirectionBidirectional
}

// Config is the agent-wide configuration (spec.md §6.1).
type Config struct {
	NodeID              string     `mapstructure:"node_id"`
	SyncIntervalMinutes int        `mapstructure:"sync_interval_minutes" validate:"min=1"`
	MisfireGraceSeconds int        `mapstructure:"misfire_grace_seconds" validate:"min=0"`
	SyncPairs           []SyncPair `mapstructure:"sync_pairs" validate:"required,dive"`
}

// Interval returns the scheduler tick period.
func (c Config) Interval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// MisfireGrace returns the scheduler's misfire tolerance window.
func (c Config) MisfireGrace() time.Duration {
	return time.Duration(c.MisfireGraceSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync_interval_minutes", 10)
	v.SetDefault("misfire_grace_seconds", 60)
}

// Load reads configuration from path (if non-empty) and the
// DBSYNC_-prefixed environment, validates it, and returns the result.
// A missing or malformed config is a fatal error per spec.md §7.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DBSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	for i := range cfg.SyncPairs {
		if cfg.SyncPairs[i].ConflictResolution == "" {
			cfg.SyncPairs[i].ConflictResolution = StrategyTimestampWins
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

// Validate runs structural and business-rule validation over cfg.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.SyncPairs))
	for _, p := range cfg.SyncPairs {
		if p.Name == "" {
			return fmt.Errorf("sync pair has empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate sync pair name %q", p.Name)
		}
		seen[p.Name] = true

		if p.ConflictResolution != "" && !p.ConflictResolution.valid() {
			return fmt.Errorf("pair %q: unknown conflict_resolution %q", p.Name, p.ConflictResolution)
		}
		for table, ov := range p.TableOverrides {
			if !ov.Direction.valid() {
				return fmt.Errorf("pair %q: table %q: unknown direction %q", p.Name, table, ov.Direction)
			}
		}
	}

	return nil
}
