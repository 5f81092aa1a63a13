// Package config loads the replica configuration from a TOML file and
// REPLICA_* environment variables, environment winning.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// ServerURL is the base URL for commands and the replication stream.
	ServerURL string `mapstructure:"server_url"`

	// PushURL is the websocket endpoint for server-push events.
	// Empty disables the push subscription.
	PushURL string `mapstructure:"push_url"`

	// Tenant and Principal scope the replica. Databases and cursors are
	// kept per principal so account switches never mix data.
	Tenant    string `mapstructure:"tenant"`
	Principal string `mapstructure:"principal"`

	// Token authenticates commands and stream sessions. Empty sends
	// unauthenticated requests.
	Token string `mapstructure:"token"`

	// Engine selects the storage backend: "sqlite", "memkv" or "auto".
	Engine string `mapstructure:"engine"`

	// DataDir holds the per-principal databases.
	DataDir string `mapstructure:"data_dir"`

	// SchemaVersion guards the local database layout. Bumping it discards
	// and recreates local data on next start.
	SchemaVersion int `mapstructure:"schema_version"`

	// PriorityStores flush in smaller batches during sync so they become
	// readable first.
	PriorityStores []string `mapstructure:"priority_stores"`

	// RegistryOverlay optionally names a TOML file with additional entity
	// store descriptors.
	RegistryOverlay string `mapstructure:"registry_overlay"`

	// LogFile receives rotated logs in watch mode. Empty logs to stderr.
	LogFile string `mapstructure:"log_file"`

	// MinSyncIntervalSeconds skips a sync when the previous one finished
	// this recently. Zero syncs unconditionally.
	MinSyncIntervalSeconds int `mapstructure:"min_sync_interval_seconds"`

	// SessionTimeoutSeconds bounds one replication session.
	SessionTimeoutSeconds int `mapstructure:"session_timeout_seconds"`
}

// Load reads configuration. path may be empty, in which case replica.toml is
// searched for in the working directory and the user config directory; a
// missing file is fine, a named one must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("replica")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "replica"))
		}
	}

	v.SetEnvPrefix("REPLICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so environment-only values survive
	// Unmarshal.
	v.SetDefault("server_url", "")
	v.SetDefault("push_url", "")
	v.SetDefault("tenant", "")
	v.SetDefault("principal", "")
	v.SetDefault("token", "")
	v.SetDefault("engine", "auto")
	v.SetDefault("data_dir", "")
	v.SetDefault("schema_version", 1)
	v.SetDefault("priority_stores", []string{"tasks", "statuses", "projects"})
	v.SetDefault("registry_overlay", "")
	v.SetDefault("log_file", "")
	v.SetDefault("min_sync_interval_seconds", 0)
	v.SetDefault("session_timeout_seconds", 60)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DataDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.DataDir = filepath.Join(dir, "replica")
		} else {
			cfg.DataDir = ".replica"
		}
	}
	return &cfg, nil
}

// ValidateForSync checks the fields a replication session cannot run without.
func (c *Config) ValidateForSync() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required (set REPLICA_SERVER_URL or the config file)")
	}
	if c.Principal == "" {
		return fmt.Errorf("principal is required")
	}
	return nil
}
