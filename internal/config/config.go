// Package config loads the controller configuration from file and
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/qreshi/index-management/internal/observability"
	"github.com/qreshi/index-management/pkg/lockservice"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/snapshotrepo"
)

// Defaults for the management-index layout.
const (
	DefaultManagementIndex = ".opendistro-ism-config"
	DefaultAuditIndex      = ".opendistro-ism-managed-index-history-1"
)

// Config is the full controller configuration.
type Config struct {
	ManagementIndex string `mapstructure:"management_index"`
	AuditIndex      string `mapstructure:"audit_index"`

	Store     metastore.Config        `mapstructure:"store"`
	Lock      lockservice.RedisConfig `mapstructure:"lock"`
	Snapshots *snapshotrepo.S3Config  `mapstructure:"snapshots"`

	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Server    ServerConfig         `mapstructure:"server"`
	Logging   observability.Config `mapstructure:"logging"`
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Jitter        float64       `mapstructure:"jitter"`
	PageRate      float64       `mapstructure:"page_rate"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Load reads configuration from the given file (optional) and the
// INDEXCTL_* environment, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("management_index", DefaultManagementIndex)
	v.SetDefault("audit_index", DefaultAuditIndex)
	v.SetDefault("scheduler.sweep_interval", 30*time.Second)
	v.SetDefault("scheduler.jitter", 0.1)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8686)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ManagementIndex) == "" {
		return fmt.Errorf("management_index is required")
	}
	if c.Scheduler.SweepInterval < 0 {
		return fmt.Errorf("scheduler.sweep_interval must not be negative")
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		return fmt.Errorf("scheduler.jitter must be in [0, 1)")
	}
	if c.Snapshots != nil {
		if err := c.Snapshots.Validate(); err != nil {
			return err
		}
	}
	return nil
}
