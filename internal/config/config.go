package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Phone    PhoneConfig    `yaml:"phone" mapstructure:"phone"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Merge    MergeConfig    `yaml:"merge" mapstructure:"merge"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp" mapstructure:"whatsapp"`
}

// StoreConfig configures the contact database. The merge run log lives in
// the same Postgres database, or in a SQLite file when driver is sqlite.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PhoneConfig configures number normalization.
type PhoneConfig struct {
	DefaultRegion string `yaml:"default_region" mapstructure:"default_region"`
}

// ResolverConfig tunes the LID resolution chain.
type ResolverConfig struct {
	NetworkRatePerSec       float64 `yaml:"network_rate_per_sec" mapstructure:"network_rate_per_sec"`
	NetworkBurst            int     `yaml:"network_burst" mapstructure:"network_burst"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	CacheTTLSecs            int     `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	CacheCapacity           int     `yaml:"cache_capacity" mapstructure:"cache_capacity"`
}

// MergeConfig configures the duplicate merge engine.
type MergeConfig struct {
	PlaceholderPrefix string `yaml:"placeholder_prefix" mapstructure:"placeholder_prefix"`
}

// WhatsAppConfig points at a whatsmeow device store. An empty StoreDSN runs
// resolution without a live session.
type WhatsAppConfig struct {
	StoreDSN     string `yaml:"store_dsn" mapstructure:"store_dsn"`
	ConnectionID int64  `yaml:"connection_id" mapstructure:"connection_id"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CONTACTID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "contact-identity.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("phone.default_region", "BR")
	v.SetDefault("resolver.network_rate_per_sec", 2.0)
	v.SetDefault("resolver.network_burst", 4)
	v.SetDefault("resolver.circuit_failure_threshold", 5)
	v.SetDefault("resolver.circuit_reset_secs", 30)
	v.SetDefault("resolver.cache_ttl_secs", 300)
	v.SetDefault("resolver.cache_capacity", 256)
	v.SetDefault("merge.placeholder_prefix", "merged")
	v.SetDefault("whatsapp.store_dsn", "")
	v.SetDefault("whatsapp.connection_id", 0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "db" needs a
// database, "merge" also a merge-run store, "resolve" resolver bounds too.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "db", "merge", "resolve":
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if mode == "merge" {
		switch c.Store.Driver {
		case "postgres":
		case "sqlite":
			if c.Store.SQLitePath == "" {
				problems = append(problems, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}
	if mode == "resolve" {
		if c.Resolver.NetworkBurst < 1 {
			problems = append(problems, "resolver.network_burst must be at least 1")
		}
		if c.Resolver.CircuitFailureThreshold < 1 {
			problems = append(problems, "resolver.circuit_failure_threshold must be at least 1")
		}
		if c.Resolver.CacheCapacity < 1 {
			problems = append(problems, "resolver.cache_capacity must be at least 1")
		}
		if c.Phone.DefaultRegion == "" {
			problems = append(problems, "phone.default_region is required")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
