// Package config loads executor settings from defaults, an optional YAML
// file and VISIONER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VISIONER_SERVER_ADDR.
const EnvPrefix = "VISIONER"

type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Content ContentConfig `mapstructure:"content" yaml:"content"`
	Scene   SceneConfig   `mapstructure:"scene" yaml:"scene"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

type EngineConfig struct {
	DedupWindow      time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	DefaultPriority  int           `mapstructure:"default_priority" yaml:"default_priority"`
	PredicateBackend string        `mapstructure:"predicate_backend" yaml:"predicate_backend"`
}

// StoreConfig selects the flag store. Path is the sqlite database file.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ContentConfig points at the rule-element content server. An empty
// ServerURL runs without a catalog.
type ContentConfig struct {
	ServerURL       string        `mapstructure:"server_url" yaml:"server_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

// SceneConfig names a YAML scene fixture loaded into the in-memory scene.
type SceneConfig struct {
	Fixture string `mapstructure:"fixture" yaml:"fixture"`
}

func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "visioner")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.dedup_window", "1s")
	v.SetDefault("engine.default_priority", 100)
	v.SetDefault("engine.predicate_backend", "cel")

	// -- Store --
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "visioner.db")

	// -- Server --
	v.SetDefault("server.addr", ":26860")
	v.SetDefault("server.shutdown_timeout", "5s")

	// -- Content --
	v.SetDefault("content.server_url", "")
	v.SetDefault("content.refresh_interval", "30s")

	// -- Scene --
	v.SetDefault("scene.fixture", "")
}

// Load reads file (or ./config.yaml when empty) and the environment into v
// and returns the validated configuration. A missing default file is not an
// error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.DedupWindow < 0 {
		errs = append(errs, errors.New("engine.dedup_window must not be negative"))
	}
	if c.Engine.DefaultPriority <= 0 {
		errs = append(errs, errors.New("engine.default_priority must be positive"))
	}
	if !slices.Contains([]string{"cel", "local"}, c.Engine.PredicateBackend) {
		errs = append(errs, fmt.Errorf("engine.predicate_backend %q must be cel or local", c.Engine.PredicateBackend))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Content.ServerURL != "" && c.Content.RefreshInterval <= 0 {
		errs = append(errs, errors.New("content.refresh_interval must be positive"))
	}
	return errors.Join(errs...)
}
