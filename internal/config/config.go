// Package config loads templated configuration.
//
// Defaults are applied first, then the YAML file named by --config (or
// TEMPLATED_CONFIG), then any command-line flags that were set explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/engine"
)

// Config is the master configuration for the template server
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Log           LogConfig           `yaml:"log"`
	Storage       StorageConfig       `yaml:"storage"`
	Engine        EngineConfig        `yaml:"engine"`
}

// ServerConfig configures the gRPC listener
type ServerConfig struct {
	Port            int  `yaml:"port"`
	MaxRecvMsgBytes int  `yaml:"max_recv_msg_bytes"`
	Reflection      bool `yaml:"reflection"`
}

// ObservabilityConfig configures the metrics and health HTTP server
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	Caller bool   `yaml:"caller"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Backend is fs, sqlite or memory
	Backend string `yaml:"backend"`
	// Path is a directory for fs and a database file for sqlite
	Path string `yaml:"path"`
}

// EngineConfig tunes the template engine
type EngineConfig struct {
	MaxContentBytes int           `yaml:"max_content_bytes"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	IOTimeout       time.Duration `yaml:"io_timeout"`
}

// Default returns the default configuration
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            50051,
			MaxRecvMsgBytes: 4 * 1024 * 1024,
			Reflection:      true,
		},
		Observability: ObservabilityConfig{
			Enabled: true,
			Port:    9090,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		Storage: StorageConfig{
			Backend: ec.Backend,
			Path:    ec.Path,
		},
		Engine: EngineConfig{
			MaxContentBytes: ec.MaxContentBytes,
			CacheTTL:        ec.CacheTTL,
			SweepInterval:   ec.SweepInterval,
			IOTimeout:       ec.IOTimeout,
		},
	}
}

// LoadFile loads defaults overlaid with the YAML file at path
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Load parses args, reads the config file they name and applies explicit
// flag overrides. pflag.ErrHelp is returned as is.
func Load(name string, args []string) (*Config, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := flags.String("config", os.Getenv("TEMPLATED_CONFIG"), "path to YAML configuration file")

	d := Default()
	port := flags.Int("port", d.Server.Port, "gRPC listen port")
	metricsPort := flags.Int("metrics-port", d.Observability.Port, "metrics and health HTTP port")
	backend := flags.String("backend", d.Storage.Backend, "persistence backend: fs, sqlite or memory")
	dataPath := flags.String("data", d.Storage.Path, "data directory (fs) or database file (sqlite)")
	level := flags.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	pretty := flags.Bool("log-pretty", d.Log.Pretty, "human-readable console logs")
	maxContent := flags.Int("max-content-bytes", d.Engine.MaxContentBytes, "maximum template content size")
	ttl := flags.Duration("cache-ttl", d.Engine.CacheTTL, "render cache entry lifetime")
	ioTimeout := flags.Duration("io-timeout", d.Engine.IOTimeout, "bound on each durable read or write")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.loadFile(*path); err != nil {
			return nil, err
		}
	}

	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if flags.Changed("metrics-port") {
		cfg.Observability.Port = *metricsPort
	}
	if flags.Changed("backend") {
		cfg.Storage.Backend = *backend
	}
	if flags.Changed("data") {
		cfg.Storage.Path = *dataPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *level
	}
	if flags.Changed("log-pretty") {
		cfg.Log.Pretty = *pretty
	}
	if flags.Changed("max-content-bytes") {
		cfg.Engine.MaxContentBytes = *maxContent
	}
	if flags.Changed("cache-ttl") {
		cfg.Engine.CacheTTL = *ttl
	}
	if flags.Changed("io-timeout") {
		cfg.Engine.IOTimeout = *ioTimeout
	}

	return cfg, cfg.Validate()
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Observability.Enabled && (c.Observability.Port <= 0 || c.Observability.Port > 65535) {
		errs = append(errs, fmt.Errorf("observability.port %d out of range", c.Observability.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	switch c.Storage.Backend {
	case engine.BackendFS, engine.BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	case engine.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q unknown", c.Storage.Backend))
	}
	if c.Engine.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("engine.max_content_bytes must be positive"))
	}
	if c.Engine.CacheTTL <= 0 {
		errs = append(errs, errors.New("engine.cache_ttl must be positive"))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, errors.New("engine.sweep_interval must be positive"))
	}
	if c.Engine.IOTimeout <= 0 {
		errs = append(errs, errors.New("engine.io_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// EngineSettings converts the storage and engine sections for engine.Open
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		Backend:         c.Storage.Backend,
		Path:            c.Storage.Path,
		MaxContentBytes: c.Engine.MaxContentBytes,
		CacheTTL:        c.Engine.CacheTTL,
		SweepInterval:   c.Engine.SweepInterval,
		IOTimeout:       c.Engine.IOTimeout,
	}
}
