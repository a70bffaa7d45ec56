// Package config loads engine settings from YAML (or JSON) over built-in defaults.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	glog "github.com/goliatone/go-logger/glog"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/monitor"
	"github.com/goliatone/go-lifecycle/store"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root document.
type Config struct {
	Env     string  `yaml:"env" json:"env"`
	Storage Storage `yaml:"storage" json:"storage"`
	Monitor Monitor `yaml:"monitor" json:"monitor"`
	Log     Log     `yaml:"log" json:"log"`
}

type Storage struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Monitor mirrors monitor.Config with YAML durations ("30s", "5m").
type Monitor struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Interval    time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	OlderThan   time.Duration `yaml:"older_than,omitempty" json:"older_than,omitempty"`
	PageSize    int           `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	MaxPages    int           `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	Consumers   []int64       `yaml:"consumers,omitempty" json:"consumers,omitempty"`
	ConsumerTTL time.Duration `yaml:"consumer_ttl,omitempty" json:"consumer_ttl,omitempty"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Env:     "default",
		Storage: Storage{Driver: DriverMemory},
		Monitor: Monitor{
			Interval:  monitor.DefaultInterval,
			OlderThan: monitor.DefaultOlderThan,
			PageSize:  monitor.DefaultPageSize,
			MaxPages:  monitor.DefaultMaxPages,
		},
		Log: Log{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes raw over the defaults and validates the result. JSON is valid YAML.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	invalid := func(msg string, meta map[string]any) error {
		return lifecycle.NewError(lifecycle.ErrPreconditionFailed, msg, nil, meta)
	}
	if strings.TrimSpace(c.Env) == "" {
		return invalid("config env required", nil)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.Driver == DriverPostgres && strings.TrimSpace(c.Storage.DSN) == "" {
			return invalid("postgres dsn required", nil)
		}
	default:
		return invalid("unknown storage driver", map[string]any{"driver": c.Storage.Driver})
	}
	if c.Monitor.Interval < 0 || c.Monitor.OlderThan < 0 || c.Monitor.ConsumerTTL < 0 {
		return invalid("monitor durations must not be negative", nil)
	}
	if c.Monitor.PageSize < 0 || c.Monitor.MaxPages < 0 {
		return invalid("monitor paging must not be negative", nil)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return invalid("unknown log format", map[string]any{"format": c.Log.Format})
	}
	return nil
}

// MonitorConfig converts the monitor section.
func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:    c.Monitor.Interval,
		OlderThan:   c.Monitor.OlderThan,
		Consumers:   append([]int64(nil), c.Monitor.Consumers...),
		PageSize:    c.Monitor.PageSize,
		MaxPages:    c.Monitor.MaxPages,
		ConsumerTTL: c.Monitor.ConsumerTTL,
		EnvCode:     c.Env,
	}
}

// OpenStore opens the configured backend.
func (c Config) OpenStore(ctx context.Context, opts ...store.Option) (store.Store, error) {
	var (
		s   *store.SQLStore
		err error
	)
	switch c.Storage.Driver {
	case DriverSQLite:
		s, err = store.OpenSQLite(ctx, c.Storage.DSN, opts...)
	case DriverPostgres:
		s, err = store.OpenPostgres(ctx, c.Storage.DSN, opts...)
	default:
		return store.NewMemoryStore(opts...), nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Logger builds a go-logger instance writing to out.
func (c Config) Logger(out io.Writer) lifecycle.Logger {
	if out == nil {
		out = os.Stderr
	}
	level := c.Log.Level
	if level == "" {
		level = "info"
	}
	if c.Log.Format == "json" {
		return lifecycle.NewGLogAdapter(glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level), glog.WithLoggerTypeJSON()))
	}
	return lifecycle.NewGLogAdapter(glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level)))
}
