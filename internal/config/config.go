// Package config loads chronicle settings.
//
// Settings are layered, later layers overriding earlier ones:
//
//  1. built-in defaults
//  2. a TOML or YAML file, chosen by extension
//  3. CHRONICLE_* environment variables
//
// The merged layers are decoded into a Config and validated.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dshills/chronicle/internal/chronicle/search"
	"github.com/dshills/chronicle/internal/config/loader"
	"github.com/dshills/chronicle/internal/telemetry"
)

// Config holds every chronicle setting.
type Config struct {
	Agent   AgentConfig
	Logging LoggingConfig
	Search  SearchConfig
	Data    DataConfig
	Metrics MetricsConfig
}

// AgentConfig describes how to reach the query agent. Address, when set,
// takes precedence over launching Command.
type AgentConfig struct {
	Command string
	Args    []string
	Trace   string
	Address string

	// Timeout bounds each CLI command.
	Timeout time.Duration
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string
	Format string
}

// SearchConfig tunes the trace-search algorithms.
type SearchConfig struct {
	ProbeBump     int64
	MaxStackDepth int
}

// DataConfig tunes value reads.
type DataConfig struct {
	// EagerLimit is the largest value read with a single snapshot.
	EagerLimit int
}

// MetricsConfig configures Prometheus collection and span export.
type MetricsConfig struct {
	Enabled bool

	// Address, when set, serves /metrics while a command runs.
	Address string

	// Traces names the span exporter: none or stdout. Spans are written
	// to stderr.
	Traces string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command: "chronicle-query",
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Search:  SearchConfig{ProbeBump: search.DefaultBump, MaxStackDepth: 64},
		Data:    DataConfig{EagerLimit: 4096},
		Metrics: MetricsConfig{Enabled: true, Traces: telemetry.ExporterNone},
	}
}

// defaultMap returns the defaults as a settings map.
func defaultMap() map[string]any {
	d := Default()
	return map[string]any{
		"agent": map[string]any{
			"command": d.Agent.Command,
			"timeout": d.Agent.Timeout,
		},
		"logging": map[string]any{
			"level":  d.Logging.Level,
			"format": d.Logging.Format,
		},
		"search": map[string]any{
			"probeBump":     d.Search.ProbeBump,
			"maxStackDepth": int64(d.Search.MaxStackDepth),
		},
		"data": map[string]any{
			"eagerLimit": int64(d.Data.EagerLimit),
		},
		"metrics": map[string]any{
			"enabled": d.Metrics.Enabled,
			"traces":  d.Metrics.Traces,
		},
	}
}

// Load reads path, if not empty, and the environment over the defaults.
func Load(path string) (*Config, error) {
	return LoadFrom(loader.OS, loader.NewEnvLoader(loader.EnvPrefix), path)
}

// LoadFrom is Load with an explicit file system and environment. env may
// be nil.
func LoadFrom(fsys loader.FileSystem, env loader.Loader, path string) (*Config, error) {
	merged := defaultMap()

	if path != "" {
		l, err := loader.ForPath(fsys, path)
		if err != nil {
			return nil, err
		}
		file, err := l.Load()
		if err != nil {
			return nil, err
		}
		if file == nil {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		merged = loader.DeepMerge(merged, file)
	}

	if env != nil {
		vars, err := env.Load()
		if err != nil {
			return nil, fmt.Errorf("loading environment: %w", err)
		}
		merged = loader.DeepMerge(merged, vars)
	}

	cfg, err := FromMap(merged)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap decodes a settings map over the defaults. Every mistyped setting
// is reported.
func FromMap(m map[string]any) (*Config, error) {
	d := decoder{m: m}
	def := Default()
	cfg := &Config{
		Agent: AgentConfig{
			Command: d.stringOr("agent.command", def.Agent.Command),
			Args:    d.stringSliceOr("agent.args", nil),
			Trace:   d.stringOr("agent.trace", ""),
			Address: d.stringOr("agent.address", ""),
			Timeout: d.durationOr("agent.timeout", def.Agent.Timeout),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(d.stringOr("logging.level", def.Logging.Level)),
			Format: strings.ToLower(d.stringOr("logging.format", def.Logging.Format)),
		},
		Search: SearchConfig{
			ProbeBump:     d.intOr("search.probeBump", def.Search.ProbeBump),
			MaxStackDepth: int(d.intOr("search.maxStackDepth", int64(def.Search.MaxStackDepth))),
		},
		Data: DataConfig{
			EagerLimit: int(d.intOr("data.eagerLimit", int64(def.Data.EagerLimit))),
		},
		Metrics: MetricsConfig{
			Enabled: d.boolOr("metrics.enabled", def.Metrics.Enabled),
			Address: d.stringOr("metrics.address", ""),
			Traces:  strings.ToLower(d.stringOr("metrics.traces", def.Metrics.Traces)),
		},
	}
	if len(d.errs) > 0 {
		return nil, errors.Join(d.errs...)
	}
	return cfg, nil
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate checks every setting.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(path, msg string, v any) {
		errs = append(errs, invalidSetting(path, msg, v))
	}

	if c.Agent.Address == "" && c.Agent.Command == "" {
		invalid("agent.command", "an agent command or address is required", c.Agent.Command)
	}
	if c.Agent.Timeout <= 0 {
		invalid("agent.timeout", "must be positive", c.Agent.Timeout)
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		invalid("logging.level", "must be one of "+strings.Join(logLevels, ", "), c.Logging.Level)
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		invalid("logging.format", "must be one of "+strings.Join(logFormats, ", "), c.Logging.Format)
	}
	if c.Search.ProbeBump <= 0 {
		invalid("search.probeBump", "must be positive", c.Search.ProbeBump)
	}
	if c.Search.MaxStackDepth < 0 {
		invalid("search.maxStackDepth", "must not be negative", c.Search.MaxStackDepth)
	}
	if c.Data.EagerLimit < 0 {
		invalid("data.eagerLimit", "must not be negative", c.Data.EagerLimit)
	}
	if !slices.Contains(telemetry.Exporters, c.Metrics.Traces) {
		invalid("metrics.traces", "must be one of "+strings.Join(telemetry.Exporters, ", "), c.Metrics.Traces)
	}
	if c.Metrics.Address != "" && !c.Metrics.Enabled {
		invalid("metrics.address", "metrics are disabled", c.Metrics.Address)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a logger writing to w in the configured format.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
