// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Engine       EngineConfig       `yaml:"engine"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Preview      PreviewConfig      `yaml:"preview"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// EngineConfig points at the reasoning service.
type EngineConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// OrchestratorConfig bounds task pipelines.
type OrchestratorConfig struct {
	RetryBudget  int    `yaml:"retry_budget"`  // recoverable failures absorbed per task
	StageTimeout string `yaml:"stage_timeout"` // per engine/SQL call
	AnswerRows   int    `yaml:"answer_rows"`   // rows handed to the engine per answer
}

// SchedulerConfig drives the dashboard cache refresher.
type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Tick        string `yaml:"tick"`
	Concurrency int    `yaml:"concurrency"` // dashboards refreshed in parallel
}

type PreviewConfig struct {
	DefaultLimit   int    `yaml:"default_limit"`
	ComputeTimeout string `yaml:"compute_timeout"` // one shared item recomputation
}

type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{URL: "postgres://localhost:5432/wrenflow"},
		Engine: EngineConfig{
			BaseURL: "http://localhost:5555",
			Timeout: "60s",
		},
		Orchestrator: OrchestratorConfig{
			RetryBudget:  3,
			StageTimeout: "2m",
			AnswerRows:   100,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Tick:        "1m",
			Concurrency: 4,
		},
		Preview: PreviewConfig{DefaultLimit: 500, ComputeTimeout: "2m"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENGINE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCHEDULER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.Concurrency = n
		}
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.RetryBudget < 0 {
		return fmt.Errorf("orchestrator.retry_budget must not be negative, got %d", c.Orchestrator.RetryBudget)
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive, got %d", c.Scheduler.Concurrency)
	}
	if c.Preview.DefaultLimit <= 0 {
		return fmt.Errorf("preview.default_limit must be positive, got %d", c.Preview.DefaultLimit)
	}
	for name, v := range map[string]string{
		"engine.timeout":             c.Engine.Timeout,
		"orchestrator.stage_timeout": c.Orchestrator.StageTimeout,
		"scheduler.tick":             c.Scheduler.Tick,
		"preview.compute_timeout":    c.Preview.ComputeTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	return nil
}

// GetEngineTimeout returns the engine HTTP timeout.
func (c *Config) GetEngineTimeout() time.Duration {
	return parseDuration(c.Engine.Timeout, 60*time.Second)
}

// GetStageTimeout returns the per-stage pipeline timeout.
func (c *Config) GetStageTimeout() time.Duration {
	return parseDuration(c.Orchestrator.StageTimeout, 2*time.Minute)
}

// GetComputeTimeout returns the bound on one item recomputation.
func (c *Config) GetComputeTimeout() time.Duration {
	return parseDuration(c.Preview.ComputeTimeout, 2*time.Minute)
}

// GetSchedulerTick returns the scheduler period.
func (c *Config) GetSchedulerTick() time.Duration {
	return parseDuration(c.Scheduler.Tick, time.Minute)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
