// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration: YAML file, then
// TAPGRID_* environment overrides, then validation. A Holder adds
// atomic hot reload for the tunable subset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Registry struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	Jitter       time.Duration `yaml:"jitter"`
}

type Sessions struct {
	BasePort      int           `yaml:"basePort"`
	CreateTimeout time.Duration `yaml:"createTimeout"`
	IdleRetention time.Duration `yaml:"idleRetention"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	FrameInterval time.Duration `yaml:"frameInterval"`
}

type Queue struct {
	SplitOnPartial    bool  `yaml:"splitOnPartial"`
	CompletedRing     int   `yaml:"completedRing"`
	DefaultEstimateMS int64 `yaml:"defaultEstimateMs"`
}

type Executor struct {
	DefaultStepTimeout  time.Duration `yaml:"defaultStepTimeout"`
	ScreenshotOnFailure bool          `yaml:"screenshotOnFailure"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type API struct {
	// RateLimit caps mutating requests per caller per minute.
	RateLimit int `yaml:"rateLimit"`
}

type Config struct {
	Listen   string `yaml:"listen"`
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	Registry Registry `yaml:"registry"`
	Sessions Sessions `yaml:"sessions"`
	Queue    Queue    `yaml:"queue"`
	Executor Executor `yaml:"executor"`
	Redis    Redis    `yaml:"redis"`
	Tracing  Tracing  `yaml:"tracing"`
	API      API      `yaml:"api"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:   ":8080",
		DataDir:  "./data",
		LogLevel: "info",
		Registry: Registry{
			PollInterval: 5 * time.Second,
			Jitter:       time.Second,
		},
		Sessions: Sessions{
			BasePort:      6790,
			CreateTimeout: 30 * time.Second,
			IdleRetention: 10 * time.Minute,
			SweepInterval: 30 * time.Second,
			FrameInterval: time.Second,
		},
		Queue: Queue{
			CompletedRing:     20,
			DefaultEstimateMS: 60_000,
		},
		Executor: Executor{
			DefaultStepTimeout:  10 * time.Second,
			ScreenshotOnFailure: true,
		},
		Redis: Redis{
			TTL: 15 * time.Minute,
		},
		API: API{
			RateLimit: 60,
		},
	}
}

// Load builds the effective configuration. An empty path means
// env-and-defaults only; a missing file at a given path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets TAPGRID_* variables override file values. Unset or
// empty variables leave the file value in place.
func applyEnv(cfg *Config) {
	envString("TAPGRID_LISTEN", &cfg.Listen)
	envString("TAPGRID_DATA_DIR", &cfg.DataDir)
	envString("TAPGRID_LOG_LEVEL", &cfg.LogLevel)
	envDuration("TAPGRID_POLL_INTERVAL", &cfg.Registry.PollInterval)
	envInt("TAPGRID_SESSION_BASE_PORT", &cfg.Sessions.BasePort)
	envDuration("TAPGRID_SESSION_CREATE_TIMEOUT", &cfg.Sessions.CreateTimeout)
	envDuration("TAPGRID_SESSION_IDLE_RETENTION", &cfg.Sessions.IdleRetention)
	envDuration("TAPGRID_SESSION_FRAME_INTERVAL", &cfg.Sessions.FrameInterval)
	envBool("TAPGRID_SPLIT_ON_PARTIAL", &cfg.Queue.SplitOnPartial)
	envDuration("TAPGRID_STEP_TIMEOUT", &cfg.Executor.DefaultStepTimeout)
	envString("TAPGRID_REDIS_ADDR", &cfg.Redis.Addr)
	envString("TAPGRID_REDIS_PASSWORD", &cfg.Redis.Password)
	envBool("TAPGRID_TRACING_ENABLED", &cfg.Tracing.Enabled)
	envString("TAPGRID_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	envInt("TAPGRID_API_RATE_LIMIT", &cfg.API.RateLimit)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	var errs []error
	if cfg.Listen == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("dataDir must not be empty"))
	}
	if cfg.Registry.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("registry.pollInterval %s below 1s", cfg.Registry.PollInterval))
	}
	if cfg.Sessions.BasePort < 1024 || cfg.Sessions.BasePort > 65000 {
		errs = append(errs, fmt.Errorf("sessions.basePort %d outside 1024..65000", cfg.Sessions.BasePort))
	}
	if cfg.Sessions.CreateTimeout <= 0 {
		errs = append(errs, errors.New("sessions.createTimeout must be positive"))
	}
	if cfg.Sessions.FrameInterval < 0 {
		errs = append(errs, errors.New("sessions.frameInterval must not be negative"))
	}
	if cfg.Executor.DefaultStepTimeout <= 0 {
		errs = append(errs, errors.New("executor.defaultStepTimeout must be positive"))
	}
	if cfg.Queue.CompletedRing <= 0 {
		errs = append(errs, errors.New("queue.completedRing must be positive"))
	}
	if cfg.API.RateLimit <= 0 {
		errs = append(errs, errors.New("api.rateLimit must be positive"))
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint required when tracing is enabled"))
	}
	return errors.Join(errs...)
}
