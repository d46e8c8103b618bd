// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration: YAML file, environment
// overrides with the LOGPIPE_ prefix, defaults, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	InstanceID string          `yaml:"instance_id"`
	Server     ServerConfig    `yaml:"server"`
	Auth       AuthConfig      `yaml:"auth"`
	Coalescer  CoalescerConfig `yaml:"coalescer"`
	Stream     StreamConfig    `yaml:"stream"`
	Workers    WorkersConfig   `yaml:"workers"`
	Retry      RetryConfig     `yaml:"retry"`
	Sink       SinkConfig      `yaml:"sink"`
	Logging    LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReadTimeoutMS    int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS   int    `yaml:"write_timeout_ms"`
	EnqueueTimeoutMS int    `yaml:"enqueue_timeout_ms"`
}

type AuthConfig struct {
	// Secret empty disables bearer-token enforcement.
	Secret           string `yaml:"secret"`
	TokenExpiryHours int    `yaml:"token_expiry_hours"`
}

type CoalescerConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxBatchSize  int  `yaml:"max_batch_size"`
	MaxWaitTimeMS int  `yaml:"max_wait_time_ms"`
}

type StreamConfig struct {
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	Key            string `yaml:"key"`
	Group          string `yaml:"group"`
	ApproxMaxLen   int64  `yaml:"approx_max_len"`
	BlockMS        int    `yaml:"block_ms"`
	ClaimMinIdleMS int    `yaml:"claim_min_idle_ms"`
}

type WorkersConfig struct {
	Count            int `yaml:"count"`
	BatchSize        int `yaml:"batch_size"`
	MaxBatchSize     int `yaml:"max_batch_size"`
	MaxWaitTimeMS    int `yaml:"max_wait_time_ms"`
	PollIntervalMS   int `yaml:"poll_interval_ms"`
	RetryQueueLimit  int `yaml:"retry_queue_limit"`
	ClaimIntervalMS  int `yaml:"claim_interval_ms"`
	RetryIntervalMS  int `yaml:"retry_interval_ms"`
	FlushGraceMS     int `yaml:"flush_grace_ms"`
	SinkTimeoutMS    int `yaml:"sink_timeout_ms"`
	HealthIntervalMS int `yaml:"health_interval_ms"`
}

type RetryConfig struct {
	// Strategy selects the envelope store: "memory" or "redis".
	Strategy    string `yaml:"strategy"`
	Key         string `yaml:"key"`
	BaseDelayMS int    `yaml:"base_delay_ms"`
	MaxDelayMS  int    `yaml:"max_delay_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type SinkConfig struct {
	// Type selects the analytics store: "memory", "clickhouse" or "postgres".
	Type       string           `yaml:"type"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

type ClickHouseConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (optional: empty path keeps defaults), applies environment
// overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "logpipe"
		}
		c.InstanceID = host
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 15000
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 30000
	}
	if c.Server.EnqueueTimeoutMS == 0 {
		c.Server.EnqueueTimeoutMS = 10000
	}
	if c.Auth.TokenExpiryHours == 0 {
		c.Auth.TokenExpiryHours = 24
	}
	if c.Coalescer.MaxBatchSize == 0 {
		c.Coalescer.MaxBatchSize = 100
	}
	if c.Coalescer.MaxWaitTimeMS == 0 {
		c.Coalescer.MaxWaitTimeMS = 50
	}
	if c.Stream.RedisAddr == "" {
		c.Stream.RedisAddr = "localhost:6379"
	}
	if c.Stream.Key == "" {
		c.Stream.Key = "logs:stream"
	}
	if c.Stream.Group == "" {
		c.Stream.Group = "log-processors"
	}
	if c.Stream.ApproxMaxLen == 0 {
		c.Stream.ApproxMaxLen = 1000000
	}
	if c.Stream.BlockMS == 0 {
		c.Stream.BlockMS = 100
	}
	if c.Stream.ClaimMinIdleMS == 0 {
		c.Stream.ClaimMinIdleMS = 60000
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 4
	}
	if c.Workers.BatchSize == 0 {
		c.Workers.BatchSize = 1000
	}
	if c.Workers.MaxBatchSize == 0 {
		c.Workers.MaxBatchSize = 10000
	}
	if c.Workers.MaxWaitTimeMS == 0 {
		c.Workers.MaxWaitTimeMS = 1000
	}
	if c.Workers.PollIntervalMS == 0 {
		c.Workers.PollIntervalMS = 50
	}
	if c.Workers.RetryQueueLimit == 0 {
		c.Workers.RetryQueueLimit = 100
	}
	if c.Workers.ClaimIntervalMS == 0 {
		c.Workers.ClaimIntervalMS = 30000
	}
	if c.Workers.RetryIntervalMS == 0 {
		c.Workers.RetryIntervalMS = 1000
	}
	if c.Workers.FlushGraceMS == 0 {
		c.Workers.FlushGraceMS = 10000
	}
	if c.Workers.SinkTimeoutMS == 0 {
		c.Workers.SinkTimeoutMS = 10000
	}
	if c.Workers.HealthIntervalMS == 0 {
		c.Workers.HealthIntervalMS = 10000
	}
	if c.Retry.Strategy == "" {
		c.Retry.Strategy = "memory"
	}
	if c.Retry.Key == "" {
		c.Retry.Key = c.Stream.Key + ":retry"
	}
	if c.Retry.BaseDelayMS == 0 {
		c.Retry.BaseDelayMS = 1000
	}
	if c.Retry.MaxDelayMS == 0 {
		c.Retry.MaxDelayMS = 60000
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Sink.Type == "" {
		c.Sink.Type = "memory"
	}
	if c.Sink.ClickHouse.Database == "" {
		c.Sink.ClickHouse.Database = "logs"
	}
	if c.Sink.ClickHouse.Table == "" {
		c.Sink.ClickHouse.Table = "log_entries"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects combinations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Auth.Secret != "" && len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth.secret must be at least 32 characters")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Retry.Strategy {
	case "memory", "redis":
	default:
		return fmt.Errorf("retry.strategy must be memory or redis, got %q", c.Retry.Strategy)
	}
	switch c.Sink.Type {
	case "memory":
	case "clickhouse":
		if c.Sink.ClickHouse.URL == "" {
			return fmt.Errorf("sink.clickhouse.url is required for the clickhouse sink")
		}
	case "postgres":
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("sink.type must be memory, clickhouse or postgres, got %q", c.Sink.Type)
	}
	if c.Coalescer.Enabled && c.Coalescer.MaxBatchSize <= 0 {
		return fmt.Errorf("coalescer.max_batch_size must be positive while enabled")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.BatchSize > c.Workers.MaxBatchSize {
		return fmt.Errorf("workers.batch_size %d exceeds workers.max_batch_size %d",
			c.Workers.BatchSize, c.Workers.MaxBatchSize)
	}
	return nil
}

// applyEnvOverrides checks for environment variables with the LOGPIPE_ prefix.
// Only secrets and deployment-site settings are overridable; tuning stays in
// the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOGPIPE_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("LOGPIPE_REDIS_ADDR"); v != "" {
		cfg.Stream.RedisAddr = v
	}
	if v := os.Getenv("LOGPIPE_REDIS_PASSWORD"); v != "" {
		cfg.Stream.RedisPassword = v
	}
	if v := os.Getenv("LOGPIPE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.RedisDB = n
		}
	}
	if v := os.Getenv("LOGPIPE_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("LOGPIPE_CLICKHOUSE_URL"); v != "" {
		cfg.Sink.ClickHouse.URL = v
	}
	if v := os.Getenv("LOGPIPE_CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Sink.ClickHouse.Password = v
	}
	if v := os.Getenv("LOGPIPE_POSTGRES_DSN"); v != "" {
		cfg.Sink.Postgres.DSN = v
	}
	if v := os.Getenv("LOGPIPE_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
}

func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s *ServerConfig) EnqueueTimeout() time.Duration {
	return time.Duration(s.EnqueueTimeoutMS) * time.Millisecond
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (a *AuthConfig) TokenExpiry() time.Duration {
	return time.Duration(a.TokenExpiryHours) * time.Hour
}

func (c *CoalescerConfig) MaxWaitTime() time.Duration {
	return time.Duration(c.MaxWaitTimeMS) * time.Millisecond
}

func (s *StreamConfig) Block() time.Duration {
	return time.Duration(s.BlockMS) * time.Millisecond
}

func (s *StreamConfig) ClaimMinIdle() time.Duration {
	return time.Duration(s.ClaimMinIdleMS) * time.Millisecond
}

func (r *RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

func (r *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}
