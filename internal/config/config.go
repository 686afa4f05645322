/*
Copyright 2025 Guided Traffic.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath mirrors the teacher's /etc/<service>/config.yaml
// convention.
const DefaultConfigPath = "/etc/replication-worker/config.yaml"

const (
	DefaultLockTTL        = 5 * time.Second
	DefaultLockWait       = 2 * time.Second
	DefaultIdempotencyTTL = 10 * time.Second
	DefaultConcurrency    = 4
)

// Config holds the replication worker's configuration.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Approval ApprovalConfig `yaml:"approval"`
	Worker   WorkerConfig   `yaml:"worker"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ApprovalConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

type WorkerConfig struct {
	LockTTL        time.Duration `yaml:"lockTTL"`
	LockWait       time.Duration `yaml:"lockWait"`
	IdempotencyTTL time.Duration `yaml:"idempotencyTTL"`
	Concurrency    int           `yaml:"concurrency"`
}

// NewDefaultConfig creates a Config with default values, mirroring the
// teacher's NewDefaultConfig.
func NewDefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			LockTTL:        DefaultLockTTL,
			LockWait:       DefaultLockWait,
			IdempotencyTTL: DefaultIdempotencyTTL,
			Concurrency:    DefaultConcurrency,
		},
	}
}

// LoadConfig loads configuration from a YAML file. If the file does not
// exist, it returns the default configuration, exactly like the
// teacher's pkg/config.LoadConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	cleanPath := filepath.Clean(path)
	if _, err := os.Stat(cleanPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Worker.LockTTL == 0 {
		cfg.Worker.LockTTL = DefaultLockTTL
	}
	if cfg.Worker.LockWait == 0 {
		cfg.Worker.LockWait = DefaultLockWait
	}
	if cfg.Worker.IdempotencyTTL == 0 {
		cfg.Worker.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = DefaultConcurrency
	}
}

// Validate validates the configuration, mirroring the teacher's
// pkg/config.Config.Validate.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.LockTTL <= 0 {
		return fmt.Errorf("worker.lockTTL must be positive, got %s", c.Worker.LockTTL)
	}
	return nil
}
