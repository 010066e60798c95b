package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Directory DirectoryConfig `yaml:"directory"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StoreConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db"`
	OpTimeout time.Duration `yaml:"op_timeout"`

	// Optimistic-transaction retry budget. Every WATCH/MULTI sequence is
	// retried up to TxAttempts times before surfacing a conflict.
	TxAttempts int           `yaml:"tx_attempts"`
	TxBackoff  time.Duration `yaml:"tx_backoff"`
}

type DirectoryConfig struct {
	Path string `yaml:"path"`
}

type WorkerConfig struct {
	Orgs                 []int64 `yaml:"orgs"`
	PollIntervalSec      int     `yaml:"poll_interval_sec"`
	ReconcileIntervalSec int     `yaml:"reconcile_interval_sec"`
	MetricsAddr          string  `yaml:"metrics_addr"`
	LockPath             string  `yaml:"lock_path"`
	SocketPath           string  `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads and normalizes a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills in defaults for fields the config file left unset.
func (c *Config) Normalize() {
	if c.Store.Addr == "" {
		c.Store.Addr = "localhost:6379"
	}
	if c.Store.OpTimeout <= 0 {
		c.Store.OpTimeout = 5 * time.Second
	}
	if c.Store.TxAttempts <= 0 {
		c.Store.TxAttempts = 8
	}
	if c.Store.TxBackoff <= 0 {
		c.Store.TxBackoff = 10 * time.Millisecond
	}
	if c.Worker.PollIntervalSec <= 0 {
		c.Worker.PollIntervalSec = 5
	}
	if c.Worker.ReconcileIntervalSec <= 0 {
		c.Worker.ReconcileIntervalSec = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
