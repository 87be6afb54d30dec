// Package config parses the JSON job configuration for the adsync CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"adsync/internal/loader"
)

type Config struct {
	Job     string  `json:"job"`
	Storage Storage `json:"storage"`
	Loader  Loader  `json:"loader"`
	Metrics Metrics `json:"metrics"`
}

type Storage struct {
	// Backend kind: "postgres" | "mssql" | "sqlite" | "mysql"
	Kind  string `json:"kind"`
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

type Loader struct {
	// BulkThreshold is the batch size at which loading switches from the
	// direct parameterized path to staged bulk copy. 0 means the default.
	BulkThreshold int `json:"bulk_threshold"`
}

type Metrics struct {
	// Enabled turns on Datadog submission. Off by default: load jobs must
	// run without an intake endpoint configured.
	Enabled bool `json:"enabled"`

	JobName string `json:"job_name"`

	// Tags in "k:v,k:v" form.
	Tags string `json:"tags"`

	FlushEverySeconds int `json:"flush_every_seconds"`
}

// Load reads and validates a config file, applying defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config read: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config validate %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Job == "" {
		c.Job = "adsync"
	}
	if c.Storage.Table == "" {
		c.Storage.Table = "ad_facts"
	}
	if c.Loader.BulkThreshold <= 0 {
		c.Loader.BulkThreshold = loader.DefaultBulkThreshold
	}
	if c.Metrics.FlushEverySeconds <= 0 {
		c.Metrics.FlushEverySeconds = 60
	}
	if c.Metrics.JobName == "" {
		c.Metrics.JobName = c.Job
	}
}

func (c *Config) validate() error {
	switch c.Storage.Kind {
	case "postgres", "mssql", "sqlite", "mysql":
	case "":
		return fmt.Errorf("storage.kind is required")
	default:
		return fmt.Errorf("unknown storage.kind %q", c.Storage.Kind)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	return nil
}
