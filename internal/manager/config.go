package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quay-dev/dockhand/internal/readiness"
	"github.com/quay-dev/dockhand/internal/status"
)

// Config is the harness configuration.
type Config struct {
	Tool struct {
		Bin  string `yaml:"bin"`
		Home string `yaml:"home"`
	} `yaml:"tool"`
	Ports     readiness.Ports `yaml:"ports"`
	Readiness struct {
		MaxAttempts int    `yaml:"max_attempts"`
		Interval    string `yaml:"interval"`
	} `yaml:"readiness"`
	Services struct {
		Clustered bool         `yaml:"clustered"`
		Units     status.Table `yaml:"units"`
	} `yaml:"services"`
	SSH struct {
		User       string `yaml:"user"`
		Port       int    `yaml:"port"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	StorePath string `yaml:"store_path"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// Budget resolves the configured retry budget, falling back to the default
// 600 attempts at 100ms.
func (c Config) Budget() readiness.Budget {
	budget := readiness.DefaultBudget
	if c.Readiness.MaxAttempts > 0 {
		budget.MaxAttempts = c.Readiness.MaxAttempts
	}
	if c.Readiness.Interval != "" {
		if d, err := time.ParseDuration(c.Readiness.Interval); err == nil && d > 0 {
			budget.Interval = d
		}
	}
	return budget
}

// UnitTable resolves the effective service table for status reports.
func (c Config) UnitTable() status.Table {
	units := c.Services.Units
	if len(units) == 0 {
		units = status.DefaultUnits
	}
	return status.NewTable(units, c.Services.Clustered)
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/dockhand/config.yaml or
// ~/.config/dockhand/config.yaml and falls back to defaults when neither
// exists. Ports default per subsystem.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	cfg.Ports = readiness.DefaultPorts
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "dockhand", "config.yaml")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Ports.Broker == 0 {
		cfg.Ports.Broker = readiness.DefaultPorts.Broker
	}
	if cfg.Ports.API == 0 {
		cfg.Ports.API = readiness.DefaultPorts.API
	}
	if cfg.Ports.LogSink == 0 {
		cfg.Ports.LogSink = readiness.DefaultPorts.LogSink
	}
	if cfg.Ports.Datastore == 0 {
		cfg.Ports.Datastore = readiness.DefaultPorts.Datastore
	}
	return cfg, nil
}
