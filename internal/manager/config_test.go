package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quay-dev/dockhand/internal/readiness"
)

func TestBudgetDefaults(t *testing.T) {
	var cfg Config
	budget := cfg.Budget()
	if budget.MaxAttempts != 600 || budget.Interval != 100*time.Millisecond {
		t.Errorf("unexpected default budget: %+v", budget)
	}
}

func TestBudgetOverrides(t *testing.T) {
	var cfg Config
	cfg.Readiness.MaxAttempts = 10
	cfg.Readiness.Interval = "250ms"
	budget := cfg.Budget()
	if budget.MaxAttempts != 10 || budget.Interval != 250*time.Millisecond {
		t.Errorf("unexpected budget: %+v", budget)
	}
}

func TestBudgetIgnoresBadInterval(t *testing.T) {
	var cfg Config
	cfg.Readiness.Interval = "soon"
	if got := cfg.Budget().Interval; got != 100*time.Millisecond {
		t.Errorf("bad interval must fall back to default, got %v", got)
	}
}

func TestLoadConfigExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
tool:
  bin: /usr/local/bin/manctl
  home: /srv/manctl
ports:
  api: 8080
readiness:
  max_attempts: 50
  interval: 200ms
services:
  clustered: true
store_path: /var/lib/dockhand.db
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tool.Bin != "/usr/local/bin/manctl" || cfg.Tool.Home != "/srv/manctl" {
		t.Errorf("unexpected tool config: %+v", cfg.Tool)
	}
	if cfg.Ports.API != 8080 {
		t.Errorf("expected api port override, got %d", cfg.Ports.API)
	}
	// Unset ports keep their subsystem defaults.
	if cfg.Ports.Broker != readiness.DefaultPorts.Broker ||
		cfg.Ports.LogSink != readiness.DefaultPorts.LogSink ||
		cfg.Ports.Datastore != readiness.DefaultPorts.Datastore {
		t.Errorf("expected default ports backfilled, got %+v", cfg.Ports)
	}
	if cfg.Readiness.MaxAttempts != 50 {
		t.Errorf("unexpected readiness config: %+v", cfg.Readiness)
	}
	if !cfg.Services.Clustered {
		t.Errorf("expected clustered services")
	}
	if cfg.StorePath != "/var/lib/dockhand.db" {
		t.Errorf("unexpected store path: %s", cfg.StorePath)
	}
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoadConfigImplicitMissingDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Ports != readiness.DefaultPorts {
		t.Errorf("expected default ports, got %+v", cfg.Ports)
	}
}

func TestUnitTableClustered(t *testing.T) {
	var cfg Config
	cfg.Services.Clustered = true
	units := cfg.UnitTable()
	if _, ok := units["datastore.service"]; ok {
		t.Errorf("clustered table must not watch the host datastore unit")
	}
	if _, ok := units["consensus.service"]; !ok {
		t.Errorf("clustered table missing consensus unit")
	}
}
