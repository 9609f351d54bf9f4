package provisioner

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const resourcesArchive = "manager-resources.tar.gz"

// Mount maps a host directory into the instance.
type Mount struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
}

// ToolConfig is the external tool's own config.yaml, kept under the tool
// home. The harness augments it per test suite and restores it afterwards.
type ToolConfig struct {
	DockerHost string  `yaml:"docker_host"`
	SSHKeyPath string  `yaml:"ssh_key_path"`
	Workdir    string  `yaml:"workdir"`
	Expose     []int   `yaml:"expose"`
	Resources  []Mount `yaml:"resources"`
}

func (c ToolConfig) clone() ToolConfig {
	out := c
	out.Expose = append([]int(nil), c.Expose...)
	out.Resources = append([]Mount(nil), c.Resources...)
	return out
}

// DefaultHome resolves the tool home: $MANCTL_HOME, or ~/.manctl when
// working outside a test suite.
func DefaultHome() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".manctl")
}

func configPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// LoadToolConfig reads the tool's config.yaml from the given home.
func LoadToolConfig(home string) (ToolConfig, error) {
	var cfg ToolConfig
	raw, err := os.ReadFile(configPath(home))
	if err != nil {
		return cfg, fmt.Errorf("provisioner: open tool config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("provisioner: parse tool config: %w", err)
	}
	return cfg, nil
}

// SaveToolConfig writes the tool's config.yaml under the given home.
func SaveToolConfig(home string, cfg ToolConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("provisioner: marshal tool config: %w", err)
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("provisioner: create tool home: %w", err)
	}
	if err := os.WriteFile(configPath(home), raw, 0644); err != nil {
		return fmt.Errorf("provisioner: write tool config: %w", err)
	}
	return nil
}

// Init builds a per-suite tool home from the user-level one at baseHome,
// adding extra exposed ports and mounted directories. A cached resources
// archive in the base workdir is symlinked rather than copied.
func Init(home, baseHome string, expose []int, resources []Mount) error {
	workDir := filepath.Join(home, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("provisioner: create work dir: %w", err)
	}
	cfg, err := LoadToolConfig(baseHome)
	if err != nil {
		return err
	}
	if cached := filepath.Join(cfg.Workdir, resourcesArchive); fileExists(cached) {
		if err := os.Symlink(cached, filepath.Join(workDir, resourcesArchive)); err != nil && !os.IsExist(err) {
			return fmt.Errorf("provisioner: link resources archive: %w", err)
		}
	}
	cfg.Expose = append(cfg.Expose, expose...)
	cfg.Resources = append(cfg.Resources, resources...)
	cfg.Workdir = workDir
	return SaveToolConfig(home, cfg)
}

// UpdateConfig applies mutate to the tool config and returns a restore func
// that puts the previous config back. Callers defer the restore around a
// scoped change, mirroring how suites temporarily expose extra ports.
func (c *CLI) UpdateConfig(mutate func(*ToolConfig)) (func() error, error) {
	cfg, err := LoadToolConfig(c.Home)
	if err != nil {
		return nil, err
	}
	previous := cfg.clone()
	mutate(&cfg)
	if err := SaveToolConfig(c.Home, cfg); err != nil {
		return nil, err
	}
	return func() error {
		return SaveToolConfig(c.Home, previous)
	}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
