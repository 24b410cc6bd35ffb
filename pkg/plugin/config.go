package plugin

import (
	"errors"
	"fmt"
	"os"
	"maps"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes which plugins to load and the capability policy
// applied to them. It is embedded as the `plugins` section of the main
// configuration file and can also be read standalone.
type ManagerConfig struct {
	PluginDir string                  `yaml:"plugin_dir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// LoadManagerConfig reads a standalone YAML file. A relative plugin_dir is
// resolved against the file's directory.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	if cfg.PluginDir != "" && !filepath.IsAbs(cfg.PluginDir) {
		cfg.PluginDir = filepath.Join(filepath.Dir(path), cfg.PluginDir)
	}
	return cfg, nil
}

// EnabledIDs returns the ids of enabled plugins in sorted order.
func (c ManagerConfig) EnabledIDs() []string {
	ids := make([]string, 0, len(c.Plugins))
	for _, id := range slices.Sorted(maps.Keys(c.Plugins)) {
		if c.Plugins[id].Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate ensures enabled plugins have a path and every policy names known
// capabilities.
func (c ManagerConfig) Validate() error {
	if err := validatePolicy("defaults", c.Defaults); err != nil {
		return err
	}
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if plugin.Policy != nil {
			if err := validatePolicy(id, *plugin.Policy); err != nil {
				return err
			}
		}
		if plugin.Enabled && plugin.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
	}
	return nil
}

func validatePolicy(scope string, policy IsolationPolicy) error {
	for _, capability := range slices.Concat(policy.Allowed, policy.Denied) {
		if !capability.Known() {
			return fmt.Errorf("%s policy: unknown capability %q", scope, capability)
		}
	}
	return nil
}
