// Package config loads JSON configuration merged from defaults, a global
// file, and a project-local file, in increasing precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from the given paths. Missing files
// are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	return cfg, nil
}

// LoadDefault loads configuration from the conventional locations: the XDG
// config directory globally and .agentdeck/config.json in the working
// directory.
func LoadDefault() (*Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "agentdeck", "config.json")
	projectPath := filepath.Join(".agentdeck", "config.json")
	return Load(globalPath, projectPath)
}

// mergeConfigFile overlays one file onto the base config. Only fields the
// file actually sets override; zero values leave the base alone.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	overlayString(&base.Server.Listen, loaded.Server.Listen)
	overlayString(&base.Database.Path, loaded.Database.Path)
	overlayInt(&base.Scheduler.PollIntervalSeconds, loaded.Scheduler.PollIntervalSeconds)
	overlayString(&base.Scheduler.BundledScriptsDir, loaded.Scheduler.BundledScriptsDir)
	overlayInt(&base.Limits.MessageLimit, loaded.Limits.MessageLimit)
	overlayInt(&base.Limits.TokenLimit, loaded.Limits.TokenLimit)
	overlayString(&base.Limits.StatsCachePath, loaded.Limits.StatsCachePath)
	overlayString(&base.Runner.Binary, loaded.Runner.Binary)
	overlayInt(&base.Runner.PromptTimeoutSeconds, loaded.Runner.PromptTimeoutSeconds)
	return nil
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overlayInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
