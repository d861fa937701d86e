package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8765",
		},
		Database: DatabaseConfig{
			Path: filepath.Join(xdg.DataHome, "agentdeck", "agentdeck.db"),
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 5,
		},
		Limits: LimitsConfig{
			MessageLimit:   10000,
			TokenLimit:     2000000,
			StatsCachePath: defaultStatsCachePath(),
		},
		Runner: RunnerConfig{
			Binary:               "claude",
			PromptTimeoutSeconds: 300,
		},
	}
}

// defaultStatsCachePath points at the usage snapshot the agent CLI maintains.
func defaultStatsCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "stats-cache.json")
}
