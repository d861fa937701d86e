package config

// ServerConfig controls the HTTP/websocket listener.
type ServerConfig struct {
	Listen string `json:"listen,omitempty"` // host:port
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `json:"path,omitempty"`
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty"` // scheduled-mode cadence
	BundledScriptsDir   string `json:"bundled_scripts_dir,omitempty"`  // dispatch.sh fallback location
}

// LimitsConfig configures the usage monitor.
type LimitsConfig struct {
	MessageLimit   int    `json:"message_limit,omitempty"`
	TokenLimit     int    `json:"token_limit,omitempty"`
	StatsCachePath string `json:"stats_cache_path,omitempty"`
}

// RunnerConfig controls interactive agent subprocesses.
type RunnerConfig struct {
	Binary               string `json:"binary,omitempty"`
	PromptTimeoutSeconds int    `json:"prompt_timeout_seconds,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Limits    LimitsConfig    `json:"limits"`
	Runner    RunnerConfig    `json:"runner"`
}
