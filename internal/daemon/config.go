package daemon

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level daemon configuration, loaded from a TOML file
// and layered over DefaultConfig. Each subsystem gets its own nested
// struct so a deployment can override just the pieces it cares about.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Serve     ServeConfig     `toml:"serve"`
	Reward    RewardConfig    `toml:"reward"`
	Replay    ReplayConfig    `toml:"replay"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

// StorageConfig configures the system-of-record database.
type StorageConfig struct {
	Path    string `toml:"path"`
	MaxSize string `toml:"max_size"` // human-readable, e.g. "10GB"; 0/"" means unbounded
}

// SchedulerConfig configures the guardrail/decision job loop.
type SchedulerConfig struct {
	Tick              string `toml:"tick"`               // e.g. "10s"
	GuardrailInterval string `toml:"guardrail_interval"` // e.g. "1m"
	DecisionInterval  string `toml:"decision_interval"`  // e.g. "15m"
}

// ServeConfig configures the online serve pipeline's latency budget.
type ServeConfig struct {
	PolicyTimeout   string `toml:"policy_timeout"`
	EndToEndTimeout string `toml:"end_to_end_timeout"`
}

// RewardConfig configures the attribution sweep.
type RewardConfig struct {
	SweepInterval string `toml:"sweep_interval"`
	SweepLimit    int    `toml:"sweep_limit"`
}

// ReplayConfig configures offline replay defaults for the CLI tools.
type ReplayConfig struct {
	MinWindow string  `toml:"min_window"`
	ClipPMin  float64 `toml:"clip_p_min"`
	Seed      int64   `toml:"seed"`
}

// DefaultConfig returns the documented defaults for a single-node
// deployment: loopback API, local SQLite file, a 10s scheduler tick with
// a 1m guardrail cadence and 15m decision cadence, a 30s reward sweep,
// and a 14-day minimum replay window.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			Path:    "banditd.db",
			MaxSize: "10GB",
		},
		Scheduler: SchedulerConfig{
			Tick:              "10s",
			GuardrailInterval: "1m",
			DecisionInterval:  "15m",
		},
		Serve: ServeConfig{
			PolicyTimeout:   "50ms",
			EndToEndTimeout: "120ms",
		},
		Reward: RewardConfig{
			SweepInterval: "30s",
			SweepLimit:    500,
		},
		Replay: ReplayConfig{
			MinWindow: "336h", // 14 days
			ClipPMin:  0.01,
			Seed:      1,
		},
	}
}

// LoadConfig reads a TOML file at path and merges it over DefaultConfig.
// A missing or empty path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: load config %s: %w", path, err)
	}
	return cfg, nil
}

// parseStorageSize parses a human-readable size string like "50GB" or
// "100MB" into a byte count. An empty string falls back to 10GB.
func parseStorageSize(s string) uint64 {
	if s == "" {
		return 10 * 1024 * 1024 * 1024
	}
	s = strings.TrimSpace(strings.ToUpper(s))
	units := []struct {
		suffix string
		factor uint64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numeric := strings.TrimSuffix(s, u.suffix)
			n, err := strconv.ParseFloat(numeric, 64)
			if err != nil {
				return 10 * 1024 * 1024 * 1024
			}
			return uint64(n * float64(u.factor))
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 10 * 1024 * 1024 * 1024
	}
	return n
}

// duration parses a config duration field, falling back to def on an
// empty or malformed value.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
