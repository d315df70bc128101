package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model. It captures the store
// location, platform capacity ceilings, polling cadence, and observability
// settings.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Twitter TwitterConfig `yaml:"twitter"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type StorageConfig struct {
	// SQLite database path. If empty, read from env SOCIALFEED_DB.
	DBPath string `yaml:"dbPath"`
	// Poll interval for store live queries, in milliseconds.
	WatchIntervalMs int `yaml:"watchIntervalMs"`
}

type TwitterConfig struct {
	// Number of lists each bot account may own.
	MaxListsPerAccount int `yaml:"maxListsPerAccount"`
	// Max number of members per list.
	MaxMembersPerList int `yaml:"maxMembersPerList"`
	// Default tweet poll interval for a new list, in seconds.
	TweetPollIntervalSeconds int `yaml:"tweetPollIntervalSeconds"`
	// Pages fetched on the first poll of a list with no watermark.
	ColdStartPages int `yaml:"coldStartPages"`
	// Debounce window for batched username lookups, in seconds.
	UserLookupDebounceSeconds int `yaml:"userLookupDebounceSeconds"`
	// A member stuck pending longer than this is swept back to queued.
	StuckPendingHours int `yaml:"stuckPendingHours"`
	// Cadence of the stuck-pending sweep, in minutes.
	SweepIntervalMinutes int `yaml:"sweepIntervalMinutes"`
}

type MetricsConfig struct {
	// Listen address for /metrics and /health, e.g. ":9090". Empty disables.
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{DBPath: "./socialfeed.db", WatchIntervalMs: 500},
		Twitter: TwitterConfig{
			MaxListsPerAccount:        2,
			MaxMembersPerList:         200,
			TweetPollIntervalSeconds:  60,
			ColdStartPages:            1,
			UserLookupDebounceSeconds: 15,
			StuckPendingHours:         28,
			SweepIntervalMinutes:      60,
		},
		Metrics: MetricsConfig{Addr: ""},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = os.Getenv("SOCIALFEED_DB")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
}

func (c Config) WatchInterval() time.Duration {
	if c.Storage.WatchIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Storage.WatchIntervalMs) * time.Millisecond
}

func (c Config) TweetPollInterval() time.Duration {
	if c.Twitter.TweetPollIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Twitter.TweetPollIntervalSeconds) * time.Second
}

func (c Config) UserLookupDebounce() time.Duration {
	if c.Twitter.UserLookupDebounceSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Twitter.UserLookupDebounceSeconds) * time.Second
}

func (c Config) StuckPendingAfter() time.Duration {
	if c.Twitter.StuckPendingHours <= 0 {
		return 28 * time.Hour
	}
	return time.Duration(c.Twitter.StuckPendingHours) * time.Hour
}

func (c Config) SweepInterval() time.Duration {
	if c.Twitter.SweepIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Twitter.SweepIntervalMinutes) * time.Minute
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
