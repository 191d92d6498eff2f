package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Replica  ReplicaConfig  `yaml:"replica"`
	Cache    CacheConfig    `yaml:"cache"`
	Dump     DumpConfig     `yaml:"dump"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures the pageview store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	DSN      string `yaml:"dsn"`
	BulkLoad bool   `yaml:"bulk_load"` // mysql only: LOAD DATA LOCAL INFILE
}

// IngestConfig configures discovery and processing of hourly pageview files.
type IngestConfig struct {
	Source     string `yaml:"source"` // "dir", "http" or "feed"
	Dir        string `yaml:"dir"`
	MirrorURL  string `yaml:"mirror_url"`
	FeedURL    string `yaml:"feed_url"`
	MaxFiles   int    `yaml:"max_files"`
	MaxDays    int    `yaml:"max_days"`
	Workers    int    `yaml:"workers"`
	ChunkSize  int    `yaml:"chunk_size"`
	MaxBuckets int    `yaml:"max_buckets"`
}

// ReplicaConfig configures access to the wiki replica databases used for title lookups.
type ReplicaConfig struct {
	HostTemplate string `yaml:"host_template"` // "%s" is replaced by the wiki database name
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	CredsFile    string `yaml:"creds_file"` // replica.my.cnf
	SiteMatrix   string `yaml:"sitematrix_url"`
}

// CacheConfig configures the title lookup cache.
type CacheConfig struct {
	Backend   string `yaml:"backend"` // "memory", "redis" or "none"
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Password  string `yaml:"password"`
	TTL       string `yaml:"ttl"`
}

// ParseTTL returns the cache TTL as time.Duration.
func (c CacheConfig) ParseTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// DumpConfig configures the aggregated JSON output.
type DumpConfig struct {
	Output    string   `yaml:"output"`
	Durations []string `yaml:"durations"`
}

// ScheduleConfig configures the daemon.
type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // "json" or "console"
}

// Default returns a Config with the Toolforge defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./wdpv.db"},
		Ingest: IngestConfig{
			Source:     "dir",
			Dir:        "/public/dumps/pageviews",
			MirrorURL:  "https://dumps.wikimedia.org/other/pageviews",
			MaxFiles:   10,
			MaxDays:    7,
			Workers:    4,
			ChunkSize:  10000,
			MaxBuckets: 3,
		},
		Replica: ReplicaConfig{
			HostTemplate: "%s.analytics.db.svc.wikimedia.cloud",
			Port:         3306,
			CredsFile:    filepath.Join(home, "replica.my.cnf"),
			SiteMatrix:   "https://meta.wikimedia.org/w/api.php?action=sitematrix&format=json",
		},
		Cache: CacheConfig{Backend: "memory", TTL: "24h"},
		Dump: DumpConfig{
			Output:    filepath.Join(home, "www", "static", "latest.json"),
			Durations: []string{"1d", "1w"},
		},
		Schedule: ScheduleConfig{Cron: "0 15 * * * *"},
		Server:   ServerConfig{Port: 8080},
		Log:      LogConfig{Level: "info", Encoding: "console"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Ingest.Source {
	case "dir", "http", "feed":
	default:
		return fmt.Errorf("unknown ingest source %q", c.Ingest.Source)
	}
	if c.Ingest.Source == "feed" && c.Ingest.FeedURL == "" {
		return fmt.Errorf("ingest source feed requires feed_url")
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none", "":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Ingest.MaxFiles <= 0 {
		return fmt.Errorf("max_files must be positive, got %d", c.Ingest.MaxFiles)
	}
	if c.Ingest.MaxDays <= 0 {
		return fmt.Errorf("max_days must be positive, got %d", c.Ingest.MaxDays)
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WDPV_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("WDPV_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("WDPV_DUMP_DIR"); v != "" {
		cfg.Ingest.Dir = v
	}
	if v := os.Getenv("REPLICA_USER"); v != "" {
		cfg.Replica.User = v
	}
	if v := os.Getenv("REPLICA_PASSWORD"); v != "" {
		cfg.Replica.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
		cfg.Cache.Backend = "redis"
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_ENCODING"); v != "" {
		cfg.Log.Encoding = v
	}
}
