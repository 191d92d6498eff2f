package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WDPV_DB_DSN", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/public/dumps/pageviews", cfg.Ingest.Dir)
	assert.Equal(t, 10, cfg.Ingest.MaxFiles)
	assert.Equal(t, 7, cfg.Ingest.MaxDays)
	assert.Equal(t, []string{"1d", "1w"}, cfg.Dump.Durations)
	assert.Equal(t, 24*time.Hour, cfg.Cache.ParseTTL())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database:
  driver: mysql
  dsn: "u:p@tcp(localhost:3306)/wdpv"
ingest:
  max_files: 3
cache:
  ttl: 90m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("WDPV_DUMP_DIR", "/tmp/pageviews")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Ingest.MaxFiles)
	assert.Equal(t, 7, cfg.Ingest.MaxDays, "unset keys keep defaults")
	assert.Equal(t, "/tmp/pageviews", cfg.Ingest.Dir)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 90*time.Minute, cfg.Cache.ParseTTL())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"bad source", func(c *Config) { c.Ingest.Source = "s3" }},
		{"feed without url", func(c *Config) { c.Ingest.Source = "feed" }},
		{"bad cache", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"zero max files", func(c *Config) { c.Ingest.MaxFiles = 0 }},
		{"negative max days", func(c *Config) { c.Ingest.MaxDays = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
