package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "hybrid" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }},
		{"unknown ledger backend", func(c *Config) { c.Ledger.Backend = "sqlite" }},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "zookeeper" }},
		{"zero lock ttl", func(c *Config) { c.Lock.TTL = duration{} }},
		{"non-numeric fee", func(c *Config) { c.Fees.PerpKeeperFeeWei = "0.5" }},
		{"empty fee", func(c *Config) { c.Fees.AmmKeeperFeeWei = "" }},
		{"negative fee", func(c *Config) { c.Fees.PerpKeeperFeeWei = "-1" }},
		{"fee tier out of range", func(c *Config) { c.Venues.Amm.FeeTierPpm = 1_000_000 }},
		{"bad server port", func(c *Config) { c.Server.Port = 0 }},
		{"keeper batch too small", func(c *Config) { c.Keeper.MaxPerBatch = 0 }},
		{"redis without addr", func(c *Config) {
			c.Lock.Backend = "redis"
			c.Redis.Addr = ""
		}},
		{"postgres without database", func(c *Config) {
			c.Ledger.Backend = "postgres"
			c.Postgres.Database = ""
		}},
		{"archive without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Bucket = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := Defaults()
	cfg.Keeper.Enabled = false
	cfg.Keeper.MaxPerBatch = 0
	cfg.Server.Enabled = false
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestPostgresDSNShortCircuitsHostChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.Backend = "postgres"
	cfg.Postgres.DSN = "postgres://user:pass@db:5432/composer"
	cfg.Postgres.Host = ""
	cfg.Postgres.Database = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
mode = "keeper"
log_level = "debug"

[lock]
backend = "local"
ttl = "45s"

[keeper]
interval = "3s"
max_per_batch = 25

[fees]
perp_keeper_fee_wei = "42"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Lock.TTL.Duration)
	assert.Equal(t, 3*time.Second, cfg.Keeper.Interval.Duration)
	assert.Equal(t, 25, cfg.Keeper.MaxPerBatch)
	assert.Equal(t, "42", cfg.Fees.PerpKeeperFeeWei)

	// Untouched sections keep their defaults.
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("COMPOSER_MODE", "server")
	t.Setenv("COMPOSER_LOCK_BACKEND", "redis")
	t.Setenv("COMPOSER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("COMPOSER_LOCK_TTL", "90s")
	t.Setenv("COMPOSER_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Lock.TTL.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
