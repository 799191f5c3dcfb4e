// Package config defines the top-level configuration for the composer engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COMPOSER_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Lock     LockConfig     `toml:"lock"`
	Redis    RedisConfig    `toml:"redis"`
	Fees     FeesConfig     `toml:"fees"`
	Venues   VenuesConfig   `toml:"venues"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig selects the ledger store backend.
type LedgerConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// LockConfig selects the position lock backend.
type LockConfig struct {
	// Backend is "local" or "redis".
	Backend string   `toml:"backend"`
	TTL     duration `toml:"ttl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// FeesConfig holds the fixed keeper fee per product, in wei as decimal
// strings. The venue execution fee component is quoted live, not configured.
type FeesConfig struct {
	AmmKeeperFeeWei  string `toml:"amm_keeper_fee_wei"`
	PerpKeeperFeeWei string `toml:"perp_keeper_fee_wei"`
}

// VenuesConfig holds parameters for the simulated venues.
type VenuesConfig struct {
	Amm  AmmVenueConfig  `toml:"amm"`
	Perp PerpVenueConfig `toml:"perp"`
}

// AmmVenueConfig parameterizes the simulated range pool.
type AmmVenueConfig struct {
	Token0 string `toml:"token0"`
	Token1 string `toml:"token1"`
	// FeeTierPpm is the pool fee tier in parts per million (3000 = 0.3%).
	FeeTierPpm uint32 `toml:"fee_tier_ppm"`
	// InitialSpotPrice is token1 per token0, scaled 1e18, decimal string.
	InitialSpotPrice string `toml:"initial_spot_price"`
}

// PerpVenueConfig parameterizes the simulated perpetual exchange.
type PerpVenueConfig struct {
	Vault string `toml:"vault"`
	// MinExecutionFeeWei is the venue-reported per-execution fee.
	MinExecutionFeeWei string `toml:"min_execution_fee_wei"`
	// IndexPrices seeds the static oracle: token address -> price string.
	IndexPrices map[string]string `toml:"index_prices"`
}

// KeeperConfig tunes the settlement keeper loop.
type KeeperConfig struct {
	Enabled        bool     `toml:"enabled"`
	Interval       duration `toml:"interval"`
	MaxPerBatch    int      `toml:"max_per_batch"`
	RewardReceiver string   `toml:"reward_receiver"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
}

// ArchiveConfig holds closed-position archiving parameters.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "10s", "5m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "composer",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Lock: LockConfig{
			Backend: "local",
			TTL:     duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Fees: FeesConfig{
			AmmKeeperFeeWei:  "0",
			PerpKeeperFeeWei: "100000000000000", // 0.0001 native
		},
		Venues: VenuesConfig{
			Amm: AmmVenueConfig{
				Token0:           "0x0000000000000000000000000000000000000001",
				Token1:           "0x0000000000000000000000000000000000000002",
				FeeTierPpm:       3000,
				InitialSpotPrice: "1000000000000000000",
			},
			Perp: PerpVenueConfig{
				Vault:              "0x00000000000000000000000000000000000000fe",
				MinExecutionFeeWei: "100000000000000",
				IndexPrices:        map[string]string{},
			},
		},
		Keeper: KeeperConfig{
			Enabled:     true,
			Interval:    duration{10 * time.Second},
			MaxPerBatch: 10,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "composer-archive",
			UseSSL:         false,
			ForcePathStyle: true,
			Prefix:         "positions",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, postgres)", c.Ledger.Backend))
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock: unknown backend %q (valid: local, redis)", c.Lock.Backend))
	}
	if c.Lock.TTL.Duration <= 0 {
		errs = append(errs, "lock: ttl must be positive")
	}

	if !validWei(c.Fees.AmmKeeperFeeWei) {
		errs = append(errs, fmt.Sprintf("fees: amm_keeper_fee_wei %q is not a decimal wei amount", c.Fees.AmmKeeperFeeWei))
	}
	if !validWei(c.Fees.PerpKeeperFeeWei) {
		errs = append(errs, fmt.Sprintf("fees: perp_keeper_fee_wei %q is not a decimal wei amount", c.Fees.PerpKeeperFeeWei))
	}
	if !validWei(c.Venues.Perp.MinExecutionFeeWei) {
		errs = append(errs, fmt.Sprintf("venues.perp: min_execution_fee_wei %q is not a decimal wei amount", c.Venues.Perp.MinExecutionFeeWei))
	}
	if !validWei(c.Venues.Amm.InitialSpotPrice) {
		errs = append(errs, fmt.Sprintf("venues.amm: initial_spot_price %q is not a decimal amount", c.Venues.Amm.InitialSpotPrice))
	}
	if c.Venues.Amm.FeeTierPpm == 0 || c.Venues.Amm.FeeTierPpm >= 1_000_000 {
		errs = append(errs, fmt.Sprintf("venues.amm: fee_tier_ppm must be 1..999999, got %d", c.Venues.Amm.FeeTierPpm))
	}

	if c.Keeper.Enabled {
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be positive")
		}
		if c.Keeper.MaxPerBatch < 1 {
			errs = append(errs, "keeper: max_per_batch must be >= 1")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive: endpoint must not be empty")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validWei reports whether s is a non-empty base-10 unsigned integer.
func validWei(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
