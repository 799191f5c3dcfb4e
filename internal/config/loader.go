package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COMPOSER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COMPOSER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger / Postgres ──
	setStr(&cfg.Ledger.Backend, "COMPOSER_LEDGER_BACKEND")
	setStr(&cfg.Postgres.DSN, "COMPOSER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COMPOSER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COMPOSER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COMPOSER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COMPOSER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COMPOSER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COMPOSER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COMPOSER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COMPOSER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COMPOSER_POSTGRES_RUN_MIGRATIONS")

	// ── Lock / Redis ──
	setStr(&cfg.Lock.Backend, "COMPOSER_LOCK_BACKEND")
	setDuration(&cfg.Lock.TTL, "COMPOSER_LOCK_TTL")
	setStr(&cfg.Redis.Addr, "COMPOSER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COMPOSER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COMPOSER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COMPOSER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COMPOSER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COMPOSER_REDIS_TLS_ENABLED")

	// ── Fees ──
	setStr(&cfg.Fees.AmmKeeperFeeWei, "COMPOSER_FEES_AMM_KEEPER_FEE_WEI")
	setStr(&cfg.Fees.PerpKeeperFeeWei, "COMPOSER_FEES_PERP_KEEPER_FEE_WEI")

	// ── Venues ──
	setStr(&cfg.Venues.Amm.Token0, "COMPOSER_VENUES_AMM_TOKEN0")
	setStr(&cfg.Venues.Amm.Token1, "COMPOSER_VENUES_AMM_TOKEN1")
	setStr(&cfg.Venues.Amm.InitialSpotPrice, "COMPOSER_VENUES_AMM_INITIAL_SPOT_PRICE")
	setStr(&cfg.Venues.Perp.Vault, "COMPOSER_VENUES_PERP_VAULT")
	setStr(&cfg.Venues.Perp.MinExecutionFeeWei, "COMPOSER_VENUES_PERP_MIN_EXECUTION_FEE_WEI")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "COMPOSER_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "COMPOSER_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.MaxPerBatch, "COMPOSER_KEEPER_MAX_PER_BATCH")
	setStr(&cfg.Keeper.RewardReceiver, "COMPOSER_KEEPER_REWARD_RECEIVER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COMPOSER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COMPOSER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COMPOSER_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COMPOSER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COMPOSER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COMPOSER_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "COMPOSER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "COMPOSER_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "COMPOSER_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "COMPOSER_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "COMPOSER_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "COMPOSER_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "COMPOSER_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "COMPOSER_ARCHIVE_FORCE_PATH_STYLE")
	setStr(&cfg.Archive.Prefix, "COMPOSER_ARCHIVE_PREFIX")

	// ── Top-level ──
	setStr(&cfg.Mode, "COMPOSER_MODE")
	setStr(&cfg.LogLevel, "COMPOSER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
