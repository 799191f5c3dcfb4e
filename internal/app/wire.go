package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	s3blob "github.com/composefi/composer/internal/blob/s3"
	"github.com/composefi/composer/internal/cache/local"
	"github.com/composefi/composer/internal/cache/redis"
	"github.com/composefi/composer/internal/config"
	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/events"
	"github.com/composefi/composer/internal/fees"
	"github.com/composefi/composer/internal/keeper"
	"github.com/composefi/composer/internal/ledger"
	"github.com/composefi/composer/internal/notify"
	"github.com/composefi/composer/internal/platform/ammpool"
	"github.com/composefi/composer/internal/platform/bank"
	"github.com/composefi/composer/internal/platform/perpex"
	"github.com/composefi/composer/internal/router"
	"github.com/composefi/composer/internal/store/memory"
	"github.com/composefi/composer/internal/store/postgres"
	"github.com/composefi/composer/internal/venue"
	"github.com/composefi/composer/internal/venue/amm"
	"github.com/composefi/composer/internal/venue/perp"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Bank     *bank.Bank
	Pool     *ammpool.Pool
	Exchange *perpex.Exchange
	Feed     *perpex.StaticFeed

	Ledger   *ledger.Ledger
	Fees     *fees.Calculator
	Router   *router.Router
	Adapters map[domain.ManagerTag]venue.Adapter

	Bus      *events.Bus
	Keeper   *keeper.Service
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Simulated venues ---
	b := bank.New()
	deps.Bank = b

	spotPrice, err := parseWei(cfg.Venues.Amm.InitialSpotPrice)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: amm initial_spot_price: %w", err)
	}
	deps.Pool = ammpool.New(
		b,
		common.HexToAddress("0x00000000000000000000000000000000000000af"),
		common.HexToAddress(cfg.Venues.Amm.Token0),
		common.HexToAddress(cfg.Venues.Amm.Token1),
		cfg.Venues.Amm.FeeTierPpm,
		decimal.NewFromBigInt(spotPrice, -18),
	)

	feed := perpex.NewStaticFeed()
	for token, price := range cfg.Venues.Perp.IndexPrices {
		p, err := parseWei(price)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: index price for %s: %w", token, err)
		}
		feed.SetPrice(common.HexToAddress(token), p)
	}
	deps.Feed = feed

	minExecFee, err := parseWei(cfg.Venues.Perp.MinExecutionFeeWei)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: perp min_execution_fee_wei: %w", err)
	}
	deps.Exchange = perpex.New(b, common.HexToAddress(cfg.Venues.Perp.Vault), feed, minExecFee)

	// --- Venue adapters ---
	deps.Adapters = map[domain.ManagerTag]venue.Adapter{
		domain.ManagerAMM:  amm.NewAdapter(deps.Pool),
		domain.ManagerPerp: perp.NewAdapter(deps.Exchange),
	}

	// --- Ledger store ---
	var store domain.LedgerStore
	switch cfg.Ledger.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		store = postgres.NewLedgerStore(pgClient.Pool())
	default:
		store = memory.NewLedgerStore()
	}
	deps.Ledger = ledger.New(store, logger)

	// --- Lock manager ---
	var locks domain.LockManager
	switch cfg.Lock.Backend {
	case "redis":
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		locks = redis.NewLockManager(redisClient)
	default:
		locks = local.NewLockManager()
	}

	// --- Fee calculator ---
	ammFee, err := parseWei(cfg.Fees.AmmKeeperFeeWei)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: amm_keeper_fee_wei: %w", err)
	}
	perpFee, err := parseWei(cfg.Fees.PerpKeeperFeeWei)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: perp_keeper_fee_wei: %w", err)
	}
	deps.Fees = fees.NewCalculator(map[domain.ManagerTag]*big.Int{
		domain.ManagerAMM:  ammFee,
		domain.ManagerPerp: perpFee,
	}, deps.Adapters)

	// --- Router ---
	deps.Router = router.New(deps.Ledger, deps.Fees, deps.Adapters, locks, logger)

	// --- Archiver ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Router.SetArchiver(s3blob.NewPositionArchiver(s3blob.NewWriter(s3Client), cfg.Archive.Prefix))
	}

	// --- Events, notifications, keeper ---
	deps.Bus = events.NewBus()
	closers = append(closers, deps.Bus.Close)

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, logger)

	if cfg.Keeper.Enabled {
		deps.Keeper = keeper.NewService(deps.Exchange, deps.Bus, deps.Notifier, logger, keeper.Config{
			Interval:       cfg.Keeper.Interval.Duration,
			MaxPerBatch:    cfg.Keeper.MaxPerBatch,
			RewardReceiver: common.HexToAddress(cfg.Keeper.RewardReceiver),
		})
	}

	return deps, cleanup, nil
}

// parseWei decodes a base-10 unsigned integer amount.
func parseWei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
