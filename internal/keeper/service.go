// Package keeper drives settlement of the perpetual venue's queued requests.
// It ticks on a fixed interval, drains both FIFO queues in bounded batches,
// and publishes one settlement event per execution.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/events"
	"github.com/composefi/composer/internal/platform/perpex"
	"github.com/ethereum/go-ethereum/common"
)

// BatchExecutor is the slice of the perpetual venue the keeper drives.
type BatchExecutor interface {
	ExecuteIncreasePositions(ctx context.Context, maxCount int, rewardReceiver common.Address) ([]perpex.ExecutionResult, error)
	ExecuteDecreasePositions(ctx context.Context, maxCount int, rewardReceiver common.Address) ([]perpex.ExecutionResult, error)
}

// Notifier receives alerts for rejected executions. Optional.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config tunes the keeper loop.
type Config struct {
	Interval       time.Duration
	MaxPerBatch    int
	RewardReceiver common.Address
}

// Service is the keeper loop.
type Service struct {
	executor BatchExecutor
	bus      *events.Bus
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

func NewService(executor BatchExecutor, bus *events.Bus, notifier Notifier, logger *slog.Logger, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxPerBatch <= 0 {
		cfg.MaxPerBatch = 10
	}
	return &Service{
		executor: executor,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "keeper")),
		cfg:      cfg,
	}
}

// Run ticks until ctx is canceled. Execution errors are logged and the loop
// keeps going; a dead keeper strands every pending request.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("max_per_batch", s.cfg.MaxPerBatch),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("keeper tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce drains one bounded batch from each queue, increases first.
func (s *Service) RunOnce(ctx context.Context) error {
	increases, err := s.executor.ExecuteIncreasePositions(ctx, s.cfg.MaxPerBatch, s.cfg.RewardReceiver)
	if err != nil {
		return fmt.Errorf("keeper: execute increases: %w", err)
	}
	s.report(ctx, increases)

	decreases, err := s.executor.ExecuteDecreasePositions(ctx, s.cfg.MaxPerBatch, s.cfg.RewardReceiver)
	if err != nil {
		return fmt.Errorf("keeper: execute decreases: %w", err)
	}
	s.report(ctx, decreases)
	return nil
}

func (s *Service) report(ctx context.Context, results []perpex.ExecutionResult) {
	now := time.Now().UTC()
	for _, res := range results {
		s.logger.Info("request executed",
			slog.Uint64("request_id", res.RequestID),
			slog.String("direction", res.Direction.String()),
			slog.String("venue_key", res.Key.Hex()),
			slog.Bool("success", res.Success),
		)
		state := domain.SettlementExecuted
		if !res.Success {
			state = domain.SettlementRefundable
		}
		if s.bus != nil {
			s.bus.Publish(events.Settlement{
				RequestID:  res.RequestID,
				VenueKey:   res.Key,
				Account:    res.Account,
				Direction:  res.Direction,
				State:      state,
				Success:    res.Success,
				ExecutedAt: now,
			})
		}
		if !res.Success {
			s.alert(ctx, res)
		}
	}
}

// alert flags a rejected execution. The venue keeps the collateral parked and
// never refunds, so the owner has to act; failures here must not be silent to
// operators even though they are silent on the wire.
func (s *Service) alert(ctx context.Context, res perpex.ExecutionResult) {
	if s.notifier == nil {
		return
	}
	var msg string
	if res.Direction == domain.DirectionIncrease {
		msg = fmt.Sprintf("increase request %d for %s rejected: collateral parked at venue, position not opened",
			res.RequestID, res.Account.Hex())
	} else {
		msg = fmt.Sprintf("decrease request %d for %s rejected: position remains open",
			res.RequestID, res.Account.Hex())
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Error("notify failed", slog.String("error", err.Error()))
	}
}
