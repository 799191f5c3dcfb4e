// Package router is the single entry point for composite position operations.
// It enforces the attached-value fee rule, executes legs across venue adapters
// in submission order, and keeps the ledger consistent with venue state.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/fees"
	"github.com/composefi/composer/internal/ledger"
	"github.com/composefi/composer/internal/venue"
	"github.com/composefi/composer/internal/venue/perp"
	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultLockTTL   = 30 * time.Second
	queryConcurrency = 8
)

// Archiver receives fully-closed positions immediately before they are pruned
// from the ledger.
type Archiver interface {
	Archive(ctx context.Context, pos domain.CompositePosition) error
}

// OpenRequest opens a new composite position, or appends legs to an existing
// one when PositionKey is set.
type OpenRequest struct {
	Owner       common.Address
	PositionKey *common.Hash
	Legs        []domain.LegSpec

	// Value is the attached native currency. It must cover the summed keeper
	// and execution fees exactly; any excess must be forwardable to a
	// perpetual leg or the request is rejected.
	Value *big.Int
}

// OpenResponse reports the key of the opened (or extended) position and the
// settlement requests still pending keeper execution.
type OpenResponse struct {
	PositionKey common.Hash
	Pending     []domain.PendingSettlement
}

// CloseArgs selects legs of one position to close. Nil LegIndexes closes all.
type CloseArgs struct {
	PositionKey common.Hash
	LegIndexes  []int
	Args        domain.CloseLegArgs
}

// CloseRequest closes legs across one or more positions in a single call.
type CloseRequest struct {
	Owner     common.Address
	Positions []CloseArgs
	Value     *big.Int
}

// CloseOutcome reports one position's close results: amounts settled
// synchronously and decrease requests awaiting the keeper.
type CloseOutcome struct {
	PositionKey     common.Hash
	Settled         []domain.TokenAmount
	PendingRequests []uint64
	Pruned          bool
}

// Router orchestrates venue adapters, the fee calculator, and the ledger.
type Router struct {
	ledger   *ledger.Ledger
	fees     *fees.Calculator
	adapters map[domain.ManagerTag]venue.Adapter
	locks    domain.LockManager
	archiver Archiver
	logger   *slog.Logger
	lockTTL  time.Duration
}

func New(l *ledger.Ledger, calc *fees.Calculator, adapters map[domain.ManagerTag]venue.Adapter, locks domain.LockManager, logger *slog.Logger) *Router {
	return &Router{
		ledger:   l,
		fees:     calc,
		adapters: adapters,
		locks:    locks,
		logger:   logger.With(slog.String("component", "router")),
		lockTTL:  defaultLockTTL,
	}
}

// SetArchiver enables archiving of fully-closed positions before pruning.
func (r *Router) SetArchiver(a Archiver) { r.archiver = a }

// OpenComposite validates all legs, checks the attached value against the
// quoted fees, then executes legs in order and persists the result. If any
// leg fails mid-call, already-opened legs are compensated with best-effort
// closes and nothing is persisted.
func (r *Router) OpenComposite(ctx context.Context, req OpenRequest) (OpenResponse, error) {
	if len(req.Legs) == 0 {
		return OpenResponse{}, domain.ErrEmptyLegs
	}
	for i, spec := range req.Legs {
		if err := spec.Validate(); err != nil {
			return OpenResponse{}, fmt.Errorf("router: leg %d: %w", i, err)
		}
	}

	legValues, err := r.splitValue(ctx, req.Value, specTags(req.Legs))
	if err != nil {
		return OpenResponse{}, err
	}

	key, appending := common.Hash{}, req.PositionKey != nil
	if appending {
		key = *req.PositionKey
		if _, err := r.ledger.Get(ctx, req.Owner, key); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return OpenResponse{}, domain.ErrUnknownPositionKey
			}
			return OpenResponse{}, err
		}
	} else {
		key, err = r.ledger.DeriveKey(ctx, req.Owner)
		if err != nil {
			return OpenResponse{}, err
		}
	}

	unlock, err := r.locks.Acquire(ctx, positionLockKey(key), r.lockTTL)
	if err != nil {
		return OpenResponse{}, fmt.Errorf("router: open %s: %w", key.Hex(), err)
	}
	defer unlock()

	now := time.Now().UTC()
	var (
		legs    []domain.AggregateInfo
		pending []domain.PendingSettlement
	)
	for i, spec := range req.Legs {
		adapter, ok := r.adapters[spec.Manager]
		if !ok {
			r.compensate(ctx, legs)
			return OpenResponse{}, fmt.Errorf("router: leg %d: %w: %s", i, domain.ErrUnknownManagerTag, spec.Manager)
		}
		result, isPending, err := adapter.Open(ctx, spec, legValues[i])
		if err != nil {
			r.compensate(ctx, legs)
			return OpenResponse{}, fmt.Errorf("router: open leg %d (%s): %w", i, spec.Manager, err)
		}
		legs = append(legs, domain.AggregateInfo{
			Manager:    spec.Manager,
			Timestamp:  now,
			OpenResult: result,
		})
		if isPending {
			pending = append(pending, domain.PendingSettlement{
				Direction:   domain.DirectionIncrease,
				State:       domain.SettlementPending,
				SubmittedAt: now,
			})
		}
	}

	if appending {
		err = r.ledger.Append(ctx, req.Owner, key, legs)
	} else {
		err = r.ledger.Open(ctx, req.Owner, key, legs)
	}
	if err != nil {
		r.compensate(ctx, legs)
		return OpenResponse{}, err
	}

	r.logger.Info("composite opened",
		slog.String("owner", req.Owner.Hex()),
		slog.String("position_key", key.Hex()),
		slog.Int("legs", len(legs)),
		slog.Int("pending", len(pending)),
	)
	return OpenResponse{PositionKey: key, Pending: pending}, nil
}

// CloseComposite closes the selected legs of each listed position. Synchronous
// legs settle and leave the ledger immediately; asynchronous legs are marked
// close-pending and stay until a query observes their settled close. Positions
// whose last leg settles synchronously are pruned.
func (r *Router) CloseComposite(ctx context.Context, req CloseRequest) ([]CloseOutcome, error) {
	if len(req.Positions) == 0 {
		return nil, domain.ErrEmptyLegs
	}

	// Fee check needs the manager tag of every leg that will reach a venue,
	// so load first. Legs whose close is already queued are skipped by
	// closeOne and must not be billed again.
	type target struct {
		args     CloseArgs
		pos      domain.CompositePosition
		idxs     []int
		billable int
	}
	targets := make([]target, 0, len(req.Positions))
	var tags []domain.ManagerTag
	for _, ca := range req.Positions {
		pos, err := r.ledger.Get(ctx, req.Owner, ca.PositionKey)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("router: close %s: %w", ca.PositionKey.Hex(), domain.ErrUnknownPositionKey)
			}
			return nil, err
		}
		idxs, err := selectedLegs(pos, ca.LegIndexes)
		if err != nil {
			return nil, err
		}
		closing := make(map[int]bool, len(idxs))
		for _, i := range idxs {
			closing[i] = true
		}
		billable := 0
		for i, leg := range pos.Legs {
			if closing[i] && !leg.ClosePending {
				tags = append(tags, leg.Manager)
				billable++
			}
		}
		targets = append(targets, target{args: ca, pos: pos, idxs: idxs, billable: billable})
	}

	legValues, err := r.splitValue(ctx, req.Value, tags)
	if err != nil {
		return nil, err
	}

	var outcomes []CloseOutcome
	valueAt := 0
	for _, t := range targets {
		unlock, err := r.locks.Acquire(ctx, positionLockKey(t.args.PositionKey), r.lockTTL)
		if err != nil {
			return outcomes, fmt.Errorf("router: close %s: %w", t.args.PositionKey.Hex(), err)
		}

		outcome, err := r.closeOne(ctx, req.Owner, t.pos, t.idxs, t.args.Args, legValues[valueAt:valueAt+t.billable])
		unlock()
		if err != nil {
			return outcomes, err
		}
		valueAt += t.billable
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (r *Router) closeOne(ctx context.Context, owner common.Address, pos domain.CompositePosition, idxs []int, args domain.CloseLegArgs, values []*big.Int) (CloseOutcome, error) {
	outcome := CloseOutcome{PositionKey: pos.PositionKey}
	closing := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		closing[i] = true
	}

	var remaining []domain.AggregateInfo
	vi := 0
	for i, leg := range pos.Legs {
		if !closing[i] {
			remaining = append(remaining, leg)
			continue
		}
		if leg.ClosePending {
			// Decrease already queued; keep waiting for the keeper. No fee
			// was quoted for this leg, so no value slot is consumed.
			remaining = append(remaining, leg)
			continue
		}

		adapter, ok := r.adapters[leg.Manager]
		if !ok {
			return outcome, fmt.Errorf("router: leg %d: %w: %s", i, domain.ErrUnknownManagerTag, leg.Manager)
		}
		result, isPending, err := adapter.Close(ctx, leg.OpenResult.Key, args, values[vi])
		vi++
		if err != nil {
			return outcome, fmt.Errorf("router: close leg %d of %s: %w", i, pos.PositionKey.Hex(), err)
		}
		if isPending {
			leg.ClosePending = true
			remaining = append(remaining, leg)
			outcome.PendingRequests = append(outcome.PendingRequests, result.RequestID)
		} else {
			outcome.Settled = append(outcome.Settled, result.Amounts...)
		}
	}

	if len(remaining) == 0 {
		r.archive(ctx, pos)
		if err := r.ledger.Prune(ctx, owner, pos.PositionKey); err != nil {
			return outcome, err
		}
		outcome.Pruned = true
		return outcome, nil
	}
	if err := r.ledger.ReplaceLegs(ctx, owner, pos.PositionKey, remaining); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// QueryPositions lists the owner's positions with live venue state attached:
// accrued fees for AMM legs, current infos for perpetual legs. Legs whose
// queued close has since settled are reconciled out, and positions that end
// up empty are pruned.
func (r *Router) QueryPositions(ctx context.Context, owner common.Address) ([]domain.CompositePosition, error) {
	positions, err := r.ledger.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for i := range positions {
		g.Go(func() error {
			return r.refreshPosition(gctx, owner, &positions[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Drop positions reconciled away during refresh.
	out := positions[:0]
	for _, pos := range positions {
		if len(pos.Legs) > 0 {
			out = append(out, pos)
		}
	}
	return out, nil
}

// refreshPosition attaches live fields to each leg and reconciles settled
// closes. Ledger writes happen under the position lock; if another caller
// holds it, reconciliation is skipped and retried on the next query.
func (r *Router) refreshPosition(ctx context.Context, owner common.Address, pos *domain.CompositePosition) error {
	var kept []domain.AggregateInfo
	settledClose := false
	for _, leg := range pos.Legs {
		adapter := r.adapters[leg.Manager]
		if adapter == nil {
			return fmt.Errorf("router: refresh %s: %w: %d", pos.PositionKey.Hex(), domain.ErrUnknownManagerTag, leg.Manager)
		}

		current, err := adapter.CurrentInfo(ctx, leg.OpenResult.Key)
		switch {
		case err == nil:
			leg.CurrentInfo = current
		case errors.Is(err, domain.ErrNoCurrentInfo):
		default:
			return fmt.Errorf("router: current info for %s: %w", pos.PositionKey.Hex(), err)
		}

		feeAmounts, err := adapter.FeesOf(ctx, leg.OpenResult.Key)
		switch {
		case err == nil:
			leg.Fees = feeAmounts
		case errors.Is(err, domain.ErrNoFeeStream):
		default:
			return fmt.Errorf("router: fees for %s: %w", pos.PositionKey.Hex(), err)
		}

		if leg.ClosePending && closeSettled(leg) {
			settledClose = true
			continue
		}
		kept = append(kept, leg)
	}

	if !settledClose {
		pos.Legs = kept
		return nil
	}

	unlock, err := r.locks.Acquire(ctx, positionLockKey(pos.PositionKey), r.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			pos.Legs = kept
			return nil
		}
		return err
	}
	defer unlock()

	if len(kept) == 0 {
		full := *pos
		r.archive(ctx, full)
		if err := r.ledger.Prune(ctx, owner, pos.PositionKey); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	} else {
		if err := r.ledger.ReplaceLegs(ctx, owner, pos.PositionKey, kept); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	pos.Legs = kept
	return nil
}

// splitValue quotes the fee for each leg operation and checks the attached
// value. Excess value is forwarded to the last perpetual leg's execution fee;
// with no perpetual leg to absorb it, excess is rejected.
func (r *Router) splitValue(ctx context.Context, value *big.Int, tags []domain.ManagerTag) ([]*big.Int, error) {
	if value == nil {
		value = new(big.Int)
	}

	values := make([]*big.Int, len(tags))
	required := new(big.Int)
	lastPerp := -1
	for i, tag := range tags {
		fee, err := r.fees.FeeFor(ctx, tag)
		if err != nil {
			return nil, err
		}
		values[i] = fee
		required.Add(required, fee)
		if tag == domain.ManagerPerp {
			lastPerp = i
		}
	}

	switch value.Cmp(required) {
	case -1:
		return nil, fmt.Errorf("router: %w: need %s, got %s", domain.ErrInsufficientAttachedValue, required, value)
	case 0:
		return values, nil
	}

	excess := new(big.Int).Sub(value, required)
	if lastPerp < 0 {
		return nil, fmt.Errorf("router: %w: %s over quote", domain.ErrExcessAttachedValue, excess)
	}
	values[lastPerp] = new(big.Int).Add(values[lastPerp], excess)
	return values, nil
}

// compensate unwinds already-opened legs after a mid-call failure. Closes are
// best effort; a compensation failure is logged, not returned, since the
// original error is what the caller needs.
func (r *Router) compensate(ctx context.Context, legs []domain.AggregateInfo) {
	for i := len(legs) - 1; i >= 0; i-- {
		leg := legs[i]
		adapter, ok := r.adapters[leg.Manager]
		if !ok {
			continue
		}
		if _, _, err := adapter.Close(ctx, leg.OpenResult.Key, domain.CloseLegArgs{}, new(big.Int)); err != nil {
			r.logger.Error("compensating close failed",
				slog.String("manager", leg.Manager.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Router) archive(ctx context.Context, pos domain.CompositePosition) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.Archive(ctx, pos); err != nil {
		r.logger.Error("archive failed",
			slog.String("position_key", pos.PositionKey.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// closeSettled reports whether a close-pending leg's venue state shows the
// queued decrease has executed successfully.
func closeSettled(leg domain.AggregateInfo) bool {
	if leg.Manager != domain.ManagerPerp || len(leg.CurrentInfo) == 0 {
		return false
	}
	current, err := perp.DecodeCurrentInfos(leg.CurrentInfo)
	if err != nil {
		return false
	}
	return current.IsCloseSuccess
}

func selectedLegs(pos domain.CompositePosition, idxs []int) ([]int, error) {
	if len(idxs) == 0 {
		all := make([]int, len(pos.Legs))
		for i := range pos.Legs {
			all[i] = i
		}
		return all, nil
	}
	seen := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		if i < 0 || i >= len(pos.Legs) {
			return nil, fmt.Errorf("router: leg index %d out of range for %s", i, pos.PositionKey.Hex())
		}
		if seen[i] {
			return nil, fmt.Errorf("router: duplicate leg index %d for %s", i, pos.PositionKey.Hex())
		}
		seen[i] = true
	}
	return idxs, nil
}

func specTags(legs []domain.LegSpec) []domain.ManagerTag {
	tags := make([]domain.ManagerTag, len(legs))
	for i, s := range legs {
		tags[i] = s.Manager
	}
	return tags
}

func positionLockKey(key common.Hash) string {
	return "position:" + key.Hex()
}
