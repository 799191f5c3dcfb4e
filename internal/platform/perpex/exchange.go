// Package perpex simulates a keeper-executed perpetual exchange: increase and
// decrease requests go into separate FIFO queues and settle only when an
// external keeper drains them via the batch executors, consulting the oracle
// feed at execution time. It stands in for the external perpetual venue.
package perpex

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/platform/bank"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PriceFeed supplies settlement prices consulted at execution time.
type PriceFeed interface {
	Price(token common.Address) *big.Int
}

// IncreaseRequest asks the venue to open or grow a position.
type IncreaseRequest struct {
	Account         common.Address
	CollateralToken common.Address
	IndexToken      common.Address
	IsLong          bool
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	AcceptablePrice *big.Int // zero disables the bound
}

// DecreaseRequest asks the venue to shrink or close a position.
type DecreaseRequest struct {
	Key             common.Hash
	AcceptablePrice *big.Int
}

// Submission acknowledges a queued request. The request is pending until a
// keeper executes it; it cannot be withdrawn.
type Submission struct {
	RequestID uint64
	Key       common.Hash
	Pending   domain.PendingSettlement
}

// PositionState is the venue's latest settled view of a position. Nonzero
// ContractCollateral with IsOpenSuccess=false means a rejected execution left
// funds parked in the venue.
type PositionState struct {
	IsOpenSuccess       bool
	IsCloseSuccess      bool
	IsLong              bool
	ContractCollateral  *big.Int
	SizeDelta           *big.Int
	Collateral          *big.Int
	AveragePrice        *big.Int
	EntryFundingRate    *big.Int
	ReserveAmount       *big.Int
	RealisedPnl         *big.Int
	RealisedPnlPositive bool
	LastIncreasedTime   uint64
}

// ExecutionResult reports one keeper execution.
type ExecutionResult struct {
	RequestID uint64
	Key       common.Hash
	Account   common.Address
	Direction domain.SettlementDirection
	Success   bool
}

type queuedRequest struct {
	id              uint64
	key             common.Hash
	account         common.Address
	collateralToken common.Address
	indexToken      common.Address
	isLong          bool
	collateralDelta *big.Int
	sizeDelta       *big.Int
	acceptablePrice *big.Int
	submittedAt     time.Time
}

type position struct {
	account         common.Address
	collateralToken common.Address
	indexToken      common.Address
	state           PositionState
}

// Exchange is the in-memory perpetual venue.
type Exchange struct {
	mu sync.Mutex

	bank  *bank.Bank
	vault common.Address
	feed  PriceFeed

	minExecutionFee *big.Int
	nextRequestID   uint64

	increaseQueue []*queuedRequest
	decreaseQueue []*queuedRequest

	positions map[common.Hash]*position

	now func() time.Time
}

// New creates an exchange holding collateral under the vault account.
func New(b *bank.Bank, vault common.Address, feed PriceFeed, minExecutionFee *big.Int) *Exchange {
	if minExecutionFee == nil {
		minExecutionFee = new(big.Int)
	}
	return &Exchange{
		bank:            b,
		vault:           vault,
		feed:            feed,
		minExecutionFee: new(big.Int).Set(minExecutionFee),
		positions:       make(map[common.Hash]*position),
		now:             time.Now,
	}
}

// MinExecutionFee is the venue-reported fee for one keeper execution. It can
// change over the venue's lifetime, so callers quote it fresh.
func (e *Exchange) MinExecutionFee(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.minExecutionFee), nil
}

// SetMinExecutionFee changes the reported execution fee. Simulation hook.
func (e *Exchange) SetMinExecutionFee(fee *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minExecutionFee = new(big.Int).Set(fee)
}

// CreateIncreasePosition validates the request, pulls collateral from the
// account into the venue vault, and appends to the increase queue. Price is
// not checked here; only the eventual keeper execution can fail on price.
func (e *Exchange) CreateIncreasePosition(ctx context.Context, req IncreaseRequest) (Submission, error) {
	if req.CollateralDelta == nil || req.CollateralDelta.Sign() == 0 {
		return Submission{}, domain.ErrZeroCollateral
	}
	if req.SizeDelta == nil {
		req.SizeDelta = new(big.Int)
	}

	if err := e.bank.Transfer(req.CollateralToken, req.Account, e.vault, req.CollateralDelta); err != nil {
		return Submission{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := venueKey(req.Account, req.CollateralToken, req.IndexToken, req.IsLong)
	pos, ok := e.positions[key]
	if !ok {
		pos = &position{
			account:         req.Account,
			collateralToken: req.CollateralToken,
			indexToken:      req.IndexToken,
			state:           emptyState(req.IsLong),
		}
		e.positions[key] = pos
	} else if pos.state.IsCloseSuccess {
		// Reopening a fully-closed record starts a fresh settlement cycle;
		// carrying the old close flag forward would make the new position
		// look settled-closed before any decrease executes.
		pos.state = emptyState(req.IsLong)
	}
	// Collateral is held by the venue from submission, regardless of whether
	// the keeper later accepts the execution.
	pos.state.ContractCollateral.Add(pos.state.ContractCollateral, req.CollateralDelta)

	e.nextRequestID++
	qr := &queuedRequest{
		id:              e.nextRequestID,
		key:             key,
		account:         req.Account,
		collateralToken: req.CollateralToken,
		indexToken:      req.IndexToken,
		isLong:          req.IsLong,
		collateralDelta: new(big.Int).Set(req.CollateralDelta),
		sizeDelta:       new(big.Int).Set(req.SizeDelta),
		acceptablePrice: bigOrZero(req.AcceptablePrice),
		submittedAt:     e.now(),
	}
	e.increaseQueue = append(e.increaseQueue, qr)

	return Submission{
		RequestID: qr.id,
		Key:       key,
		Pending: domain.PendingSettlement{
			RequestID:   qr.id,
			Direction:   domain.DirectionIncrease,
			State:       domain.SettlementPending,
			SubmittedAt: qr.submittedAt,
		},
	}, nil
}

// CreateDecreasePosition appends a close request to the decrease queue. The
// position stays fully intact until the keeper executes the request.
func (e *Exchange) CreateDecreasePosition(ctx context.Context, req DecreaseRequest) (Submission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[req.Key]
	if !ok {
		return Submission{}, fmt.Errorf("perpex: decrease %s: %w", req.Key.Hex(), domain.ErrNotFound)
	}

	e.nextRequestID++
	qr := &queuedRequest{
		id:              e.nextRequestID,
		key:             req.Key,
		account:         pos.account,
		acceptablePrice: bigOrZero(req.AcceptablePrice),
		submittedAt:     e.now(),
	}
	e.decreaseQueue = append(e.decreaseQueue, qr)

	return Submission{
		RequestID: qr.id,
		Key:       req.Key,
		Pending: domain.PendingSettlement{
			RequestID:   qr.id,
			Direction:   domain.DirectionDecrease,
			State:       domain.SettlementPending,
			SubmittedAt: qr.submittedAt,
		},
	}, nil
}

// Position returns a snapshot of the venue's latest settled state for key.
func (e *Exchange) Position(ctx context.Context, key common.Hash) (PositionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[key]
	if !ok {
		return PositionState{}, fmt.Errorf("perpex: position %s: %w", key.Hex(), domain.ErrNotFound)
	}
	return copyState(pos.state), nil
}

// QueueLengths reports pending request counts (increase, decrease).
func (e *Exchange) QueueLengths() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.increaseQueue), len(e.decreaseQueue)
}

// ExecuteIncreasePositions drains up to maxCount queued increase requests in
// FIFO order. An execution whose mark price violates the request's acceptable
// price is rejected: the position keeps its parked collateral and
// IsOpenSuccess stays false. The venue never refunds on rejection.
func (e *Exchange) ExecuteIncreasePositions(ctx context.Context, maxCount int, rewardReceiver common.Address) ([]ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []ExecutionResult
	for maxCount > 0 && len(e.increaseQueue) > 0 {
		qr := e.increaseQueue[0]
		e.increaseQueue = e.increaseQueue[1:]
		maxCount--

		pos := e.positions[qr.key]
		mark := e.feed.Price(qr.indexToken)

		// Longs must fill at or below the acceptable price, shorts at or above.
		ok := qr.acceptablePrice.Sign() == 0 ||
			(qr.isLong && mark.Cmp(qr.acceptablePrice) <= 0) ||
			(!qr.isLong && mark.Cmp(qr.acceptablePrice) >= 0)

		if ok && pos != nil {
			st := &pos.state
			st.IsOpenSuccess = true
			st.Collateral.Add(st.Collateral, qr.collateralDelta)
			st.SizeDelta.Add(st.SizeDelta, qr.sizeDelta)
			st.ReserveAmount.Add(st.ReserveAmount, qr.sizeDelta)
			st.AveragePrice = new(big.Int).Set(mark)
			st.LastIncreasedTime = uint64(e.now().Unix())
		}

		results = append(results, ExecutionResult{
			RequestID: qr.id,
			Key:       qr.key,
			Account:   qr.account,
			Direction: domain.DirectionIncrease,
			Success:   ok,
		})
	}
	return results, nil
}

// ExecuteDecreasePositions drains up to maxCount queued decrease requests in
// FIFO order. A successful execution settles collateral plus realised PnL
// back to the account and marks the position closed.
func (e *Exchange) ExecuteDecreasePositions(ctx context.Context, maxCount int, rewardReceiver common.Address) ([]ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []ExecutionResult
	for maxCount > 0 && len(e.decreaseQueue) > 0 {
		qr := e.decreaseQueue[0]
		e.decreaseQueue = e.decreaseQueue[1:]
		maxCount--

		pos, exists := e.positions[qr.key]
		ok := exists
		if exists {
			mark := e.feed.Price(pos.indexToken)
			st := &pos.state
			if qr.acceptablePrice.Sign() != 0 {
				// A closing long is a sell: fill at or above the bound.
				if st.IsLong && mark.Cmp(qr.acceptablePrice) < 0 {
					ok = false
				}
				if !st.IsLong && mark.Cmp(qr.acceptablePrice) > 0 {
					ok = false
				}
			}

			if ok {
				pnl, positive := realisedPnl(st, mark)
				payout := new(big.Int).Set(st.ContractCollateral)
				if positive {
					payout.Add(payout, pnl)
					e.bank.Mint(pos.collateralToken, e.vault, pnl)
				} else {
					payout.Sub(payout, pnl)
					if payout.Sign() < 0 {
						payout.SetInt64(0)
					}
				}

				if err := e.bank.Transfer(pos.collateralToken, e.vault, pos.account, payout); err != nil {
					return results, fmt.Errorf("perpex: settle decrease %d: %w", qr.id, err)
				}

				st.IsCloseSuccess = true
				st.RealisedPnl = pnl
				st.RealisedPnlPositive = positive
				st.ContractCollateral = new(big.Int)
				st.Collateral = new(big.Int)
				st.SizeDelta = new(big.Int)
				st.ReserveAmount = new(big.Int)
			}
		}

		results = append(results, ExecutionResult{
			RequestID: qr.id,
			Key:       qr.key,
			Account:   qr.account,
			Direction: domain.DirectionDecrease,
			Success:   ok,
		})
	}
	return results, nil
}

// realisedPnl computes size * |mark - avg| / avg and whether the move favors
// the position's direction.
func realisedPnl(st *PositionState, mark *big.Int) (*big.Int, bool) {
	if st.AveragePrice.Sign() == 0 || st.SizeDelta.Sign() == 0 {
		return new(big.Int), true
	}
	diff := new(big.Int).Sub(mark, st.AveragePrice)
	positive := st.IsLong == (diff.Sign() >= 0)
	pnl := new(big.Int).Abs(diff)
	pnl.Mul(pnl, st.SizeDelta)
	pnl.Div(pnl, st.AveragePrice)
	return pnl, positive
}

func emptyState(isLong bool) PositionState {
	return PositionState{
		IsLong:             isLong,
		ContractCollateral: new(big.Int),
		SizeDelta:          new(big.Int),
		Collateral:         new(big.Int),
		AveragePrice:       new(big.Int),
		EntryFundingRate:   new(big.Int),
		ReserveAmount:      new(big.Int),
		RealisedPnl:        new(big.Int),
	}
}

func copyState(st PositionState) PositionState {
	out := st
	out.ContractCollateral = new(big.Int).Set(st.ContractCollateral)
	out.SizeDelta = new(big.Int).Set(st.SizeDelta)
	out.Collateral = new(big.Int).Set(st.Collateral)
	out.AveragePrice = new(big.Int).Set(st.AveragePrice)
	out.EntryFundingRate = new(big.Int).Set(st.EntryFundingRate)
	out.ReserveAmount = new(big.Int).Set(st.ReserveAmount)
	out.RealisedPnl = new(big.Int).Set(st.RealisedPnl)
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func venueKey(account, collateralToken, indexToken common.Address, isLong bool) common.Hash {
	side := byte(0)
	if isLong {
		side = 1
	}
	return crypto.Keccak256Hash(account.Bytes(), collateralToken.Bytes(), indexToken.Bytes(), []byte{side})
}
