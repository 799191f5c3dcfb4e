package domain

import "time"

// SettlementDirection distinguishes the two per-venue FIFO queues of the
// perpetual venue.
type SettlementDirection uint8

const (
	DirectionIncrease SettlementDirection = iota
	DirectionDecrease
)

func (d SettlementDirection) String() string {
	if d == DirectionDecrease {
		return "decrease"
	}
	return "increase"
}

// SettlementState is the lifecycle of a queued perpetual request.
//
//	Pending → Executed(success) → (success=false) Refundable
//
// A pending request cannot be withdrawn. A refundable request retains its
// collateral at the venue until the owner explicitly closes the position; the
// engine never auto-refunds.
type SettlementState uint8

const (
	SettlementPending SettlementState = iota
	SettlementExecuted
	SettlementRefundable
)

func (s SettlementState) String() string {
	switch s {
	case SettlementExecuted:
		return "executed"
	case SettlementRefundable:
		return "refundable"
	default:
		return "pending"
	}
}

// PendingSettlement describes a submitted but not-yet-executed perpetual
// request. RequestID is monotonic per venue queue.
type PendingSettlement struct {
	RequestID   uint64
	Direction   SettlementDirection
	State       SettlementState
	Success     bool
	SubmittedAt time.Time
}
