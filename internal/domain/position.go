// Package domain defines the core types of the composite position engine and
// the store interfaces implemented by the persistence layers.
package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ManagerTag identifies which venue adapter produced a leg. It is the sole
// discriminant for decoding a leg's opaque payloads; the aggregator never
// inspects payload shape.
type ManagerTag uint8

const (
	ManagerUnknown ManagerTag = iota
	ManagerAMM
	ManagerPerp
)

// String returns the human-readable manager name used in logs and API output.
func (t ManagerTag) String() string {
	switch t {
	case ManagerAMM:
		return "amm"
	case ManagerPerp:
		return "perp"
	default:
		return "unknown"
	}
}

// TokenAmount is a (token, amount) pair, used for accrued fees and settled
// close amounts.
type TokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

// OpenResult is the venue-specific outcome of opening a leg. Key is the
// venue handle used to re-query the leg later; Infos is an ABI-encoded
// payload whose layout is determined solely by the leg's ManagerTag.
type OpenResult struct {
	Key   []byte
	Infos []byte
}

// AggregateInfo is one leg of a composite position.
//
// CurrentInfo and Fees are live fields: they are refreshed from the venue at
// query time and never persisted, so the ledger cannot serve stale venue
// state. Exactly one of the two is meaningful per manager: perpetual legs
// carry CurrentInfo, AMM legs carry Fees.
type AggregateInfo struct {
	Manager      ManagerTag
	Timestamp    time.Time
	OpenResult   OpenResult
	ClosePending bool

	CurrentInfo []byte
	Fees        []TokenAmount
}

// CompositePosition is a user-facing position made of one or more legs under
// one key. Legs preserve open order. A composite position with zero legs is
// never stored; fully-closed positions are pruned.
type CompositePosition struct {
	PositionKey common.Hash
	Owner       common.Address
	Timestamp   time.Time
	Legs        []AggregateInfo
}
