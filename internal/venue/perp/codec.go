package perp

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// OpenInfos is the decoded form of a perpetual leg's open payload. Wire
// layout: (address collateralToken, address indexToken, bool isLong,
// uint256 collateralAmount, uint256 sizeDelta).
type OpenInfos struct {
	CollateralToken  common.Address
	IndexToken       common.Address
	IsLong           bool
	CollateralAmount *big.Int
	SizeDelta        *big.Int
}

// CurrentInfos is the decoded form of a perpetual leg's live payload,
// refreshed from the venue on every query. IsOpenSuccess=false with nonzero
// ContractCollateral is a legitimate state: the keeper rejected the request
// at execution time and the venue holds the collateral until an explicit
// close.
type CurrentInfos struct {
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

var (
	openInfosArgs = abi.Arguments{
		{Type: mustType("address")},
		{Type: mustType("address")},
		{Type: mustType("bool")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
	}

	currentInfosArgs = abi.Arguments{
		{Type: mustType("bool")},
		{Type: mustType("bool")},
		{Type: mustType("bool")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("bool")},
		{Type: mustType("uint256")},
	}
)

func EncodeOpenInfos(infos OpenInfos) ([]byte, error) {
	data, err := openInfosArgs.Pack(
		infos.CollateralToken,
		infos.IndexToken,
		infos.IsLong,
		infos.CollateralAmount,
		infos.SizeDelta,
	)
	if err != nil {
		return nil, fmt.Errorf("perp: encode open infos: %w", err)
	}
	return data, nil
}

func DecodeOpenInfos(data []byte) (OpenInfos, error) {
	vals, err := openInfosArgs.Unpack(data)
	if err != nil {
		return OpenInfos{}, fmt.Errorf("perp: decode open infos: %w", err)
	}
	return OpenInfos{
		CollateralToken:  vals[0].(common.Address),
		IndexToken:       vals[1].(common.Address),
		IsLong:           vals[2].(bool),
		CollateralAmount: vals[3].(*big.Int),
		SizeDelta:        vals[4].(*big.Int),
	}, nil
}

func EncodeCurrentInfos(infos CurrentInfos) ([]byte, error) {
	data, err := currentInfosArgs.Pack(
		infos.IsOpenSuccess,
		infos.IsCloseSuccess,
		infos.IsLong,
		infos.ContractCollateral,
		infos.SizeDelta,
		infos.Collateral,
		infos.AveragePrice,
		infos.EntryFundingRate,
		infos.ReserveAmount,
		infos.RealisedPnl,
		infos.RealisedPnlPositive,
		new(big.Int).SetUint64(infos.LastIncreasedTime),
	)
	if err != nil {
		return nil, fmt.Errorf("perp: encode current infos: %w", err)
	}
	return data, nil
}

func DecodeCurrentInfos(data []byte) (CurrentInfos, error) {
	vals, err := currentInfosArgs.Unpack(data)
	if err != nil {
		return CurrentInfos{}, fmt.Errorf("perp: decode current infos: %w", err)
	}
	return CurrentInfos{
		IsOpenSuccess:       vals[0].(bool),
		IsCloseSuccess:      vals[1].(bool),
		IsLong:              vals[2].(bool),
		ContractCollateral:  vals[3].(*big.Int),
		SizeDelta:           vals[4].(*big.Int),
		Collateral:          vals[5].(*big.Int),
		AveragePrice:        vals[6].(*big.Int),
		EntryFundingRate:    vals[7].(*big.Int),
		ReserveAmount:       vals[8].(*big.Int),
		RealisedPnl:         vals[9].(*big.Int),
		RealisedPnlPositive: vals[10].(bool),
		LastIncreasedTime:   vals[11].(*big.Int).Uint64(),
	}, nil
}

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}
