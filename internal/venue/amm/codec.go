package amm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// OpenInfos is the decoded form of an AMM leg's open payload. The wire layout
// is ABI: (uint256 liquidity, int24 tickLower, int24 tickUpper,
// address token0, address token1, uint256 feeTier).
type OpenInfos struct {
	Liquidity *big.Int
	TickLower int32
	TickUpper int32
	Token0    common.Address
	Token1    common.Address
	FeeTier   uint32
}

var openInfosArgs = abi.Arguments{
	{Type: mustType("uint256")},
	{Type: mustType("int24")},
	{Type: mustType("int24")},
	{Type: mustType("address")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
}

// EncodeOpenInfos packs open infos into the ABI wire form.
func EncodeOpenInfos(infos OpenInfos) ([]byte, error) {
	data, err := openInfosArgs.Pack(
		infos.Liquidity,
		big.NewInt(int64(infos.TickLower)),
		big.NewInt(int64(infos.TickUpper)),
		infos.Token0,
		infos.Token1,
		new(big.Int).SetUint64(uint64(infos.FeeTier)),
	)
	if err != nil {
		return nil, fmt.Errorf("amm: encode open infos: %w", err)
	}
	return data, nil
}

// DecodeOpenInfos unpacks the ABI wire form of an AMM leg's open payload.
func DecodeOpenInfos(data []byte) (OpenInfos, error) {
	vals, err := openInfosArgs.Unpack(data)
	if err != nil {
		return OpenInfos{}, fmt.Errorf("amm: decode open infos: %w", err)
	}
	return OpenInfos{
		Liquidity: vals[0].(*big.Int),
		TickLower: int32(vals[1].(*big.Int).Int64()),
		TickUpper: int32(vals[2].(*big.Int).Int64()),
		Token0:    vals[3].(common.Address),
		Token1:    vals[4].(common.Address),
		FeeTier:   uint32(vals[5].(*big.Int).Uint64()),
	}, nil
}

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}
