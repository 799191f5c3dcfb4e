package perpex

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// StaticFeed is a settable in-memory price oracle. The keeper service (or a
// test) moves prices; the exchange consults it at execution time only.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[common.Address]*big.Int)}
}

// SetPrice sets the mark price for token.
func (f *StaticFeed) SetPrice(token common.Address, price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[token] = new(big.Int).Set(price)
}

// Price returns the mark price for token, zero when unset.
func (f *StaticFeed) Price(token common.Address) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.prices[token]; ok {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

var _ PriceFeed = (*StaticFeed)(nil)
