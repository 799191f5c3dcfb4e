// Package fees computes the required native-currency value for composite
// operations: a configured fixed keeper fee per product plus the venue's
// live execution fee.
package fees

import (
	"context"
	"fmt"
	"math/big"

	"github.com/composefi/composer/internal/domain"
	"github.com/composefi/composer/internal/venue"
)

// Calculator is stateless; fixed fees are injected at construction and the
// venue execution fee is fetched fresh on every call since it can drift.
type Calculator struct {
	fixed    map[domain.ManagerTag]*big.Int
	adapters map[domain.ManagerTag]venue.Adapter
}

func NewCalculator(fixed map[domain.ManagerTag]*big.Int, adapters map[domain.ManagerTag]venue.Adapter) *Calculator {
	fixedCopy := make(map[domain.ManagerTag]*big.Int, len(fixed))
	for tag, fee := range fixed {
		fixedCopy[tag] = new(big.Int).Set(fee)
	}
	return &Calculator{fixed: fixedCopy, adapters: adapters}
}

// FeeFor quotes the native value required for one operation on the product:
// fixedKeeperFee(product) + venueExecutionFee(product). Quote immediately
// before attaching value; the venue component is not stable.
func (c *Calculator) FeeFor(ctx context.Context, product domain.ManagerTag) (*big.Int, error) {
	adapter, ok := c.adapters[product]
	if !ok {
		return nil, fmt.Errorf("fees: %w: %d", domain.ErrUnknownManagerTag, product)
	}

	total := new(big.Int)
	if fixed, ok := c.fixed[product]; ok {
		total.Set(fixed)
	}

	execFee, err := adapter.ExecutionFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("fees: execution fee for %s: %w", product, err)
	}
	return total.Add(total, execFee), nil
}
