// Package bank is an in-memory token balance book standing in for the
// external token transfer/approval collaborator. Venue simulators settle
// against it so tests can assert that failed operations move no funds.
package bank

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/composefi/composer/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Bank tracks per-token, per-account balances.
type Bank struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int // token → account → balance
}

func New() *Bank {
	return &Bank{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

// Mint credits an account out of thin air. Test and fixture use only.
func (b *Bank) Mint(token, to common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, to, amount)
}

// Transfer moves amount of token from one account to another. It fails with
// domain.ErrInsufficientBalance without mutating either balance.
func (b *Bank) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount %s", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("bank: transfer %s of %s from %s: %w",
			amount, token.Hex(), from.Hex(), domain.ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	b.credit(token, to, amount)
	return nil
}

// BalanceOf returns a copy of the account's balance for token.
func (b *Bank) BalanceOf(token, owner common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance(token, owner))
}

func (b *Bank) balance(token, owner common.Address) *big.Int {
	accounts, ok := b.balances[token]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		b.balances[token] = accounts
	}
	bal, ok := accounts[owner]
	if !ok {
		bal = new(big.Int)
		accounts[owner] = bal
	}
	return bal
}

func (b *Bank) credit(token, to common.Address, amount *big.Int) {
	bal := b.balance(token, to)
	bal.Add(bal, amount)
}
