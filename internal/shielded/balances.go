// balances.go - Transparent account balances with overflow-checked arithmetic.
//
// Shielding moves transparent funds into the pool (debit); unshielding moves
// them back out (credit). Arithmetic never clamps: a debit below zero fails
// ErrInsufficientFunds, a credit past 2^256-1 fails ErrOverflow.

package shielded

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// BalanceDelta is the transparent side effect of a transfer request.
type BalanceDelta struct {
	Account string       `json:"account"`
	Amount  *uint256.Int `json:"amount"`
	// Debit moves funds from the account into the shielded pool;
	// otherwise the account is credited from the pool.
	Debit bool `json:"debit"`
}

// Balances holds transparent account funds. Safe for concurrent use.
type Balances struct {
	mu       sync.RWMutex
	accounts map[string]*uint256.Int
}

// NewBalances creates an empty balance table.
func NewBalances() *Balances {
	return &Balances{accounts: make(map[string]*uint256.Int)}
}

// Credit adds amount to the account.
func (b *Balances) Credit(account string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.accounts[account]
	if cur == nil {
		cur = uint256.NewInt(0)
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return fmt.Errorf("%w: credit of %s to %q", ErrOverflow, amount, account)
	}
	b.accounts[account] = sum
	return nil
}

// Debit removes amount from the account.
func (b *Balances) Debit(account string, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.accounts[account]
	if cur == nil {
		cur = uint256.NewInt(0)
	}
	diff, borrow := new(uint256.Int).SubOverflow(cur, amount)
	if borrow {
		return fmt.Errorf("%w: debit of %s from %q holding %s", ErrInsufficientFunds, amount, account, cur)
	}
	b.accounts[account] = diff
	return nil
}

// Apply executes a delta.
func (b *Balances) Apply(d *BalanceDelta) error {
	if d == nil {
		return nil
	}
	if d.Amount == nil {
		return fmt.Errorf("balance delta for %q has no amount", d.Account)
	}
	if d.Debit {
		return b.Debit(d.Account, d.Amount)
	}
	return b.Credit(d.Account, d.Amount)
}

// Balance returns a copy of the account's balance, zero if unknown.
func (b *Balances) Balance(account string) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cur := b.accounts[account]
	if cur == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(cur)
}
