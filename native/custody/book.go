package custody

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNilState            = errors.New("custody: state not configured")
	ErrInvalidAmount       = errors.New("custody: invalid amount")
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
)

// Store abstracts the persisted settlement-asset balances.
type Store interface {
	CustodyBalance(addr [20]byte) (*big.Int, error)
	CustodySetBalance(addr [20]byte, amount *big.Int) error
}

// Book tracks balances of the external settlement asset inside the system
// boundary: deposit escrow held by the queues, the execution sweep
// destination, and the fee payout source. The real asset rails live outside
// the core; the book is the single interface they are consumed through.
type Book struct {
	store Store
}

// NewBook constructs a custody book over the supplied store.
func NewBook(store Store) *Book {
	return &Book{store: store}
}

// BalanceOf returns the recorded settlement-asset balance.
func (b *Book) BalanceOf(addr [20]byte) (*big.Int, error) {
	if b == nil || b.store == nil {
		return nil, ErrNilState
	}
	return b.store.CustodyBalance(addr)
}

// Credit records an inbound settlement-asset movement from outside the
// system boundary.
func (b *Book) Credit(to [20]byte, amount *big.Int) error {
	if b == nil || b.store == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	balance, err := b.store.CustodyBalance(to)
	if err != nil {
		return err
	}
	return b.store.CustodySetBalance(to, new(big.Int).Add(balance, amount))
}

// Transfer moves the settlement asset between tracked accounts.
func (b *Book) Transfer(from, to [20]byte, amount *big.Int) error {
	if b == nil || b.store == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer must be positive", ErrInvalidAmount)
	}
	fromBalance, err := b.store.CustodyBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := b.store.CustodyBalance(to)
	if err != nil {
		return err
	}
	if err := b.store.CustodySetBalance(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return b.store.CustodySetBalance(to, new(big.Int).Add(toBalance, amount))
}
