package units

import (
	"fmt"
	"math/big"

	"onyxfund/core/events"
)

// LedgerStore abstracts the persisted account book: balances, allowances and
// total supply.
type LedgerStore interface {
	UnitsBalance(addr [20]byte) (*big.Int, error)
	UnitsSetBalance(addr [20]byte, amount *big.Int) error
	UnitsTotalSupply() (*big.Int, error)
	UnitsSetTotalSupply(amount *big.Int) error
	UnitsAllowance(owner, spender [20]byte) (*big.Int, error)
	UnitsSetAllowance(owner, spender [20]byte, amount *big.Int) error
}

// RecipientPolicy is the pluggable transfer-restriction hook consulted before
// any validated balance mutation. Implementations live outside the core.
type RecipientPolicy interface {
	Allowed(addr [20]byte) (bool, error)
}

// Ledger is the fungible-unit account book. Supply changes flow exclusively
// through MintFor/BurnFor, which are gated to the authorized minter/burner
// sets held by the registry, so NAV-per-unit math stays deterministic between
// priced issuance events.
type Ledger struct {
	store   LedgerStore
	roles   *Registry
	policy  RecipientPolicy
	emitter events.Emitter
}

// NewLedger constructs a ledger over the supplied store and role registry
// with a no-op emitter and no recipient policy.
func NewLedger(store LedgerStore, roles *Registry) *Ledger {
	return &Ledger{store: store, roles: roles, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetRecipientPolicy installs the external recipient-validation hook. A nil
// policy admits every recipient.
func (l *Ledger) SetRecipientPolicy(policy RecipientPolicy) { l.policy = policy }

// Roles exposes the registry owned by the ledger so collaborating components
// can be handed an explicit privilege-check handle.
func (l *Ledger) Roles() *Registry { return l.roles }

func (l *Ledger) emit(evt events.Event) {
	if l == nil || l.emitter == nil {
		return
	}
	l.emitter.Emit(evt)
}

// BalanceOf returns the unit balance held by the address.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilState
	}
	return l.store.UnitsBalance(addr)
}

// TotalUnits returns the outstanding unit supply.
func (l *Ledger) TotalUnits() (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilState
	}
	return l.store.UnitsTotalSupply()
}

// Allowance returns the amount the spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilState
	}
	return l.store.UnitsAllowance(owner, spender)
}

// Approve sets the spender allowance for the caller.
func (l *Ledger) Approve(caller, spender [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("units: %w: allowance must not be negative", ErrInvalidAmount)
	}
	return l.store.UnitsSetAllowance(caller, spender, new(big.Int).Set(amount))
}

// Transfer moves units from the caller to the recipient after consulting the
// recipient policy.
func (l *Ledger) Transfer(caller, to [20]byte, amount *big.Int) error {
	if err := l.validateRecipient(to); err != nil {
		return err
	}
	if err := l.move(caller, to, amount); err != nil {
		return err
	}
	l.emit(events.UnitsTransferred{From: caller, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// TransferFrom moves units on behalf of the owner, consuming allowance.
func (l *Ledger) TransferFrom(caller, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("units: %w: transfer amount must be positive", ErrInvalidAmount)
	}
	if err := l.validateRecipient(to); err != nil {
		return err
	}
	allowance, err := l.store.UnitsAllowance(from, caller)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	if err := l.store.UnitsSetAllowance(from, caller, new(big.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	l.emit(events.UnitsTransferred{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// AuthTransfer moves units between arbitrary accounts without recipient
// validation. Only authorized minter/burner components (the request queues)
// may call it; recipient vetting is the caller's responsibility on this path.
func (l *Ledger) AuthTransfer(caller, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return ErrNilState
	}
	authorized, err := l.isMinterOrBurner(caller)
	if err != nil {
		return err
	}
	if !authorized {
		return fmt.Errorf("units: %w: caller %s is not an authorized handler", ErrUnauthorized, addrHex(caller))
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	l.emit(events.UnitsTransferred{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// MintFor increases the recipient balance and the total supply. Callable only
// by addresses in the authorized minter set.
func (l *Ledger) MintFor(caller, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return ErrNilState
	}
	minter, err := l.roles.IsMinter(caller)
	if err != nil {
		return err
	}
	if !minter {
		return fmt.Errorf("units: %w: caller %s is not an authorized minter", ErrUnauthorized, addrHex(caller))
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("units: %w: mint amount must be positive", ErrInvalidAmount)
	}
	balance, err := l.store.UnitsBalance(to)
	if err != nil {
		return err
	}
	supply, err := l.store.UnitsTotalSupply()
	if err != nil {
		return err
	}
	if err := l.store.UnitsSetBalance(to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	if err := l.store.UnitsSetTotalSupply(new(big.Int).Add(supply, amount)); err != nil {
		return err
	}
	l.emit(events.UnitsMinted{Minter: caller, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// BurnFor decreases the holder balance and the total supply. Callable only by
// addresses in the authorized burner set; there is no public burn entry
// point.
func (l *Ledger) BurnFor(caller, from [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return ErrNilState
	}
	burner, err := l.roles.IsBurner(caller)
	if err != nil {
		return err
	}
	if !burner {
		return fmt.Errorf("units: %w: caller %s is not an authorized burner", ErrUnauthorized, addrHex(caller))
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("units: %w: burn amount must be positive", ErrInvalidAmount)
	}
	balance, err := l.store.UnitsBalance(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	supply, err := l.store.UnitsTotalSupply()
	if err != nil {
		return err
	}
	if err := l.store.UnitsSetBalance(from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	if err := l.store.UnitsSetTotalSupply(new(big.Int).Sub(supply, amount)); err != nil {
		return err
	}
	l.emit(events.UnitsBurned{Burner: caller, From: from, Amount: new(big.Int).Set(amount)})
	return nil
}

func (l *Ledger) validateRecipient(to [20]byte) error {
	if l == nil || l.policy == nil {
		return nil
	}
	allowed, err := l.policy.Allowed(to)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, addrHex(to))
	}
	return nil
}

func (l *Ledger) isMinterOrBurner(addr [20]byte) (bool, error) {
	minter, err := l.roles.IsMinter(addr)
	if err != nil {
		return false, err
	}
	if minter {
		return true, nil
	}
	return l.roles.IsBurner(addr)
}

func (l *Ledger) move(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("units: %w: transfer amount must be positive", ErrInvalidAmount)
	}
	fromBalance, err := l.store.UnitsBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.store.UnitsBalance(to)
	if err != nil {
		return err
	}
	if err := l.store.UnitsSetBalance(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.store.UnitsSetBalance(to, new(big.Int).Add(toBalance, amount))
}
