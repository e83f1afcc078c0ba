package fees

import (
	"fmt"
	"math/big"
	"time"
)

const (
	// SecondsPerYear is the accrual denominator for the management fee.
	SecondsPerYear = 31_536_000
	// BpsDenominator converts basis points to a fraction.
	BpsDenominator = 10_000
	// MaxRateBps is the exclusive upper bound for any fee rate.
	MaxRateBps = 10_000
)

// ManagementStore abstracts the persisted management tracker state.
type ManagementStore interface {
	ManagementFeeState() (rateBps uint16, lastSettled int64, err error)
	SetManagementFeeState(rateBps uint16, lastSettled int64) error
}

type privilegeChecker interface {
	IsPrivileged(addr [20]byte) (bool, error)
}

// ManagementTracker accrues a continuous time-prorated fee against the net
// value supplied at settlement time. Settlement is driven exclusively by the
// fee ledger in this package; external callers only configure the tracker.
type ManagementTracker struct {
	store ManagementStore
	roles privilegeChecker
	nowFn func() int64
}

// NewManagementTracker constructs an uninitialized tracker.
func NewManagementTracker(store ManagementStore, roles privilegeChecker) *ManagementTracker {
	return &ManagementTracker{
		store: store,
		roles: roles,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the tracker clock, primarily for tests.
func (t *ManagementTracker) SetNowFunc(now func() int64) {
	if now == nil {
		t.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	t.nowFn = now
}

// Rate returns the configured annual rate in basis points.
func (t *ManagementTracker) Rate() (uint16, error) {
	if t == nil || t.store == nil {
		return 0, ErrNilState
	}
	rate, _, err := t.store.ManagementFeeState()
	return rate, err
}

// LastSettled returns the timestamp of the previous settlement, zero when the
// tracker has never been reset.
func (t *ManagementTracker) LastSettled() (int64, error) {
	if t == nil || t.store == nil {
		return 0, ErrNilState
	}
	_, last, err := t.store.ManagementFeeState()
	return last, err
}

// Reset transitions the tracker into the accruing state by stamping the
// current time as the settlement anchor. Privileged callers only.
func (t *ManagementTracker) Reset(caller [20]byte) error {
	if t == nil || t.store == nil {
		return ErrNilState
	}
	if err := t.requirePrivileged(caller); err != nil {
		return err
	}
	rate, _, err := t.store.ManagementFeeState()
	if err != nil {
		return err
	}
	return t.store.SetManagementFeeState(rate, t.nowFn())
}

// setRate stores a new rate. Prospective-only rating is the fee ledger's
// responsibility: it settles accrued time at the old rate before calling
// this.
func (t *ManagementTracker) setRate(caller [20]byte, rateBps uint16) error {
	if t == nil || t.store == nil {
		return ErrNilState
	}
	if err := t.requirePrivileged(caller); err != nil {
		return err
	}
	if rateBps >= MaxRateBps {
		return fmt.Errorf("%w: %d bps", ErrExceedsBound, rateBps)
	}
	_, last, err := t.store.ManagementFeeState()
	if err != nil {
		return err
	}
	return t.store.SetManagementFeeState(rateBps, last)
}

// settle computes the value due for the time elapsed since the last
// settlement and advances the anchor. Settlement always occurs, even when the
// value due is zero; calling twice at the same timestamp yields zero on the
// second call.
func (t *ManagementTracker) settle(netValue *big.Int) (*big.Int, int64, error) {
	if t == nil || t.store == nil {
		return nil, 0, ErrNilState
	}
	rate, last, err := t.store.ManagementFeeState()
	if err != nil {
		return nil, 0, err
	}
	if last == 0 {
		return nil, 0, fmt.Errorf("%w: management tracker never reset", ErrNotInitialized)
	}
	now := t.nowFn()
	elapsed := now - last
	if elapsed < 0 {
		elapsed = 0
		now = last
	}
	due := big.NewInt(0)
	if elapsed > 0 && netValue != nil && netValue.Sign() > 0 && rate > 0 {
		due = new(big.Int).Mul(netValue, big.NewInt(int64(rate)))
		due.Mul(due, big.NewInt(elapsed))
		due.Div(due, big.NewInt(int64(SecondsPerYear)*BpsDenominator))
	}
	if err := t.store.SetManagementFeeState(rate, now); err != nil {
		return nil, 0, err
	}
	return due, now, nil
}

func (t *ManagementTracker) requirePrivileged(caller [20]byte) error {
	if t.roles == nil {
		return ErrNilState
	}
	privileged, err := t.roles.IsPrivileged(caller)
	if err != nil {
		return err
	}
	if !privileged {
		return ErrUnauthorized
	}
	return nil
}
