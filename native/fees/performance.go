package fees

import (
	"fmt"
	"math/big"

	"onyxfund/native/valuation"
)

// PerformanceStore abstracts the persisted performance tracker state. A zero
// high-water mark means the tracker has never been reset.
type PerformanceStore interface {
	PerformanceFeeState() (rateBps uint16, highWaterMark *big.Int, err error)
	SetPerformanceFeeState(rateBps uint16, highWaterMark *big.Int) error
}

// PerformanceTracker charges a fee on per-unit value appreciation above the
// high-water mark. The mark only moves up on a fee-producing settlement, or
// resets to the default price when supply is empty so a stale mark cannot
// block accrual after units are reissued.
type PerformanceTracker struct {
	store        PerformanceStore
	roles        privilegeChecker
	defaultPrice *big.Int
}

// NewPerformanceTracker constructs an uninitialized tracker. The default
// price replaces the mark on empty-supply settlements.
func NewPerformanceTracker(store PerformanceStore, roles privilegeChecker, defaultPrice *big.Int) *PerformanceTracker {
	price := new(big.Int).Set(valuation.Precision)
	if defaultPrice != nil && defaultPrice.Sign() > 0 {
		price = new(big.Int).Set(defaultPrice)
	}
	return &PerformanceTracker{store: store, roles: roles, defaultPrice: price}
}

// Rate returns the configured rate in basis points.
func (t *PerformanceTracker) Rate() (uint16, error) {
	if t == nil || t.store == nil {
		return 0, ErrNilState
	}
	rate, _, err := t.store.PerformanceFeeState()
	return rate, err
}

// HighWaterMark returns the current mark, zero when uninitialized.
func (t *PerformanceTracker) HighWaterMark() (*big.Int, error) {
	if t == nil || t.store == nil {
		return nil, ErrNilState
	}
	_, mark, err := t.store.PerformanceFeeState()
	return mark, err
}

// ResetMark initializes or re-anchors the high-water mark. The mark must be
// positive. Privileged callers only.
func (t *PerformanceTracker) ResetMark(caller [20]byte, mark *big.Int) error {
	if t == nil || t.store == nil {
		return ErrNilState
	}
	if err := t.requirePrivileged(caller); err != nil {
		return err
	}
	if mark == nil || mark.Sign() <= 0 {
		return fmt.Errorf("%w: high-water mark must be positive", ErrInvalidAmount)
	}
	rate, _, err := t.store.PerformanceFeeState()
	if err != nil {
		return err
	}
	return t.store.SetPerformanceFeeState(rate, new(big.Int).Set(mark))
}

// setRate stores a new rate in basis points.
func (t *PerformanceTracker) setRate(caller [20]byte, rateBps uint16) error {
	if t == nil || t.store == nil {
		return ErrNilState
	}
	if err := t.requirePrivileged(caller); err != nil {
		return err
	}
	if rateBps >= MaxRateBps {
		return fmt.Errorf("%w: %d bps", ErrExceedsBound, rateBps)
	}
	_, mark, err := t.store.PerformanceFeeState()
	if err != nil {
		return err
	}
	return t.store.SetPerformanceFeeState(rateBps, mark)
}

// settle computes the fee on appreciation above the mark at the supplied
// supply. The mark advances exactly to the settled value per share on a
// fee-producing settlement.
func (t *PerformanceTracker) settle(netValue, supply *big.Int) (*big.Int, *big.Int, error) {
	if t == nil || t.store == nil {
		return nil, nil, ErrNilState
	}
	rate, mark, err := t.store.PerformanceFeeState()
	if err != nil {
		return nil, nil, err
	}
	if mark == nil || mark.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: performance tracker never reset", ErrNotInitialized)
	}
	if supply == nil || supply.Sign() == 0 {
		reset := new(big.Int).Set(t.defaultPrice)
		if err := t.store.SetPerformanceFeeState(rate, reset); err != nil {
			return nil, nil, err
		}
		return big.NewInt(0), reset, nil
	}
	valuePerShare, err := valuation.CalcValuePerShare(netValue, supply)
	if err != nil {
		return nil, nil, err
	}
	if valuePerShare.Cmp(mark) <= 0 {
		return big.NewInt(0), new(big.Int).Set(mark), nil
	}
	fee := new(big.Int).Sub(valuePerShare, mark)
	fee.Mul(fee, supply)
	fee.Div(fee, valuation.Precision)
	fee.Mul(fee, big.NewInt(int64(rate)))
	fee.Div(fee, big.NewInt(BpsDenominator))
	if err := t.store.SetPerformanceFeeState(rate, new(big.Int).Set(valuePerShare)); err != nil {
		return nil, nil, err
	}
	return fee, valuePerShare, nil
}

func (t *PerformanceTracker) requirePrivileged(caller [20]byte) error {
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
