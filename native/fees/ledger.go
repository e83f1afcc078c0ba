package fees

import (
	"fmt"
	"math/big"
	"time"

	"onyxfund/core/events"
)

// LedgerStore abstracts the persisted entitlement balances and the running
// total of value owed.
type LedgerStore interface {
	FeeEntitlement(addr [20]byte) (*big.Int, error)
	SetFeeEntitlement(addr [20]byte, amount *big.Int) error
	FeeTotalOwed() (*big.Int, error)
	SetFeeTotalOwed(amount *big.Int) error
}

// SupplySource reports the outstanding unit supply, read once per settlement
// so trackers observe a consistent snapshot.
type SupplySource interface {
	TotalUnits() (*big.Int, error)
}

// Payout moves the settlement asset when a recipient claims entitlement.
type Payout interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

// LedgerConfig wires the ledger's recipients, static rates, and authorized
// callers.
type LedgerConfig struct {
	// Settler is the designated caller for dynamic fee settlement.
	Settler [20]byte
	// Queues are the request queue addresses allowed to settle
	// entrance/exit fees.
	Queues [][20]byte

	ManagementRecipient  [20]byte
	PerformanceRecipient [20]byte
	EntranceRecipient    [20]byte
	ExitRecipient        [20]byte

	EntranceRateBps uint16
	ExitRateBps     uint16

	// PayoutSource funds entitlement claims.
	PayoutSource [20]byte
}

// Ledger orchestrates the fee trackers, maintains per-recipient entitlement
// balances, and computes the entrance/exit fee units consumed by the request
// queues.
type Ledger struct {
	store       LedgerStore
	management  *ManagementTracker
	performance *PerformanceTracker
	roles       privilegeChecker
	supply      SupplySource
	payout      Payout
	cfg         LedgerConfig
	queues      map[[20]byte]struct{}
	emitter     events.Emitter
	nowFn       func() int64
}

// NewLedger constructs a fee ledger. Rates above or equal to 100% are
// rejected.
func NewLedger(store LedgerStore, management *ManagementTracker, performance *PerformanceTracker, roles privilegeChecker, supply SupplySource, payout Payout, cfg LedgerConfig) (*Ledger, error) {
	if cfg.EntranceRateBps >= MaxRateBps {
		return nil, fmt.Errorf("%w: entrance rate %d bps", ErrExceedsBound, cfg.EntranceRateBps)
	}
	if cfg.ExitRateBps >= MaxRateBps {
		return nil, fmt.Errorf("%w: exit rate %d bps", ErrExceedsBound, cfg.ExitRateBps)
	}
	queues := make(map[[20]byte]struct{}, len(cfg.Queues))
	for _, addr := range cfg.Queues {
		queues[addr] = struct{}{}
	}
	return &Ledger{
		store:       store,
		management:  management,
		performance: performance,
		roles:       roles,
		supply:      supply,
		payout:      payout,
		cfg:         cfg,
		queues:      queues,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the ledger clock, primarily for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
	} else {
		l.nowFn = now
	}
	if l.management != nil {
		l.management.SetNowFunc(now)
	}
}

func (l *Ledger) emit(evt events.Event) {
	if l == nil || l.emitter == nil {
		return
	}
	l.emitter.Emit(evt)
}

// TotalValueOwed returns the aggregate unclaimed entitlement across all
// recipients.
func (l *Ledger) TotalValueOwed() (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilState
	}
	return l.store.FeeTotalOwed()
}

// EntitlementOf returns the signed running balance owed to a recipient.
func (l *Ledger) EntitlementOf(addr [20]byte) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, ErrNilState
	}
	return l.store.FeeEntitlement(addr)
}

// SettleDynamicFees settles the management and performance trackers against
// the supplied aggregate position value. Only the designated settler or a
// privileged caller may invoke it.
func (l *Ledger) SettleDynamicFees(caller [20]byte, totalPositionsValue *big.Int) error {
	if err := l.requireSettler(caller); err != nil {
		return err
	}
	netValue, err := l.netValue(totalPositionsValue)
	if err != nil {
		return err
	}
	if err := l.settleManagement(netValue); err != nil {
		return err
	}
	return l.settlePerformance(netValue)
}

// SettleManagementFee settles only the management tracker.
func (l *Ledger) SettleManagementFee(caller [20]byte, totalPositionsValue *big.Int) error {
	if err := l.requireSettler(caller); err != nil {
		return err
	}
	netValue, err := l.netValue(totalPositionsValue)
	if err != nil {
		return err
	}
	return l.settleManagement(netValue)
}

// SettlePerformanceFee settles only the performance tracker.
func (l *Ledger) SettlePerformanceFee(caller [20]byte, totalPositionsValue *big.Int) error {
	if err := l.requireSettler(caller); err != nil {
		return err
	}
	netValue, err := l.netValue(totalPositionsValue)
	if err != nil {
		return err
	}
	return l.settlePerformance(netValue)
}

// SettleEntranceFee computes the entrance fee, in units, on a gross issuance
// amount. Truncation to zero means no fee is taken. Queue callers only.
func (l *Ledger) SettleEntranceFee(caller [20]byte, grossUnits *big.Int) (*big.Int, [20]byte, error) {
	if err := l.requireQueue(caller); err != nil {
		return nil, [20]byte{}, err
	}
	return feeUnits(grossUnits, l.cfg.EntranceRateBps), l.cfg.EntranceRecipient, nil
}

// SettleExitFee computes the exit fee, in units, on a gross redemption
// amount. Queue callers only.
func (l *Ledger) SettleExitFee(caller [20]byte, grossUnits *big.Int) (*big.Int, [20]byte, error) {
	if err := l.requireQueue(caller); err != nil {
		return nil, [20]byte{}, err
	}
	return feeUnits(grossUnits, l.cfg.ExitRateBps), l.cfg.ExitRecipient, nil
}

// Claim pays accumulated entitlement out to the caller from the configured
// payout source and reduces the recorded balance. Claims above the
// entitlement fail.
func (l *Ledger) Claim(caller [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil || l.payout == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: claim amount must be positive", ErrInvalidAmount)
	}
	entitlement, err := l.store.FeeEntitlement(caller)
	if err != nil {
		return err
	}
	if entitlement.Cmp(amount) < 0 {
		return fmt.Errorf("%w: entitled %s, requested %s", ErrInsufficientEntitlement, entitlement, amount)
	}
	if err := l.payout.Transfer(l.cfg.PayoutSource, caller, amount); err != nil {
		return err
	}
	remaining := new(big.Int).Sub(entitlement, amount)
	if err := l.store.SetFeeEntitlement(caller, remaining); err != nil {
		return err
	}
	owed, err := l.store.FeeTotalOwed()
	if err != nil {
		return err
	}
	if err := l.store.SetFeeTotalOwed(new(big.Int).Sub(owed, amount)); err != nil {
		return err
	}
	l.emit(events.FeeClaimed{Recipient: caller, Amount: new(big.Int).Set(amount), Remaining: remaining})
	return nil
}

// SetManagementRate changes the management rate prospectively: when the
// tracker is already accruing, the elapsed time is settled at the old rate
// first so no retroactive re-rating occurs.
func (l *Ledger) SetManagementRate(caller [20]byte, rateBps uint16, totalPositionsValue *big.Int) error {
	if l == nil || l.management == nil {
		return ErrNilState
	}
	last, err := l.management.LastSettled()
	if err != nil {
		return err
	}
	if last != 0 {
		netValue, err := l.netValue(totalPositionsValue)
		if err != nil {
			return err
		}
		if err := l.settleManagement(netValue); err != nil {
			return err
		}
	}
	if err := l.management.setRate(caller, rateBps); err != nil {
		return err
	}
	l.emit(events.FeeRateUpdated{Tracker: "management", RateBps: rateBps})
	return nil
}

// SetPerformanceRate changes the performance rate. The mark is price-anchored
// so no settlement is required first.
func (l *Ledger) SetPerformanceRate(caller [20]byte, rateBps uint16) error {
	if l == nil || l.performance == nil {
		return ErrNilState
	}
	if err := l.performance.setRate(caller, rateBps); err != nil {
		return err
	}
	l.emit(events.FeeRateUpdated{Tracker: "performance", RateBps: rateBps})
	return nil
}

// ResetManagement initializes the management tracker accrual anchor.
func (l *Ledger) ResetManagement(caller [20]byte) error {
	if l == nil || l.management == nil {
		return ErrNilState
	}
	return l.management.Reset(caller)
}

// ResetPerformanceMark initializes or re-anchors the high-water mark.
func (l *Ledger) ResetPerformanceMark(caller [20]byte, mark *big.Int) error {
	if l == nil || l.performance == nil {
		return ErrNilState
	}
	return l.performance.ResetMark(caller, mark)
}

// Management exposes the tracker for read-only inspection.
func (l *Ledger) Management() *ManagementTracker { return l.management }

// Performance exposes the tracker for read-only inspection.
func (l *Ledger) Performance() *PerformanceTracker { return l.performance }

func (l *Ledger) settleManagement(netValue *big.Int) error {
	due, settledAt, err := l.management.settle(netValue)
	if err != nil {
		return err
	}
	if due.Sign() > 0 {
		if err := l.credit(l.cfg.ManagementRecipient, due); err != nil {
			return err
		}
	}
	l.emit(events.ManagementFeeSettled{Recipient: l.cfg.ManagementRecipient, ValueDue: due, SettledAt: settledAt})
	return nil
}

func (l *Ledger) settlePerformance(netValue *big.Int) error {
	supply, err := l.supply.TotalUnits()
	if err != nil {
		return err
	}
	due, mark, err := l.performance.settle(netValue, supply)
	if err != nil {
		return err
	}
	if due.Sign() > 0 {
		if err := l.credit(l.cfg.PerformanceRecipient, due); err != nil {
			return err
		}
	}
	l.emit(events.PerformanceFeeSettled{
		Recipient:     l.cfg.PerformanceRecipient,
		ValueDue:      due,
		HighWaterMark: mark,
		SettledAt:     l.nowFn(),
	})
	return nil
}

func (l *Ledger) credit(recipient [20]byte, amount *big.Int) error {
	entitlement, err := l.store.FeeEntitlement(recipient)
	if err != nil {
		return err
	}
	if err := l.store.SetFeeEntitlement(recipient, new(big.Int).Add(entitlement, amount)); err != nil {
		return err
	}
	owed, err := l.store.FeeTotalOwed()
	if err != nil {
		return err
	}
	return l.store.SetFeeTotalOwed(new(big.Int).Add(owed, amount))
}

// netValue derives the NAV from aggregate position value by deducting the
// value already owed to fee recipients.
func (l *Ledger) netValue(totalPositionsValue *big.Int) (*big.Int, error) {
	if totalPositionsValue == nil {
		return nil, fmt.Errorf("%w: positions value required", ErrInvalidAmount)
	}
	owed, err := l.store.FeeTotalOwed()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(totalPositionsValue, owed), nil
}

func (l *Ledger) requireSettler(caller [20]byte) error {
	if l == nil || l.store == nil {
		return ErrNilState
	}
	if caller == l.cfg.Settler {
		return nil
	}
	privileged, err := l.roles.IsPrivileged(caller)
	if err != nil {
		return err
	}
	if !privileged {
		return ErrUnauthorized
	}
	return nil
}

func (l *Ledger) requireQueue(caller [20]byte) error {
	if l == nil {
		return ErrNilState
	}
	if _, ok := l.queues[caller]; !ok {
		return ErrUnauthorized
	}
	return nil
}

func feeUnits(gross *big.Int, rateBps uint16) *big.Int {
	if gross == nil || gross.Sign() <= 0 || rateBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(gross, big.NewInt(int64(rateBps)))
	return fee.Div(fee, big.NewInt(BpsDenominator))
}
