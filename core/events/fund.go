package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"onyxfund/core/types"
)

const (
	TypeUnitsTransferred         = "units.transferred"
	TypeUnitsMinted              = "units.minted"
	TypeUnitsBurned              = "units.burned"
	TypeRoleGranted              = "units.role.granted"
	TypeRoleRevoked              = "units.role.revoked"
	TypeOwnershipTransferStarted = "units.ownership.transfer_started"
	TypeOwnershipTransferred     = "units.ownership.transferred"

	TypeManagementFeeSettled  = "fees.management.settled"
	TypePerformanceFeeSettled = "fees.performance.settled"
	TypeEntranceFeeSettled    = "fees.entrance.settled"
	TypeExitFeeSettled        = "fees.exit.settled"
	TypeFeeClaimed            = "fees.claimed"
	TypeFeeRateUpdated        = "fees.rate.updated"

	TypeDepositRequested = "fund.deposit.requested"
	TypeDepositCancelled = "fund.deposit.cancelled"
	TypeDepositExecuted  = "fund.deposit.executed"
	TypeRedeemRequested  = "fund.redeem.requested"
	TypeRedeemCancelled  = "fund.redeem.cancelled"
	TypeRedeemExecuted   = "fund.redeem.executed"

	TypeOracleReadingSubmitted = "oracle.reading.submitted"
)

// UnitsTransferred records a fungible unit transfer between two holders.
type UnitsTransferred struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (UnitsTransferred) EventType() string { return TypeUnitsTransferred }

func (e UnitsTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeUnitsTransferred,
		Attributes: map[string]string{
			"from":   addrToString(e.From),
			"to":     addrToString(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

// UnitsMinted records a supply increase performed by an authorized minter.
type UnitsMinted struct {
	Minter [20]byte
	To     [20]byte
	Amount *big.Int
}

func (UnitsMinted) EventType() string { return TypeUnitsMinted }

func (e UnitsMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeUnitsMinted,
		Attributes: map[string]string{
			"minter": addrToString(e.Minter),
			"to":     addrToString(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}

// UnitsBurned records a supply decrease performed by an authorized burner.
type UnitsBurned struct {
	Burner [20]byte
	From   [20]byte
	Amount *big.Int
}

func (UnitsBurned) EventType() string { return TypeUnitsBurned }

func (e UnitsBurned) Event() *types.Event {
	return &types.Event{
		Type: TypeUnitsBurned,
		Attributes: map[string]string{
			"burner": addrToString(e.Burner),
			"from":   addrToString(e.From),
			"amount": formatAmount(e.Amount),
		},
	}
}

// RoleGranted records an account being added to a role set.
type RoleGranted struct {
	Role    string
	Account [20]byte
}

func (RoleGranted) EventType() string { return TypeRoleGranted }

func (e RoleGranted) Event() *types.Event {
	return &types.Event{
		Type: TypeRoleGranted,
		Attributes: map[string]string{
			"role":    e.Role,
			"account": addrToString(e.Account),
		},
	}
}

// RoleRevoked records an account being removed from a role set.
type RoleRevoked struct {
	Role    string
	Account [20]byte
}

func (RoleRevoked) EventType() string { return TypeRoleRevoked }

func (e RoleRevoked) Event() *types.Event {
	return &types.Event{
		Type: TypeRoleRevoked,
		Attributes: map[string]string{
			"role":    e.Role,
			"account": addrToString(e.Account),
		},
	}
}

// OwnershipTransferStarted records the first leg of the two-step owner handoff.
type OwnershipTransferStarted struct {
	Current [20]byte
	Pending [20]byte
}

func (OwnershipTransferStarted) EventType() string { return TypeOwnershipTransferStarted }

func (e OwnershipTransferStarted) Event() *types.Event {
	return &types.Event{
		Type: TypeOwnershipTransferStarted,
		Attributes: map[string]string{
			"current": addrToString(e.Current),
			"pending": addrToString(e.Pending),
		},
	}
}

// OwnershipTransferred records the completion of the owner handoff.
type OwnershipTransferred struct {
	Previous [20]byte
	New      [20]byte
}

func (OwnershipTransferred) EventType() string { return TypeOwnershipTransferred }

func (e OwnershipTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeOwnershipTransferred,
		Attributes: map[string]string{
			"previous": addrToString(e.Previous),
			"new":      addrToString(e.New),
		},
	}
}

// ManagementFeeSettled records a management fee accrual against the supplied
// net value.
type ManagementFeeSettled struct {
	Recipient [20]byte
	ValueDue  *big.Int
	SettledAt int64
}

func (ManagementFeeSettled) EventType() string { return TypeManagementFeeSettled }

func (e ManagementFeeSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeManagementFeeSettled,
		Attributes: map[string]string{
			"recipient": addrToString(e.Recipient),
			"valueDue":  formatAmount(e.ValueDue),
			"settledAt": intToString(e.SettledAt),
		},
	}
}

// PerformanceFeeSettled records a performance fee accrual and the resulting
// high-water mark.
type PerformanceFeeSettled struct {
	Recipient     [20]byte
	ValueDue      *big.Int
	HighWaterMark *big.Int
	SettledAt     int64
}

func (PerformanceFeeSettled) EventType() string { return TypePerformanceFeeSettled }

func (e PerformanceFeeSettled) Event() *types.Event {
	return &types.Event{
		Type: TypePerformanceFeeSettled,
		Attributes: map[string]string{
			"recipient":     addrToString(e.Recipient),
			"valueDue":      formatAmount(e.ValueDue),
			"highWaterMark": formatAmount(e.HighWaterMark),
			"settledAt":     intToString(e.SettledAt),
		},
	}
}

// EntranceFeeSettled records entrance fee units routed to the fee recipient
// during deposit execution.
type EntranceFeeSettled struct {
	Recipient  [20]byte
	FeeUnits   *big.Int
	GrossUnits *big.Int
}

func (EntranceFeeSettled) EventType() string { return TypeEntranceFeeSettled }

func (e EntranceFeeSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeEntranceFeeSettled,
		Attributes: map[string]string{
			"recipient":  addrToString(e.Recipient),
			"feeUnits":   formatAmount(e.FeeUnits),
			"grossUnits": formatAmount(e.GrossUnits),
		},
	}
}

// ExitFeeSettled records exit fee units routed to the fee recipient during
// redeem execution.
type ExitFeeSettled struct {
	Recipient  [20]byte
	FeeUnits   *big.Int
	GrossUnits *big.Int
}

func (ExitFeeSettled) EventType() string { return TypeExitFeeSettled }

func (e ExitFeeSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeExitFeeSettled,
		Attributes: map[string]string{
			"recipient":  addrToString(e.Recipient),
			"feeUnits":   formatAmount(e.FeeUnits),
			"grossUnits": formatAmount(e.GrossUnits),
		},
	}
}

// FeeClaimed records a recipient drawing down accrued entitlement.
type FeeClaimed struct {
	Recipient [20]byte
	Amount    *big.Int
	Remaining *big.Int
}

func (FeeClaimed) EventType() string { return TypeFeeClaimed }

func (e FeeClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeFeeClaimed,
		Attributes: map[string]string{
			"recipient": addrToString(e.Recipient),
			"amount":    formatAmount(e.Amount),
			"remaining": formatAmount(e.Remaining),
		},
	}
}

// FeeRateUpdated records a privileged fee rate change.
type FeeRateUpdated struct {
	Tracker string
	RateBps uint16
}

func (FeeRateUpdated) EventType() string { return TypeFeeRateUpdated }

func (e FeeRateUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeFeeRateUpdated,
		Attributes: map[string]string{
			"tracker": e.Tracker,
			"rateBps": strconv.FormatUint(uint64(e.RateBps), 10),
		},
	}
}

// DepositRequested records a newly enqueued deposit request.
type DepositRequested struct {
	ID             uint64
	Controller     [20]byte
	Amount         *big.Int
	CanCancelAfter int64
}

func (DepositRequested) EventType() string { return TypeDepositRequested }

func (e DepositRequested) Event() *types.Event {
	return &types.Event{
		Type: TypeDepositRequested,
		Attributes: map[string]string{
			"id":             strconv.FormatUint(e.ID, 10),
			"controller":     addrToString(e.Controller),
			"amount":         formatAmount(e.Amount),
			"canCancelAfter": intToString(e.CanCancelAfter),
		},
	}
}

// DepositCancelled records a deposit request refund.
type DepositCancelled struct {
	ID         uint64
	Controller [20]byte
	Amount     *big.Int
}

func (DepositCancelled) EventType() string { return TypeDepositCancelled }

func (e DepositCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeDepositCancelled,
		Attributes: map[string]string{
			"id":         strconv.FormatUint(e.ID, 10),
			"controller": addrToString(e.Controller),
			"amount":     formatAmount(e.Amount),
		},
	}
}

// DepositExecuted records the fulfilment of one deposit request within an
// executed batch. Price is the unit price shared by the whole batch.
type DepositExecuted struct {
	ID          uint64
	Controller  [20]byte
	AssetAmount *big.Int
	NetUnits    *big.Int
	FeeUnits    *big.Int
	Price       *big.Int
}

func (DepositExecuted) EventType() string { return TypeDepositExecuted }

func (e DepositExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeDepositExecuted,
		Attributes: map[string]string{
			"id":          strconv.FormatUint(e.ID, 10),
			"controller":  addrToString(e.Controller),
			"assetAmount": formatAmount(e.AssetAmount),
			"netUnits":    formatAmount(e.NetUnits),
			"feeUnits":    formatAmount(e.FeeUnits),
			"price":       formatAmount(e.Price),
		},
	}
}

// RedeemRequested records a newly enqueued redeem request with units escrowed
// into the queue.
type RedeemRequested struct {
	ID             uint64
	Controller     [20]byte
	Units          *big.Int
	CanCancelAfter int64
}

func (RedeemRequested) EventType() string { return TypeRedeemRequested }

func (e RedeemRequested) Event() *types.Event {
	return &types.Event{
		Type: TypeRedeemRequested,
		Attributes: map[string]string{
			"id":             strconv.FormatUint(e.ID, 10),
			"controller":     addrToString(e.Controller),
			"units":          formatAmount(e.Units),
			"canCancelAfter": intToString(e.CanCancelAfter),
		},
	}
}

// RedeemCancelled records escrowed units returned to the controller.
type RedeemCancelled struct {
	ID         uint64
	Controller [20]byte
	Units      *big.Int
}

func (RedeemCancelled) EventType() string { return TypeRedeemCancelled }

func (e RedeemCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeRedeemCancelled,
		Attributes: map[string]string{
			"id":         strconv.FormatUint(e.ID, 10),
			"controller": addrToString(e.Controller),
			"units":      formatAmount(e.Units),
		},
	}
}

// RedeemExecuted records the fulfilment of one redeem request within an
// executed batch.
type RedeemExecuted struct {
	ID          uint64
	Controller  [20]byte
	NetUnits    *big.Int
	FeeUnits    *big.Int
	AssetAmount *big.Int
	Price       *big.Int
}

func (RedeemExecuted) EventType() string { return TypeRedeemExecuted }

func (e RedeemExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeRedeemExecuted,
		Attributes: map[string]string{
			"id":          strconv.FormatUint(e.ID, 10),
			"controller":  addrToString(e.Controller),
			"netUnits":    formatAmount(e.NetUnits),
			"feeUnits":    formatAmount(e.FeeUnits),
			"assetAmount": formatAmount(e.AssetAmount),
			"price":       formatAmount(e.Price),
		},
	}
}

// OracleReadingSubmitted records a price feed update for an asset.
type OracleReadingSubmitted struct {
	Asset     string
	Rate      *big.Int
	Decimals  uint8
	UpdatedAt int64
}

func (OracleReadingSubmitted) EventType() string { return TypeOracleReadingSubmitted }

func (e OracleReadingSubmitted) Event() *types.Event {
	return &types.Event{
		Type: TypeOracleReadingSubmitted,
		Attributes: map[string]string{
			"asset":     e.Asset,
			"rate":      formatAmount(e.Rate),
			"decimals":  strconv.FormatUint(uint64(e.Decimals), 10),
			"updatedAt": intToString(e.UpdatedAt),
		},
	}
}

func addrToString(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}
