package fund

import (
	"errors"
	"math/big"
)

// Queue identifiers used to key the two independent request id streams.
const (
	QueueDeposit = "deposit"
	QueueRedeem  = "redeem"
)

var (
	ErrNilState         = errors.New("fund: state not configured")
	ErrUnauthorized     = errors.New("fund: unauthorized caller")
	ErrInvalidAmount    = errors.New("fund: invalid amount")
	ErrRequestNotFound  = errors.New("fund: request not found")
	ErrTimingNotElapsed = errors.New("fund: minimum request duration not elapsed")
	ErrZeroUnits        = errors.New("fund: request resolves to zero net units")
	ErrEmptyBatch       = errors.New("fund: no request ids supplied")
	ErrNotAdmitted      = errors.New("fund: controller not admitted by policy")
)

// Request is a pending deposit or redeem. Amount is the escrowed asset
// amount for deposits and the escrowed unit amount for redeems. Requests are
// immutable once created and deleted on cancellation or execution; ids are
// never reused.
type Request struct {
	ID             uint64
	Controller     [20]byte
	Amount         *big.Int
	CanCancelAfter int64
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}

// QueueStore abstracts the persisted request queues: the per-queue id
// counters and the pending request records.
type QueueStore interface {
	FundNextRequestID(queue string) (uint64, error)
	FundPutRequest(queue string, req *Request) error
	FundGetRequest(queue string, id uint64) (*Request, bool, error)
	FundDeleteRequest(queue string, id uint64) error
}

// UnitsLedger is the slice of the ownership ledger the queues drive:
// authorized supply changes and unvalidated escrow moves.
type UnitsLedger interface {
	MintFor(caller, to [20]byte, amount *big.Int) error
	BurnFor(caller, from [20]byte, amount *big.Int) error
	AuthTransfer(caller, from, to [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
}

// Pricer supplies the batch price and asset conversions from the valuation
// engine.
type Pricer interface {
	PriceOrDefault() (*big.Int, int64, error)
	ConvertAssetToValue(asset string, amount *big.Int) (*big.Int, error)
	ConvertValueToAsset(asset string, value *big.Int) (*big.Int, error)
}

// FeeSettler computes entrance/exit fee units for the queues.
type FeeSettler interface {
	SettleEntranceFee(caller [20]byte, grossUnits *big.Int) (*big.Int, [20]byte, error)
	SettleExitFee(caller [20]byte, grossUnits *big.Int) (*big.Int, [20]byte, error)
}

// Custody moves the external settlement asset.
type Custody interface {
	Transfer(from, to [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
}

// AdmissionPolicy is the external restriction policy controllers must pass.
type AdmissionPolicy interface {
	Allowed(addr [20]byte) (bool, error)
}

type privilegeChecker interface {
	IsPrivileged(addr [20]byte) (bool, error)
}
