package fund

import (
	"fmt"
	"math/big"
	"time"

	"onyxfund/core/events"
	"onyxfund/native/valuation"
)

// Config wires the queue engine's addresses and timing parameters.
type Config struct {
	// Address is the queue component's own account: it escrows deposit
	// assets and redeem units, and must be registered as an authorized
	// minter and burner on the ownership ledger.
	Address [20]byte
	// DepositAsset names the asset accepted by the deposit queue.
	DepositAsset string
	// DepositDestination receives the aggregate deposited assets of every
	// executed batch.
	DepositDestination [20]byte
	// PayoutSource funds redemption payouts.
	PayoutSource [20]byte
	// MinRequestDuration is the holding period before a request becomes
	// cancellable.
	MinRequestDuration time.Duration
}

// Engine processes asynchronous deposit and redeem requests: it escrows funds
// or units at request time and mints or burns at the price observed when a
// privileged caller executes a batch. Execution reads and validates every
// request before any state mutation, so a batch either applies in full or
// not at all.
type Engine struct {
	state   QueueStore
	units   UnitsLedger
	pricer  Pricer
	fees    FeeSettler
	custody Custody
	policy  AdmissionPolicy
	roles   privilegeChecker
	emitter events.Emitter
	nowFn   func() int64
	cfg     Config
}

// NewEngine constructs a queue engine with a no-op emitter and no admission
// policy.
func NewEngine(state QueueStore, units UnitsLedger, pricer Pricer, fees FeeSettler, custody Custody, roles privilegeChecker, cfg Config) *Engine {
	return &Engine{
		state:   state,
		units:   units,
		pricer:  pricer,
		fees:    fees,
		custody: custody,
		roles:   roles,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		cfg:     cfg,
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetAdmissionPolicy installs the external restriction policy. A nil policy
// admits every controller.
func (e *Engine) SetAdmissionPolicy(policy AdmissionPolicy) { e.policy = policy }

// SetNowFunc overrides the engine clock, primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Address returns the queue component's own account.
func (e *Engine) Address() [20]byte { return e.cfg.Address }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// PendingDeposit returns a pending deposit request by id.
func (e *Engine) PendingDeposit(id uint64) (*Request, error) {
	return e.pending(QueueDeposit, id)
}

// PendingRedeem returns a pending redeem request by id.
func (e *Engine) PendingRedeem(id uint64) (*Request, error) {
	return e.pending(QueueRedeem, id)
}

func (e *Engine) pending(queue string, id uint64) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	req, ok, err := e.state.FundGetRequest(queue, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s request %d", ErrRequestNotFound, queue, id)
	}
	return req.Clone(), nil
}

// enqueue validates the shared request preconditions and persists a new
// request record. Delegated requests (controller != owner) are not supported
// in this version.
func (e *Engine) enqueue(queue string, caller, controller, owner [20]byte, amount *big.Int) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if caller != controller || caller != owner {
		return nil, fmt.Errorf("%w: delegated requests are not supported", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: request amount must be positive", ErrInvalidAmount)
	}
	if e.policy != nil {
		allowed, err := e.policy.Allowed(controller)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %x", ErrNotAdmitted, controller)
		}
	}
	id, err := e.state.FundNextRequestID(queue)
	if err != nil {
		return nil, err
	}
	req := &Request{
		ID:             id,
		Controller:     controller,
		Amount:         new(big.Int).Set(amount),
		CanCancelAfter: e.nowFn() + int64(e.cfg.MinRequestDuration/time.Second),
	}
	if err := e.state.FundPutRequest(queue, req); err != nil {
		return nil, err
	}
	return req, nil
}

// dequeueForCancel enforces the cancellation preconditions and removes the
// request.
func (e *Engine) dequeueForCancel(queue string, caller [20]byte, id uint64) (*Request, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	req, ok, err := e.state.FundGetRequest(queue, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s request %d", ErrRequestNotFound, queue, id)
	}
	if req.Controller != caller {
		return nil, fmt.Errorf("%w: only the request controller may cancel", ErrUnauthorized)
	}
	if e.nowFn() < req.CanCancelAfter {
		return nil, fmt.Errorf("%w: cancellable at %d", ErrTimingNotElapsed, req.CanCancelAfter)
	}
	if err := e.state.FundDeleteRequest(queue, id); err != nil {
		return nil, err
	}
	return req, nil
}

func (e *Engine) requirePrivileged(caller [20]byte) error {
	if e.roles == nil {
		return ErrNilState
	}
	privileged, err := e.roles.IsPrivileged(caller)
	if err != nil {
		return err
	}
	if !privileged {
		return fmt.Errorf("%w: batch execution is privileged", ErrUnauthorized)
	}
	return nil
}

// batchPrice fetches the unit price once per batch. Every request in the
// batch settles at this price.
func (e *Engine) batchPrice() (*big.Int, error) {
	price, _, err := e.pricer.PriceOrDefault()
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: unit price must be positive", ErrInvalidAmount)
	}
	return price, nil
}

// grossUnitsForValue converts an accounting-currency value to gross units at
// the batch price.
func grossUnitsForValue(value, price *big.Int) *big.Int {
	gross := new(big.Int).Mul(value, valuation.Precision)
	return gross.Div(gross, price)
}
