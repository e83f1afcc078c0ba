package fund

import (
	"errors"
	"fmt"
	"math/big"

	"onyxfund/core/events"
)

// RequestDeposit pulls the deposit asset from the caller into queue escrow
// and enqueues a pending request. Caller, controller and owner must be the
// same account.
func (e *Engine) RequestDeposit(caller, controller, owner [20]byte, amount *big.Int) (*Request, error) {
	if e == nil || e.custody == nil {
		return nil, ErrNilState
	}
	req, err := e.enqueue(QueueDeposit, caller, controller, owner, amount)
	if err != nil {
		return nil, err
	}
	if err := e.custody.Transfer(caller, e.cfg.Address, req.Amount); err != nil {
		// Escrow failed; the freshly created record must not survive. A
		// record with no backing escrow would refund from other
		// depositors' escrow on cancellation.
		if derr := e.state.FundDeleteRequest(QueueDeposit, req.ID); derr != nil {
			return nil, errors.Join(err, fmt.Errorf("fund: drop request %d after failed escrow: %w", req.ID, derr))
		}
		return nil, err
	}
	e.emit(events.DepositRequested{
		ID:             req.ID,
		Controller:     req.Controller,
		Amount:         new(big.Int).Set(req.Amount),
		CanCancelAfter: req.CanCancelAfter,
	})
	return req.Clone(), nil
}

// CancelDeposit refunds the exact escrowed asset amount to the controller
// once the minimum holding period has elapsed. No fee is charged.
func (e *Engine) CancelDeposit(caller [20]byte, id uint64) error {
	if e == nil || e.custody == nil {
		return ErrNilState
	}
	req, err := e.dequeueForCancel(QueueDeposit, caller, id)
	if err != nil {
		return err
	}
	if err := e.custody.Transfer(e.cfg.Address, req.Controller, req.Amount); err != nil {
		return err
	}
	e.emit(events.DepositCancelled{ID: req.ID, Controller: req.Controller, Amount: new(big.Int).Set(req.Amount)})
	return nil
}

type depositFill struct {
	req     *Request
	gross   *big.Int
	fee     *big.Int
	net     *big.Int
	feeRcpt [20]byte
}

// ExecuteDepositRequests prices and fulfils the supplied request ids as one
// atomic batch. The unit price is fetched once and shared by every request.
// The plan phase reads and validates everything without mutating; a missing
// or duplicate id, or any request resolving to zero net units, fails the
// whole batch before any state change. The apply phase then deletes
// requests, mints units and sweeps the aggregate deposit amount in a single
// custody movement.
func (e *Engine) ExecuteDepositRequests(caller [20]byte, ids []uint64) error {
	if e == nil || e.state == nil || e.units == nil || e.pricer == nil || e.fees == nil || e.custody == nil {
		return ErrNilState
	}
	if err := e.requirePrivileged(caller); err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrEmptyBatch
	}
	price, err := e.batchPrice()
	if err != nil {
		return err
	}

	fills := make([]depositFill, 0, len(ids))
	totalAssets := big.NewInt(0)
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: deposit request %d already consumed in this batch", ErrRequestNotFound, id)
		}
		seen[id] = struct{}{}
		req, ok, err := e.state.FundGetRequest(QueueDeposit, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: deposit request %d", ErrRequestNotFound, id)
		}
		value, err := e.pricer.ConvertAssetToValue(e.cfg.DepositAsset, req.Amount)
		if err != nil {
			return err
		}
		gross := grossUnitsForValue(value, price)
		fee, feeRcpt, err := e.fees.SettleEntranceFee(e.cfg.Address, gross)
		if err != nil {
			return err
		}
		net := new(big.Int).Sub(gross, fee)
		if net.Sign() <= 0 {
			return fmt.Errorf("%w: deposit request %d", ErrZeroUnits, id)
		}
		totalAssets.Add(totalAssets, req.Amount)
		fills = append(fills, depositFill{req: req, gross: gross, fee: fee, net: net, feeRcpt: feeRcpt})
	}

	for _, fill := range fills {
		if err := e.state.FundDeleteRequest(QueueDeposit, fill.req.ID); err != nil {
			return err
		}
		if err := e.units.MintFor(e.cfg.Address, fill.req.Controller, fill.net); err != nil {
			return err
		}
		if fill.fee.Sign() > 0 {
			if err := e.units.MintFor(e.cfg.Address, fill.feeRcpt, fill.fee); err != nil {
				return err
			}
			e.emit(events.EntranceFeeSettled{Recipient: fill.feeRcpt, FeeUnits: fill.fee, GrossUnits: fill.gross})
		}
		e.emit(events.DepositExecuted{
			ID:          fill.req.ID,
			Controller:  fill.req.Controller,
			AssetAmount: new(big.Int).Set(fill.req.Amount),
			NetUnits:    fill.net,
			FeeUnits:    fill.fee,
			Price:       new(big.Int).Set(price),
		})
	}
	if totalAssets.Sign() > 0 {
		if err := e.custody.Transfer(e.cfg.Address, e.cfg.DepositDestination, totalAssets); err != nil {
			return err
		}
	}
	return nil
}
