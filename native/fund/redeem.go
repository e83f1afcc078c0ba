package fund

import (
	"errors"
	"fmt"
	"math/big"

	"onyxfund/core/events"
	"onyxfund/native/valuation"
)

// RequestRedeem escrows the caller's units into the queue via an unvalidated
// ledger transfer and enqueues a pending request. Caller, controller and
// owner must be the same account.
func (e *Engine) RequestRedeem(caller, controller, owner [20]byte, units *big.Int) (*Request, error) {
	if e == nil || e.units == nil {
		return nil, ErrNilState
	}
	req, err := e.enqueue(QueueRedeem, caller, controller, owner, units)
	if err != nil {
		return nil, err
	}
	if err := e.units.AuthTransfer(e.cfg.Address, caller, e.cfg.Address, req.Amount); err != nil {
		if derr := e.state.FundDeleteRequest(QueueRedeem, req.ID); derr != nil {
			return nil, errors.Join(err, fmt.Errorf("fund: drop request %d after failed escrow: %w", req.ID, derr))
		}
		return nil, err
	}
	e.emit(events.RedeemRequested{
		ID:             req.ID,
		Controller:     req.Controller,
		Units:          new(big.Int).Set(req.Amount),
		CanCancelAfter: req.CanCancelAfter,
	})
	return req.Clone(), nil
}

// CancelRedeem returns the escrowed units to the controller, unvalidated,
// once the minimum holding period has elapsed.
func (e *Engine) CancelRedeem(caller [20]byte, id uint64) error {
	if e == nil || e.units == nil {
		return ErrNilState
	}
	req, err := e.dequeueForCancel(QueueRedeem, caller, id)
	if err != nil {
		return err
	}
	if err := e.units.AuthTransfer(e.cfg.Address, e.cfg.Address, req.Controller, req.Amount); err != nil {
		return err
	}
	e.emit(events.RedeemCancelled{ID: req.ID, Controller: req.Controller, Units: new(big.Int).Set(req.Amount)})
	return nil
}

type redeemFill struct {
	req     *Request
	fee     *big.Int
	net     *big.Int
	payout  *big.Int
	feeRcpt [20]byte
}

// ExecuteRedeemRequests prices and fulfils the supplied request ids as one
// atomic batch at a single unit price. Exit fee units move to the fee
// recipient, the net units are burned from queue escrow, and each controller
// is paid its asset amount individually because the recipient varies per
// request. Validation completes before any mutation, mirroring the deposit
// path.
func (e *Engine) ExecuteRedeemRequests(caller [20]byte, ids []uint64) error {
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

	fills := make([]redeemFill, 0, len(ids))
	totalPayout := big.NewInt(0)
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: redeem request %d already consumed in this batch", ErrRequestNotFound, id)
		}
		seen[id] = struct{}{}
		req, ok, err := e.state.FundGetRequest(QueueRedeem, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: redeem request %d", ErrRequestNotFound, id)
		}
		fee, feeRcpt, err := e.fees.SettleExitFee(e.cfg.Address, req.Amount)
		if err != nil {
			return err
		}
		net := new(big.Int).Sub(req.Amount, fee)
		if net.Sign() <= 0 {
			return fmt.Errorf("%w: redeem request %d", ErrZeroUnits, id)
		}
		value := valuation.CalcValueOfShares(price, net)
		payout, err := e.pricer.ConvertValueToAsset(e.cfg.DepositAsset, value)
		if err != nil {
			return err
		}
		totalPayout.Add(totalPayout, payout)
		fills = append(fills, redeemFill{req: req, fee: fee, net: net, payout: payout, feeRcpt: feeRcpt})
	}
	sourceBalance, err := e.custody.BalanceOf(e.cfg.PayoutSource)
	if err != nil {
		return err
	}
	if sourceBalance.Cmp(totalPayout) < 0 {
		return fmt.Errorf("fund: payout source holds %s, batch requires %s", sourceBalance, totalPayout)
	}

	for _, fill := range fills {
		if err := e.state.FundDeleteRequest(QueueRedeem, fill.req.ID); err != nil {
			return err
		}
		if fill.fee.Sign() > 0 {
			if err := e.units.AuthTransfer(e.cfg.Address, e.cfg.Address, fill.feeRcpt, fill.fee); err != nil {
				return err
			}
			e.emit(events.ExitFeeSettled{Recipient: fill.feeRcpt, FeeUnits: fill.fee, GrossUnits: new(big.Int).Set(fill.req.Amount)})
		}
		if err := e.units.BurnFor(e.cfg.Address, e.cfg.Address, fill.net); err != nil {
			return err
		}
		if fill.payout.Sign() > 0 {
			if err := e.custody.Transfer(e.cfg.PayoutSource, fill.req.Controller, fill.payout); err != nil {
				return err
			}
		}
		e.emit(events.RedeemExecuted{
			ID:          fill.req.ID,
			Controller:  fill.req.Controller,
			NetUnits:    fill.net,
			FeeUnits:    fill.fee,
			AssetAmount: fill.payout,
			Price:       new(big.Int).Set(price),
		})
	}
	return nil
}
