package gateway

import (
	"encoding/hex"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"onyxfund/native/fund"
	"onyxfund/native/oracle"
)

type requestView struct {
	ID             uint64 `json:"id"`
	Controller     string `json:"controller"`
	Amount         string `json:"amount"`
	CanCancelAfter int64  `json:"can_cancel_after"`
}

func viewRequest(req *fund.Request) requestView {
	return requestView{
		ID:             req.ID,
		Controller:     hex.EncodeToString(req.Controller[:]),
		Amount:         req.Amount.String(),
		CanCancelAfter: req.CanCancelAfter,
	}
}

// --- valuation reads ---

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price, asOf, err := s.valuation.PriceOrDefault()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObservePrice(price)
	}
	writeJSON(w, http.StatusOK, map[string]any{"price": price.String(), "as_of": asOf})
}

func (s *Server) handleNAV(w http.ResponseWriter, r *http.Request) {
	nav, asOf, err := s.valuation.UnitValue()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nav": nav.String(), "as_of": asOf})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.units.TotalUnits()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"supply": supply.String()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.units.BalanceOf(addr)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleTotalOwed(w http.ResponseWriter, r *http.Request) {
	owed, err := s.fees.TotalValueOwed()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"total_owed": owed.String()})
}

func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entitlement, err := s.fees.EntitlementOf(addr)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"entitlement": entitlement.String()})
}

// --- unit transfers ---

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddr(body.To)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.units.Transfer(from, to, amount) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	owner, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Spender string `json:"spender"`
		Amount  string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	spender, err := parseAddr(body.Spender)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.units.Approve(owner, spender, amount) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	spender, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseAddr(body.From)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddr(body.To)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.units.TransferFrom(spender, from, to, amount) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- request queues ---

func requestID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.fund.PendingDeposit(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRequest(req))
}

func (s *Server) handleGetRedeem(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.fund.PendingRedeem(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRequest(req))
}

func (s *Server) handleRequestDeposit(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req *fund.Request
	err = s.atomically(func() error {
		req, err = s.fund.RequestDeposit(acct, acct, acct, amount)
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RequestsSubmitted.WithLabelValues(fund.QueueDeposit).Inc()
	}
	writeJSON(w, http.StatusCreated, viewRequest(req))
}

func (s *Server) handleCancelDeposit(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := requestID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request id")
		return
	}
	if err := s.atomically(func() error { return s.fund.CancelDeposit(acct, id) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RequestsCancelled.WithLabelValues(fund.QueueDeposit).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRequestRedeem(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Units string `json:"units"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	unitAmount, err := parseAmount(body.Units)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req *fund.Request
	err = s.atomically(func() error {
		req, err = s.fund.RequestRedeem(acct, acct, acct, unitAmount)
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RequestsSubmitted.WithLabelValues(fund.QueueRedeem).Inc()
	}
	writeJSON(w, http.StatusCreated, viewRequest(req))
}

func (s *Server) handleCancelRedeem(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := requestID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request id")
		return
	}
	if err := s.atomically(func() error { return s.fund.CancelRedeem(acct, id) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RequestsCancelled.WithLabelValues(fund.QueueRedeem).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) executeBatch(w http.ResponseWriter, r *http.Request, queue string, run func([20]byte, []uint64) error) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		IDs []uint64 `json:"ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return run(acct, body.IDs) }); err != nil {
		if s.metrics != nil {
			s.metrics.BatchesExecuted.WithLabelValues(queue, "error").Inc()
		}
		s.respondError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.BatchesExecuted.WithLabelValues(queue, "ok").Inc()
		s.metrics.RequestsExecuted.WithLabelValues(queue).Add(float64(len(body.IDs)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "executed", "count": len(body.IDs)})
}

func (s *Server) handleExecuteDeposits(w http.ResponseWriter, r *http.Request) {
	s.executeBatch(w, r, fund.QueueDeposit, s.fund.ExecuteDepositRequests)
}

func (s *Server) handleExecuteRedeems(w http.ResponseWriter, r *http.Request) {
	s.executeBatch(w, r, fund.QueueRedeem, s.fund.ExecuteRedeemRequests)
}

// --- fees ---

func (s *Server) handleSettleFees(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Tracker string `json:"tracker"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tracker := body.Tracker
	switch tracker {
	case "management", "performance":
	case "", "all":
		tracker = "all"
	default:
		writeError(w, r, http.StatusBadRequest, "unknown tracker")
		return
	}
	err = s.atomically(func() error {
		positions, err := s.valuation.TotalPositionsValue()
		if err != nil {
			return err
		}
		switch tracker {
		case "management":
			return s.fees.SettleManagementFee(acct, positions)
		case "performance":
			return s.fees.SettlePerformanceFee(acct, positions)
		default:
			return s.fees.SettleDynamicFees(acct, positions)
		}
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.FeeSettlements.WithLabelValues(tracker, "error").Inc()
		}
		s.respondError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.FeeSettlements.WithLabelValues(tracker, "ok").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.fees.Claim(acct, amount) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

func (s *Server) handleSetManagementRate(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		RateBps uint16 `json:"rate_bps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err = s.atomically(func() error {
		positions, err := s.valuation.TotalPositionsValue()
		if err != nil {
			return err
		}
		return s.fees.SetManagementRate(acct, body.RateBps, positions)
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetPerformanceRate(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		RateBps uint16 `json:"rate_bps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.fees.SetPerformanceRate(acct, body.RateBps) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResetManagement(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.fees.ResetManagement(acct) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResetMark(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Mark string `json:"mark"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mark, err := parseAmount(body.Mark)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.fees.ResetPerformanceMark(acct, mark) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- oracle ---

// handleSubmitReading accepts an oracle price reading. Readings drive the
// valuation used for pricing and payouts, so submission is gated to
// privileged accounts.
func (s *Server) handleSubmitReading(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	privileged, err := s.units.Roles().IsPrivileged(acct)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !privileged {
		writeError(w, r, http.StatusForbidden, "oracle submissions are privileged")
		return
	}
	asset := chi.URLParam(r, "asset")
	feed, ok := s.feeds[asset]
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown asset")
		return
	}
	var body struct {
		Rate      string `json:"rate"`
		Decimals  uint8  `json:"decimals"`
		UpdatedAt int64  `json:"updated_at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rateValue, ok := new(big.Int).SetString(body.Rate, 10)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid rate")
		return
	}
	reading := oracle.Reading{Rate: rateValue, Decimals: body.Decimals, UpdatedAt: body.UpdatedAt}
	if err := feed.Submit(reading); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// --- roles and ownership ---

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.mutateRole(w, r, s.units.Roles().Grant)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.mutateRole(w, r, s.units.Roles().Revoke)
}

func (s *Server) mutateRole(w http.ResponseWriter, r *http.Request, apply func([20]byte, string, [20]byte) error) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Role    string `json:"role"`
		Address string `json:"address"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target, err := parseAddr(body.Address)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return apply(acct, body.Role, target) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Pending string `json:"pending"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pending, err := parseAddr(body.Pending)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.units.Roles().TransferOwnership(acct, pending) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAcceptOwnership(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.units.Roles().AcceptOwnership(acct) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- custody ---

// handleCustodyCredit records an inbound settlement-asset movement. The book
// itself has no caller concept, so the gateway gates it to privileged
// accounts.
func (s *Server) handleCustodyCredit(w http.ResponseWriter, r *http.Request) {
	acct, err := caller(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	privileged, err := s.units.Roles().IsPrivileged(acct)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !privileged {
		writeError(w, r, http.StatusForbidden, "custody credits are privileged")
		return
	}
	var body struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddr(body.To)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.atomically(func() error { return s.custody.Credit(to, amount) }); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
}

func (s *Server) handleCustodyBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.custody.BalanceOf(addr)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}
