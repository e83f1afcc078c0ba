package fund

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"onyxfund/native/valuation"
)

// The harness runs the engine against in-memory collaborators with a 1.0
// oracle rate and a 6-decimal deposit asset, so 1 asset unit converts to
// 1e12 accounting value.

var assetScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

type mockState struct {
	seq      map[string]uint64
	requests map[string]map[uint64]*Request

	deleteErr error
}

func newMockState() *mockState {
	return &mockState{
		seq: make(map[string]uint64),
		requests: map[string]map[uint64]*Request{
			QueueDeposit: {},
			QueueRedeem:  {},
		},
	}
}

func (m *mockState) FundNextRequestID(queue string) (uint64, error) {
	m.seq[queue]++
	return m.seq[queue], nil
}

func (m *mockState) FundPutRequest(queue string, req *Request) error {
	m.requests[queue][req.ID] = req.Clone()
	return nil
}

func (m *mockState) FundGetRequest(queue string, id uint64) (*Request, bool, error) {
	req, ok := m.requests[queue][id]
	if !ok {
		return nil, false, nil
	}
	return req.Clone(), true, nil
}

func (m *mockState) FundDeleteRequest(queue string, id uint64) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.requests[queue], id)
	return nil
}

type mockUnits struct {
	balances map[[20]byte]*big.Int
	supply   *big.Int
	minters  map[[20]byte]bool
}

func newMockUnits() *mockUnits {
	return &mockUnits{
		balances: make(map[[20]byte]*big.Int),
		supply:   big.NewInt(0),
		minters:  make(map[[20]byte]bool),
	}
}

func (m *mockUnits) BalanceOf(addr [20]byte) (*big.Int, error) {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockUnits) set(addr [20]byte, amount *big.Int) {
	m.balances[addr] = new(big.Int).Set(amount)
}

func (m *mockUnits) MintFor(caller, to [20]byte, amount *big.Int) error {
	if !m.minters[caller] {
		return fmt.Errorf("units: unauthorized minter")
	}
	bal, _ := m.BalanceOf(to)
	m.set(to, bal.Add(bal, amount))
	m.supply = new(big.Int).Add(m.supply, amount)
	return nil
}

func (m *mockUnits) BurnFor(caller, from [20]byte, amount *big.Int) error {
	if !m.minters[caller] {
		return fmt.Errorf("units: unauthorized burner")
	}
	bal, _ := m.BalanceOf(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("units: insufficient balance")
	}
	m.set(from, bal.Sub(bal, amount))
	m.supply = new(big.Int).Sub(m.supply, amount)
	return nil
}

func (m *mockUnits) AuthTransfer(caller, from, to [20]byte, amount *big.Int) error {
	if !m.minters[caller] {
		return fmt.Errorf("units: unauthorized handler")
	}
	fromBal, _ := m.BalanceOf(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("units: insufficient balance")
	}
	toBal, _ := m.BalanceOf(to)
	m.set(from, fromBal.Sub(fromBal, amount))
	m.set(to, toBal.Add(toBal, amount))
	return nil
}

type mockPricer struct {
	price      *big.Int
	priceCalls int
}

func (m *mockPricer) PriceOrDefault() (*big.Int, int64, error) {
	m.priceCalls++
	return new(big.Int).Set(m.price), 1_000, nil
}

func (m *mockPricer) ConvertAssetToValue(asset string, amount *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(amount, assetScale), nil
}

func (m *mockPricer) ConvertValueToAsset(asset string, value *big.Int) (*big.Int, error) {
	return new(big.Int).Div(value, assetScale), nil
}

type mockFees struct {
	entranceBps int64
	exitBps     int64
	recipient   [20]byte
	lastCaller  [20]byte
}

func (m *mockFees) fee(gross *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(gross, big.NewInt(bps))
	return fee.Div(fee, big.NewInt(10_000))
}

func (m *mockFees) SettleEntranceFee(caller [20]byte, grossUnits *big.Int) (*big.Int, [20]byte, error) {
	m.lastCaller = caller
	return m.fee(grossUnits, m.entranceBps), m.recipient, nil
}

func (m *mockFees) SettleExitFee(caller [20]byte, grossUnits *big.Int) (*big.Int, [20]byte, error) {
	m.lastCaller = caller
	return m.fee(grossUnits, m.exitBps), m.recipient, nil
}

type mockCustody struct {
	balances map[[20]byte]*big.Int
}

func newMockCustody() *mockCustody {
	return &mockCustody{balances: make(map[[20]byte]*big.Int)}
}

func (m *mockCustody) BalanceOf(addr [20]byte) (*big.Int, error) {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockCustody) set(addr [20]byte, amount *big.Int) {
	m.balances[addr] = new(big.Int).Set(amount)
}

func (m *mockCustody) Transfer(from, to [20]byte, amount *big.Int) error {
	fromBal, _ := m.BalanceOf(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("custody: insufficient balance")
	}
	toBal, _ := m.BalanceOf(to)
	m.set(from, fromBal.Sub(fromBal, amount))
	m.set(to, toBal.Add(toBal, amount))
	return nil
}

type stubRoles struct {
	privileged map[[20]byte]bool
}

func (s stubRoles) IsPrivileged(addr [20]byte) (bool, error) {
	return s.privileged[addr], nil
}

func addr(b byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = b
	}
	return a
}

type harness struct {
	engine  *Engine
	state   *mockState
	units   *mockUnits
	pricer  *mockPricer
	fees    *mockFees
	custody *mockCustody
	now     *int64

	admin    [20]byte
	investor [20]byte
	queue    [20]byte
	dest     [20]byte
	source   [20]byte
	feeRcpt  [20]byte
}

func newHarness(t *testing.T, entranceBps, exitBps int64) *harness {
	t.Helper()
	h := &harness{
		state:    newMockState(),
		units:    newMockUnits(),
		custody:  newMockCustody(),
		admin:    addr(0x01),
		investor: addr(0x02),
		queue:    addr(0x03),
		dest:     addr(0x04),
		source:   addr(0x05),
		feeRcpt:  addr(0x06),
	}
	h.pricer = &mockPricer{price: new(big.Int).Set(valuation.Precision)}
	h.fees = &mockFees{entranceBps: entranceBps, exitBps: exitBps, recipient: h.feeRcpt}
	h.units.minters[h.queue] = true
	roles := stubRoles{privileged: map[[20]byte]bool{h.admin: true}}
	h.engine = NewEngine(h.state, h.units, h.pricer, h.fees, h.custody, roles, Config{
		Address:            h.queue,
		DepositAsset:       "USDC",
		DepositDestination: h.dest,
		PayoutSource:       h.source,
		MinRequestDuration: 24 * time.Hour,
	})
	now := new(int64)
	*now = 100_000
	h.engine.SetNowFunc(func() int64 { return *now })
	h.now = now
	return h
}

func (h *harness) snapshot() string {
	return fmt.Sprintf("units=%v supply=%s custody=%v deposits=%d redeems=%d",
		h.units.balances, h.units.supply, h.custody.balances,
		len(h.state.requests[QueueDeposit]), len(h.state.requests[QueueRedeem]))
}

func TestRequestDepositEscrowsAsset(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.custody.set(h.investor, big.NewInt(1_000_000))

	req, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(400_000))
	if err != nil {
		t.Fatalf("request deposit: %v", err)
	}
	if req.ID != 1 {
		t.Fatalf("expected id 1, got %d", req.ID)
	}
	if req.CanCancelAfter != 100_000+86_400 {
		t.Fatalf("unexpected CanCancelAfter %d", req.CanCancelAfter)
	}
	escrowed, _ := h.custody.BalanceOf(h.queue)
	if escrowed.Cmp(big.NewInt(400_000)) != 0 {
		t.Fatalf("expected 400000 escrowed, got %s", escrowed)
	}
}

func TestRequestDepositRejectsDelegation(t *testing.T) {
	h := newHarness(t, 0, 0)
	other := addr(0x55)
	if _, err := h.engine.RequestDeposit(h.investor, other, h.investor, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for delegated controller, got %v", err)
	}
	if _, err := h.engine.RequestDeposit(h.investor, h.investor, other, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for delegated owner, got %v", err)
	}
}

func TestRequestDepositFailedEscrowLeavesNoRecord(t *testing.T) {
	h := newHarness(t, 0, 0)
	// Investor holds nothing, so the escrow pull fails.
	if _, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(10)); err == nil {
		t.Fatalf("expected escrow failure")
	}
	if len(h.state.requests[QueueDeposit]) != 0 {
		t.Fatalf("failed request left a record behind")
	}
}

func TestRequestDepositSurfacesFailedCompensation(t *testing.T) {
	h := newHarness(t, 0, 0)
	// The escrow pull fails for lack of funds, and deleting the freshly
	// created record fails too. Both failures must reach the caller so the
	// stray record gets operator attention.
	storeDown := errors.New("store unavailable")
	h.state.deleteErr = storeDown

	_, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(10))
	if err == nil {
		t.Fatalf("expected escrow failure")
	}
	if !errors.Is(err, storeDown) {
		t.Fatalf("compensation failure not surfaced: %v", err)
	}
}

type denyAll struct{}

func (denyAll) Allowed([20]byte) (bool, error) { return false, nil }

func TestAdmissionPolicyGatesRequests(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.custody.set(h.investor, big.NewInt(100))
	h.engine.SetAdmissionPolicy(denyAll{})
	if _, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(10)); !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("expected ErrNotAdmitted, got %v", err)
	}
}

func TestCancelDepositTimingAndRefund(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.custody.set(h.investor, big.NewInt(500))
	req, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(500))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := h.engine.CancelDeposit(h.investor, req.ID); !errors.Is(err, ErrTimingNotElapsed) {
		t.Fatalf("expected ErrTimingNotElapsed, got %v", err)
	}
	*h.now = req.CanCancelAfter
	if err := h.engine.CancelDeposit(addr(0x77), req.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-controller, got %v", err)
	}
	if err := h.engine.CancelDeposit(h.investor, req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	refunded, _ := h.custody.BalanceOf(h.investor)
	if refunded.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected exact refund of 500, got %s", refunded)
	}
	if _, err := h.engine.PendingDeposit(req.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("cancelled request still pending")
	}
}

func TestExecuteDepositMintsAtBatchPrice(t *testing.T) {
	h := newHarness(t, 100, 0) // 1% entrance fee
	h.custody.set(h.investor, big.NewInt(1_000_000))
	second := addr(0x22)
	h.custody.set(second, big.NewInt(1_000_000))

	reqA, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("request a: %v", err)
	}
	reqB, err := h.engine.RequestDeposit(second, second, second, big.NewInt(500_000))
	if err != nil {
		t.Fatalf("request b: %v", err)
	}

	if err := h.engine.ExecuteDepositRequests(h.investor, []uint64{reqA.ID, reqB.ID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unprivileged execution, got %v", err)
	}
	if err := h.engine.ExecuteDepositRequests(h.admin, []uint64{reqA.ID, reqB.ID}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.pricer.priceCalls != 1 {
		t.Fatalf("expected one price fetch per batch, got %d", h.pricer.priceCalls)
	}

	// 1,000,000 micro-asset -> 1e18 value -> 1e18 gross units at price 1.0,
	// minus the 1% entrance fee.
	gross := new(big.Int).Set(valuation.Precision)
	fee := new(big.Int).Div(gross, big.NewInt(100))
	net := new(big.Int).Sub(gross, fee)
	balance, _ := h.units.BalanceOf(h.investor)
	if balance.Cmp(net) != 0 {
		t.Fatalf("expected %s net units, got %s", net, balance)
	}
	feeBal, _ := h.units.BalanceOf(h.feeRcpt)
	wantFee := new(big.Int).Add(fee, new(big.Int).Div(fee, big.NewInt(2)))
	if feeBal.Cmp(wantFee) != 0 {
		t.Fatalf("expected %s fee units, got %s", wantFee, feeBal)
	}
	if h.fees.lastCaller != h.queue {
		t.Fatalf("fee settlement not attributed to the queue account")
	}

	// The aggregate asset amount sweeps to the destination in one move.
	swept, _ := h.custody.BalanceOf(h.dest)
	if swept.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("expected 1500000 swept, got %s", swept)
	}
	left, _ := h.custody.BalanceOf(h.queue)
	if left.Sign() != 0 {
		t.Fatalf("queue escrow not emptied: %s", left)
	}
	if len(h.state.requests[QueueDeposit]) != 0 {
		t.Fatalf("executed requests not deleted")
	}
}

func TestExecuteDepositBatchAbortsUntouched(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.custody.set(h.investor, big.NewInt(1_000_000))
	req, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	before := h.snapshot()

	if err := h.engine.ExecuteDepositRequests(h.admin, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if err := h.engine.ExecuteDepositRequests(h.admin, []uint64{req.ID, 999}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if err := h.engine.ExecuteDepositRequests(h.admin, []uint64{req.ID, req.ID}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound for duplicate id, got %v", err)
	}
	if after := h.snapshot(); after != before {
		t.Fatalf("failed batch mutated state:\n before: %s\n after:  %s", before, after)
	}
}

func TestExecuteDepositRejectsZeroNetUnits(t *testing.T) {
	h := newHarness(t, 10_000-1, 0) // fee swallows nearly everything
	h.custody.set(h.investor, big.NewInt(1))
	req, err := h.engine.RequestDeposit(h.investor, h.investor, h.investor, big.NewInt(1))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	before := h.snapshot()
	// gross = 1e12, fee = 9999/10000 of it, net > 0 at this scale; shrink the
	// price instead so gross itself truncates to zero.
	h.pricer.price = new(big.Int).Mul(valuation.Precision, valuation.Precision)
	if err := h.engine.ExecuteDepositRequests(h.admin, []uint64{req.ID}); !errors.Is(err, ErrZeroUnits) {
		t.Fatalf("expected ErrZeroUnits, got %v", err)
	}
	if after := h.snapshot(); after != before {
		t.Fatalf("zero-unit batch mutated state")
	}
}

func TestRedeemLifecycle(t *testing.T) {
	h := newHarness(t, 0, 100) // 1% exit fee
	units := new(big.Int).Mul(big.NewInt(2), valuation.Precision)
	h.units.set(h.investor, units)
	h.units.supply = new(big.Int).Set(units)
	h.custody.set(h.source, big.NewInt(10_000_000))

	req, err := h.engine.RequestRedeem(h.investor, h.investor, h.investor, units)
	if err != nil {
		t.Fatalf("request redeem: %v", err)
	}
	escrowed, _ := h.units.BalanceOf(h.queue)
	if escrowed.Cmp(units) != 0 {
		t.Fatalf("expected %s units escrowed, got %s", units, escrowed)
	}

	if err := h.engine.ExecuteRedeemRequests(h.admin, []uint64{req.ID}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 2e18 gross units, 1% exit fee leaves 1.98e18 net, worth 1.98e18 value
	// at price 1.0, paying out 1,980,000 micro-asset.
	fee := new(big.Int).Div(units, big.NewInt(100))
	paid, _ := h.custody.BalanceOf(h.investor)
	if paid.Cmp(big.NewInt(1_980_000)) != 0 {
		t.Fatalf("expected payout 1980000, got %s", paid)
	}
	feeBal, _ := h.units.BalanceOf(h.feeRcpt)
	if feeBal.Cmp(fee) != 0 {
		t.Fatalf("expected fee units %s, got %s", fee, feeBal)
	}
	if h.units.supply.Cmp(fee) != 0 {
		t.Fatalf("expected only fee units outstanding, got %s", h.units.supply)
	}
}

func TestRedeemCancelReturnsEscrow(t *testing.T) {
	h := newHarness(t, 0, 0)
	units := new(big.Int).Set(valuation.Precision)
	h.units.set(h.investor, units)

	req, err := h.engine.RequestRedeem(h.investor, h.investor, h.investor, units)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	*h.now = req.CanCancelAfter
	if err := h.engine.CancelRedeem(h.investor, req.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	returned, _ := h.units.BalanceOf(h.investor)
	if returned.Cmp(units) != 0 {
		t.Fatalf("expected escrow returned, got %s", returned)
	}
}

func TestExecuteRedeemBatchAbortsUntouched(t *testing.T) {
	h := newHarness(t, 0, 0)
	units := new(big.Int).Set(valuation.Precision)
	h.units.set(h.investor, units)
	h.units.supply = new(big.Int).Set(units)
	h.custody.set(h.source, big.NewInt(10_000_000))

	req, err := h.engine.RequestRedeem(h.investor, h.investor, h.investor, units)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	before := h.snapshot()

	if err := h.engine.ExecuteRedeemRequests(h.admin, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if err := h.engine.ExecuteRedeemRequests(h.admin, []uint64{req.ID, 999}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if err := h.engine.ExecuteRedeemRequests(h.admin, []uint64{req.ID, req.ID}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound for duplicate id, got %v", err)
	}
	if after := h.snapshot(); after != before {
		t.Fatalf("failed batch mutated state:\n before: %s\n after:  %s", before, after)
	}
}

func TestExecuteRedeemChecksPayoutSourceUpfront(t *testing.T) {
	h := newHarness(t, 0, 0)
	units := new(big.Int).Set(valuation.Precision)
	h.units.set(h.investor, units)
	h.units.supply = new(big.Int).Set(units)
	// Payout source cannot cover the 1,000,000 micro-asset payout.
	h.custody.set(h.source, big.NewInt(10))

	req, err := h.engine.RequestRedeem(h.investor, h.investor, h.investor, units)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	before := h.snapshot()
	if err := h.engine.ExecuteRedeemRequests(h.admin, []uint64{req.ID}); err == nil {
		t.Fatalf("expected payout shortfall error")
	}
	if after := h.snapshot(); after != before {
		t.Fatalf("failed redeem batch mutated state")
	}
}
