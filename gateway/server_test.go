package gateway

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"onyxfund/native/custody"
	"onyxfund/native/fees"
	"onyxfund/native/fund"
	"onyxfund/native/oracle"
	"onyxfund/native/units"
	"onyxfund/native/valuation"
	"onyxfund/state"
	"onyxfund/storage"
)

func addr(b byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func hexAddr(a [20]byte) string {
	return hex.EncodeToString(a[:])
}

type testEnv struct {
	server   *httptest.Server
	owner    [20]byte
	investor [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())

	owner := addr(0x01)
	investor := addr(0x02)
	queue := addr(0x03)

	registry := units.NewRegistry(mgr)
	if err := registry.InitOwner(owner); err != nil {
		t.Fatalf("init owner: %v", err)
	}
	ledger := units.NewLedger(mgr, registry)
	for _, role := range []string{units.RoleMinter, units.RoleBurner} {
		if err := registry.Grant(owner, role, queue); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}

	book := custody.NewBook(mgr)
	feed := oracle.NewFeedSource("USDC")
	reader := oracle.NewReader(feed, time.Hour)

	management := fees.NewManagementTracker(mgr, registry)
	performance := fees.NewPerformanceTracker(mgr, registry, nil)
	feeLedger, err := fees.NewLedger(mgr, management, performance, registry, ledger, book, fees.LedgerConfig{
		Settler:              owner,
		Queues:               [][20]byte{queue},
		ManagementRecipient:  addr(0x0a),
		PerformanceRecipient: addr(0x0b),
		EntranceRecipient:    addr(0x0c),
		ExitRecipient:        addr(0x0d),
		PayoutSource:         addr(0x0e),
	})
	if err != nil {
		t.Fatalf("new fee ledger: %v", err)
	}

	valEngine := valuation.NewEngine(ledger, feeLedger, nil)
	valEngine.RegisterAsset("USDC", reader, 6)

	fundEngine := fund.NewEngine(mgr, ledger, valEngine, feeLedger, book, registry, fund.Config{
		Address:            queue,
		DepositAsset:       "USDC",
		DepositDestination: addr(0x04),
		PayoutSource:       addr(0x0e),
		MinRequestDuration: 0,
	})

	server := NewServer(ServerConfig{
		Units:     ledger,
		Valuation: valEngine,
		Fees:      feeLedger,
		Fund:      fundEngine,
		Custody:   book,
		Feeds:     map[string]*oracle.FeedSource{"USDC": feed},
		Txn:       mgr,
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, owner: owner, investor: investor}
}

func (env *testEnv) do(t *testing.T, method, path, callerHex, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if callerHex != "" {
		req.Header.Set("X-Onyx-Caller", callerHex)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func TestPriceDefaultsWhileSupplyIsZero(t *testing.T) {
	env := newTestEnv(t)
	resp, payload := env.do(t, http.MethodGet, "/v1/fund/price", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["price"] != valuation.Precision.String() {
		t.Fatalf("expected default price, got %v", payload["price"])
	}
}

func TestDepositFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ownerHex := hexAddr(env.owner)
	investorHex := hexAddr(env.investor)

	// Fund the investor's custody balance, then submit a 1.0 oracle reading.
	resp, _ := env.do(t, http.MethodPost, "/v1/custody/credit", ownerHex,
		fmt.Sprintf(`{"to":%q,"amount":"1000000"}`, investorHex))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credit: expected 200, got %d", resp.StatusCode)
	}
	reading := fmt.Sprintf(`{"rate":"1000000","decimals":6,"updated_at":%d}`, time.Now().Unix())
	resp, _ = env.do(t, http.MethodPost, "/v1/oracle/USDC", ownerHex, reading)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("oracle: expected 202, got %d", resp.StatusCode)
	}

	resp, payload := env.do(t, http.MethodPost, "/v1/fund/deposits", investorHex, `{"amount":"1000000"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d (%v)", resp.StatusCode, payload)
	}
	if payload["id"] != float64(1) {
		t.Fatalf("expected request id 1, got %v", payload["id"])
	}

	resp, payload = env.do(t, http.MethodPost, "/v1/fund/deposits/execute", ownerHex, `{"ids":[1]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: expected 200, got %d (%v)", resp.StatusCode, payload)
	}

	resp, payload = env.do(t, http.MethodGet, "/v1/units/balance/"+investorHex, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", resp.StatusCode)
	}
	// 1,000,000 micro-USDC at a 1.0 rate mints exactly 1e18 units.
	if payload["balance"] != valuation.Precision.String() {
		t.Fatalf("expected 1e18 units, got %v", payload["balance"])
	}
}

func TestMutationsRequireCallerHeader(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/v1/fund/deposits", "", `{"amount":"10"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without caller header, got %d", resp.StatusCode)
	}
}

func TestUnknownRequestReturns404(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/v1/fund/deposits/99", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOracleSubmissionIsPrivileged(t *testing.T) {
	env := newTestEnv(t)
	reading := fmt.Sprintf(`{"rate":"1000000","decimals":6,"updated_at":%d}`, time.Now().Unix())

	resp, _ := env.do(t, http.MethodPost, "/v1/oracle/USDC", "", reading)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without caller header, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/oracle/USDC", hexAddr(env.investor), reading)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unprivileged submitter, got %d", resp.StatusCode)
	}
}

func TestBatchExecutionIsPrivileged(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/v1/fund/deposits/execute", hexAddr(env.investor), `{"ids":[1]}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unprivileged execution, got %d", resp.StatusCode)
	}
}

func TestRoleGrantAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	ownerHex := hexAddr(env.owner)
	target := hexAddr(addr(0x42))

	resp, _ := env.do(t, http.MethodPost, "/v1/roles/grant", ownerHex,
		fmt.Sprintf(`{"role":"admin","address":%q}`, target))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant: expected 200, got %d", resp.StatusCode)
	}
	// Granting twice conflicts.
	resp, _ = env.do(t, http.MethodPost, "/v1/roles/grant", ownerHex,
		fmt.Sprintf(`{"role":"admin","address":%q}`, target))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("regrant: expected 409, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/v1/roles/revoke", ownerHex,
		fmt.Sprintf(`{"role":"admin","address":%q}`, target))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", resp.StatusCode)
	}
}
