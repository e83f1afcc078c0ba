package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"onyxfund/native/custody"
	"onyxfund/native/fees"
	"onyxfund/native/fund"
	"onyxfund/native/oracle"
	"onyxfund/native/units"
	"onyxfund/native/valuation"
	"onyxfund/observability/metrics"
)

// callerHeader carries the hex-encoded account address acting as the caller
// for mutating endpoints. Authentication of that identity sits in front of the
// gateway and is out of scope here.
const callerHeader = "X-Onyx-Caller"

// Txn scopes a mutation so its state writes commit atomically and mutations
// from concurrent requests never interleave.
type Txn interface {
	InUnitOfWork(fn func() error) error
}

// Server exposes the fund components over HTTP.
type Server struct {
	units     *units.Ledger
	valuation *valuation.Engine
	fees      *fees.Ledger
	fund      *fund.Engine
	custody   *custody.Book
	feeds     map[string]*oracle.FeedSource
	metrics   *metrics.FundMetrics
	logger    *slog.Logger
	limiter   *rateLimiter
	txn       Txn
}

// ServerConfig wires the server's collaborators and limits.
type ServerConfig struct {
	Units      *units.Ledger
	Valuation  *valuation.Engine
	Fees       *fees.Ledger
	Fund       *fund.Engine
	Custody    *custody.Book
	Feeds      map[string]*oracle.FeedSource
	Metrics    *metrics.FundMetrics
	Logger     *slog.Logger
	RatePerMin float64
	RateBurst  int
	Txn        Txn
}

// NewServer constructs the HTTP server facade.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		units:     cfg.Units,
		valuation: cfg.Valuation,
		fees:      cfg.Fees,
		fund:      cfg.Fund,
		custody:   cfg.Custody,
		feeds:     cfg.Feeds,
		metrics:   cfg.Metrics,
		logger:    logger,
		limiter:   newRateLimiter(cfg.RatePerMin, cfg.RateBurst),
		txn:       cfg.Txn,
	}
}

// atomically runs a mutating handler body through the configured transaction
// boundary so concurrent requests cannot interleave their state writes.
func (s *Server) atomically(fn func() error) error {
	if s.txn == nil {
		return fn()
	}
	return s.txn.InUnitOfWork(fn)
}

// Router builds the chi routing tree with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(correlate)
	r.Use(logRequests(s.logger))
	r.Use(s.limiter.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/fund/price", s.handlePrice)
		r.Get("/fund/nav", s.handleNAV)
		r.Get("/units/supply", s.handleSupply)
		r.Get("/units/balance/{addr}", s.handleBalance)
		r.Get("/fees/owed", s.handleTotalOwed)
		r.Get("/fees/entitlement/{addr}", s.handleEntitlement)

		r.Post("/units/transfer", s.handleTransfer)
		r.Post("/units/approve", s.handleApprove)
		r.Post("/units/transfer-from", s.handleTransferFrom)

		r.Get("/fund/deposits/{id}", s.handleGetDeposit)
		r.Post("/fund/deposits", s.handleRequestDeposit)
		r.Delete("/fund/deposits/{id}", s.handleCancelDeposit)
		r.Post("/fund/deposits/execute", s.handleExecuteDeposits)

		r.Get("/fund/redeems/{id}", s.handleGetRedeem)
		r.Post("/fund/redeems", s.handleRequestRedeem)
		r.Delete("/fund/redeems/{id}", s.handleCancelRedeem)
		r.Post("/fund/redeems/execute", s.handleExecuteRedeems)

		r.Post("/fees/settle", s.handleSettleFees)
		r.Post("/fees/claim", s.handleClaim)
		r.Post("/fees/management/rate", s.handleSetManagementRate)
		r.Post("/fees/performance/rate", s.handleSetPerformanceRate)
		r.Post("/fees/management/reset", s.handleResetManagement)
		r.Post("/fees/performance/mark", s.handleResetMark)

		r.Post("/oracle/{asset}", s.handleSubmitReading)

		r.Post("/roles/grant", s.handleGrantRole)
		r.Post("/roles/revoke", s.handleRevokeRole)
		r.Post("/ownership/transfer", s.handleTransferOwnership)
		r.Post("/ownership/accept", s.handleAcceptOwnership)

		r.Post("/custody/credit", s.handleCustodyCredit)
		r.Get("/custody/balance/{addr}", s.handleCustodyBalance)
	})
	return r
}

type errorPayload struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorPayload{Error: msg, RequestID: RequestID(r.Context())})
}

// respondError maps component sentinel errors onto HTTP statuses.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, units.ErrUnauthorized),
		errors.Is(err, fees.ErrUnauthorized),
		errors.Is(err, fund.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, fund.ErrRequestNotFound),
		errors.Is(err, units.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fund.ErrTimingNotElapsed):
		status = http.StatusConflict
	case errors.Is(err, units.ErrAlreadyExists),
		errors.Is(err, units.ErrAlreadyInitialized),
		errors.Is(err, fees.ErrAlreadyInitialized):
		status = http.StatusConflict
	case errors.Is(err, units.ErrInvalidAmount),
		errors.Is(err, fees.ErrInvalidAmount),
		errors.Is(err, fund.ErrInvalidAmount),
		errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, fund.ErrEmptyBatch),
		errors.Is(err, fund.ErrZeroUnits),
		errors.Is(err, fees.ErrExceedsBound),
		errors.Is(err, oracle.ErrInvalidAnswer):
		status = http.StatusBadRequest
	case errors.Is(err, units.ErrInsufficientBalance),
		errors.Is(err, units.ErrInsufficientAllowance),
		errors.Is(err, custody.ErrInsufficientBalance),
		errors.Is(err, fees.ErrInsufficientEntitlement):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, fund.ErrNotAdmitted),
		errors.Is(err, units.ErrRecipientRejected):
		status = http.StatusForbidden
	case errors.Is(err, oracle.ErrStaleData),
		errors.Is(err, oracle.ErrNoSource),
		errors.Is(err, valuation.ErrUnknownAsset):
		status = http.StatusServiceUnavailable
	case errors.Is(err, fees.ErrNotInitialized),
		errors.Is(err, units.ErrNotInitialized):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "request_id", RequestID(r.Context()))
	}
	writeError(w, r, status, err.Error())
}

// caller extracts the acting account address from the request header.
func caller(r *http.Request) ([20]byte, error) {
	return parseAddr(r.Header.Get(callerHeader))
}

func parseAddr(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return addr, fmt.Errorf("missing account address")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 20 {
		return addr, fmt.Errorf("invalid account address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseAmount(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return value, nil
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
