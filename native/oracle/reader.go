package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrInvalidAnswer indicates a non-positive or missing rate in a feed
	// reading.
	ErrInvalidAnswer = errors.New("oracle: invalid answer")
	// ErrStaleData indicates a reading older than the configured tolerance.
	ErrStaleData = errors.New("oracle: stale data")
	// ErrNoSource indicates the reader has no feed to consult.
	ErrNoSource = errors.New("oracle: source not configured")
)

// Reading captures a single price feed observation: the reported rate, the
// precision it is expressed in, and the upstream timestamp.
type Reading struct {
	Rate      *big.Int
	Decimals  uint8
	UpdatedAt int64
}

// Clone returns a deep copy of the reading to prevent accidental mutations.
func (r Reading) Clone() Reading {
	clone := Reading{Decimals: r.Decimals, UpdatedAt: r.UpdatedAt}
	if r.Rate != nil {
		clone.Rate = new(big.Int).Set(r.Rate)
	}
	return clone
}

// Source supplies the latest observation for one asset pair.
type Source interface {
	Latest() (Reading, error)
}

// Reader validates and normalizes feed readings against a staleness
// tolerance. Readings are rejected, never silently zeroed.
type Reader struct {
	source    Source
	tolerance time.Duration
	nowFn     func() int64
}

// NewReader constructs a reader over the supplied source. Tolerance bounds
// how old a reading may be before it is rejected.
func NewReader(source Source, tolerance time.Duration) *Reader {
	return &Reader{
		source:    source,
		tolerance: tolerance,
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for staleness checks. Primarily
// intended for tests.
func (r *Reader) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// Rate returns the latest rate normalized to 18 decimals together with the
// observation timestamp. A reading exactly at the staleness boundary is
// accepted.
func (r *Reader) Rate() (*big.Int, int64, error) {
	if r == nil || r.source == nil {
		return nil, 0, ErrNoSource
	}
	reading, err := r.source.Latest()
	if err != nil {
		return nil, 0, err
	}
	if reading.Rate == nil || reading.Rate.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%w: rate %s", ErrInvalidAnswer, formatRate(reading.Rate))
	}
	now := r.nowFn()
	if r.tolerance > 0 {
		cutoff := now - int64(r.tolerance/time.Second)
		if reading.UpdatedAt < cutoff {
			return nil, 0, fmt.Errorf("%w: updated at %d, cutoff %d", ErrStaleData, reading.UpdatedAt, cutoff)
		}
	}
	return normalizeRate(reading.Rate, reading.Decimals), reading.UpdatedAt, nil
}

// normalizeRate rescales a rate from its native precision to 18 decimals.
func normalizeRate(rate *big.Int, decimals uint8) *big.Int {
	normalized := new(big.Int).Set(rate)
	switch {
	case decimals < 18:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		normalized.Mul(normalized, scale)
	case decimals > 18:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
		normalized.Div(normalized, scale)
	}
	return normalized
}

func formatRate(rate *big.Int) string {
	if rate == nil {
		return "<nil>"
	}
	return rate.String()
}
