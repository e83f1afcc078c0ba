package valuation

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"onyxfund/native/oracle"
)

// Precision is the fixed-point scale of the accounting currency and the unit
// token (18 decimals).
var Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	// ErrZeroSupply indicates NAV per unit is undefined because no units
	// are outstanding. Callers typically fall back to the default price.
	ErrZeroSupply = errors.New("valuation: zero unit supply")
	// ErrUnknownAsset indicates no oracle reader is configured for the
	// requested asset.
	ErrUnknownAsset = errors.New("valuation: unknown asset")
	// ErrNilState indicates a missing collaborator.
	ErrNilState = errors.New("valuation: engine not configured")
)

// PositionProvider reports the signed current value of a tracked position in
// the accounting currency. Providers are external collaborators consumed
// through this single query contract.
type PositionProvider interface {
	CurrentValue() (*big.Int, error)
}

// SupplySource reports the outstanding unit supply.
type SupplySource interface {
	TotalUnits() (*big.Int, error)
}

// LiabilitySource reports the total fee value owed, which the engine deducts
// from aggregate position value when deriving the NAV.
type LiabilitySource interface {
	TotalValueOwed() (*big.Int, error)
}

type assetFeed struct {
	reader   *oracle.Reader
	decimals uint8
}

// Engine aggregates position values and owed-fee liabilities into a NAV and a
// per-unit price, converting asset-denominated amounts through oracle rates.
type Engine struct {
	providers    []PositionProvider
	feeds        map[string]assetFeed
	supply       SupplySource
	liabilities  LiabilitySource
	defaultPrice *big.Int
	nowFn        func() int64
}

// NewEngine constructs a valuation engine. The default price is returned by
// PriceOrDefault while no units are outstanding.
func NewEngine(supply SupplySource, liabilities LiabilitySource, defaultPrice *big.Int) *Engine {
	price := new(big.Int).Set(Precision)
	if defaultPrice != nil && defaultPrice.Sign() > 0 {
		price = new(big.Int).Set(defaultPrice)
	}
	return &Engine{
		feeds:        make(map[string]assetFeed),
		supply:       supply,
		liabilities:  liabilities,
		defaultPrice: price,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for valuation timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// AddProvider registers a position value provider.
func (e *Engine) AddProvider(provider PositionProvider) {
	if e == nil || provider == nil {
		return
	}
	e.providers = append(e.providers, provider)
}

// RegisterAsset wires an oracle reader for an asset along with the asset's
// native precision.
func (e *Engine) RegisterAsset(asset string, reader *oracle.Reader, decimals uint8) {
	if e == nil || reader == nil {
		return
	}
	e.feeds[asset] = assetFeed{reader: reader, decimals: decimals}
}

// DefaultPrice returns the configured fallback unit price.
func (e *Engine) DefaultPrice() *big.Int {
	return new(big.Int).Set(e.defaultPrice)
}

// TotalPositionsValue sums the signed values reported by every registered
// position provider.
func (e *Engine) TotalPositionsValue() (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	total := big.NewInt(0)
	for _, provider := range e.providers {
		value, err := provider.CurrentValue()
		if err != nil {
			return nil, err
		}
		if value != nil {
			total.Add(total, value)
		}
	}
	return total, nil
}

// UnitValue returns the NAV (aggregate position value minus fee liabilities)
// and the valuation timestamp.
func (e *Engine) UnitValue() (*big.Int, int64, error) {
	if e == nil || e.liabilities == nil {
		return nil, 0, ErrNilState
	}
	positions, err := e.TotalPositionsValue()
	if err != nil {
		return nil, 0, err
	}
	owed, err := e.liabilities.TotalValueOwed()
	if err != nil {
		return nil, 0, err
	}
	nav := new(big.Int).Sub(positions, owed)
	return nav, e.nowFn(), nil
}

// PricePerUnit derives the per-unit price from the NAV and the outstanding
// supply. It fails with ErrZeroSupply when no units are outstanding.
func (e *Engine) PricePerUnit() (*big.Int, int64, error) {
	if e == nil || e.supply == nil {
		return nil, 0, ErrNilState
	}
	nav, asOf, err := e.UnitValue()
	if err != nil {
		return nil, 0, err
	}
	supply, err := e.supply.TotalUnits()
	if err != nil {
		return nil, 0, err
	}
	price, err := CalcValuePerShare(nav, supply)
	if err != nil {
		return nil, 0, err
	}
	return price, asOf, nil
}

// PriceOrDefault returns the current per-unit price, falling back to the
// configured default while supply is zero. Other valuation failures still
// propagate.
func (e *Engine) PriceOrDefault() (*big.Int, int64, error) {
	price, asOf, err := e.PricePerUnit()
	if errors.Is(err, ErrZeroSupply) {
		return e.DefaultPrice(), e.nowFn(), nil
	}
	if err != nil {
		return nil, 0, err
	}
	return price, asOf, nil
}

// ConvertAssetToValue converts an asset-denominated amount into the
// accounting currency, multiplying by the oracle rate before dividing by the
// asset's native scale to minimize rounding loss.
func (e *Engine) ConvertAssetToValue(asset string, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("valuation: amount must not be negative")
	}
	feed, ok := e.feeds[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	rate, _, err := feed.reader.Rate()
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(amount, rate)
	value.Div(value, pow10(feed.decimals))
	return value, nil
}

// ConvertValueToAsset converts an accounting-currency value into an
// asset-denominated amount.
func (e *Engine) ConvertValueToAsset(asset string, value *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("valuation: value must not be negative")
	}
	feed, ok := e.feeds[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	rate, _, err := feed.reader.Rate()
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(value, pow10(feed.decimals))
	amount.Div(amount, rate)
	return amount, nil
}

// CalcValuePerShare returns totalValue scaled to a per-unit price. Fails with
// ErrZeroSupply when the supply is zero.
func CalcValuePerShare(totalValue, totalSupply *big.Int) (*big.Int, error) {
	if totalSupply == nil || totalSupply.Sign() == 0 {
		return nil, ErrZeroSupply
	}
	if totalValue == nil {
		totalValue = big.NewInt(0)
	}
	price := new(big.Int).Mul(totalValue, Precision)
	return price.Div(price, totalSupply), nil
}

// CalcValueOfShares returns the value represented by a unit amount at the
// supplied per-unit price.
func CalcValueOfShares(valuePerShare, units *big.Int) *big.Int {
	if valuePerShare == nil || units == nil {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(valuePerShare, units)
	return value.Div(value, Precision)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
