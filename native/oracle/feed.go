package oracle

import (
	"fmt"
	"sync"

	"onyxfund/core/events"
)

// FeedSource is an in-process submittable price feed. The gateway admin
// surface posts readings into it; the Reader validates them on consumption.
type FeedSource struct {
	mu      sync.RWMutex
	asset   string
	latest  Reading
	emitter events.Emitter
}

// NewFeedSource constructs an empty feed for the named asset.
func NewFeedSource(asset string) *FeedSource {
	return &FeedSource{asset: asset, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (f *FeedSource) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

// Asset returns the asset symbol this feed reports on.
func (f *FeedSource) Asset() string { return f.asset }

// Submit records a new observation. Validation of the rate and staleness is
// the Reader's job; Submit only rejects structurally empty readings.
func (f *FeedSource) Submit(reading Reading) error {
	if f == nil {
		return ErrNoSource
	}
	if reading.Rate == nil {
		return fmt.Errorf("%w: missing rate", ErrInvalidAnswer)
	}
	f.mu.Lock()
	f.latest = reading.Clone()
	f.mu.Unlock()
	f.emitter.Emit(events.OracleReadingSubmitted{
		Asset:     f.asset,
		Rate:      reading.Clone().Rate,
		Decimals:  reading.Decimals,
		UpdatedAt: reading.UpdatedAt,
	})
	return nil
}

// Latest implements the Source interface.
func (f *FeedSource) Latest() (Reading, error) {
	if f == nil {
		return Reading{}, ErrNoSource
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest.Rate == nil {
		return Reading{}, fmt.Errorf("%w: no reading submitted for %s", ErrInvalidAnswer, f.asset)
	}
	return f.latest.Clone(), nil
}
