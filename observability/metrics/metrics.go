package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// FundMetrics aggregates the prometheus collectors for fund activity.
type FundMetrics struct {
	RequestsSubmitted *prometheus.CounterVec
	RequestsCancelled *prometheus.CounterVec
	RequestsExecuted  *prometheus.CounterVec
	BatchesExecuted   *prometheus.CounterVec
	FeeSettlements    *prometheus.CounterVec
	UnitPrice         prometheus.Gauge
}

var (
	fundOnce     sync.Once
	fundRegistry *FundMetrics
)

// Fund returns the lazily-initialised fund metrics registry.
func Fund() *FundMetrics {
	fundOnce.Do(func() {
		fundRegistry = &FundMetrics{
			RequestsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onyx",
				Subsystem: "fund",
				Name:      "requests_submitted_total",
				Help:      "Deposit/redeem requests accepted into the queues.",
			}, []string{"queue"}),
			RequestsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onyx",
				Subsystem: "fund",
				Name:      "requests_cancelled_total",
				Help:      "Requests cancelled and refunded by their controller.",
			}, []string{"queue"}),
			RequestsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onyx",
				Subsystem: "fund",
				Name:      "requests_executed_total",
				Help:      "Requests fulfilled through batch execution.",
			}, []string{"queue"}),
			BatchesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onyx",
				Subsystem: "fund",
				Name:      "batches_executed_total",
				Help:      "Batch executions segmented by queue and outcome.",
			}, []string{"queue", "outcome"}),
			FeeSettlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "onyx",
				Subsystem: "fees",
				Name:      "settlements_total",
				Help:      "Fee tracker settlements segmented by tracker and outcome.",
			}, []string{"tracker", "outcome"}),
			UnitPrice: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "onyx",
				Subsystem: "fund",
				Name:      "unit_price",
				Help:      "Most recently observed per-unit price, scaled to 1.0.",
			}),
		}
		prometheus.MustRegister(
			fundRegistry.RequestsSubmitted,
			fundRegistry.RequestsCancelled,
			fundRegistry.RequestsExecuted,
			fundRegistry.BatchesExecuted,
			fundRegistry.FeeSettlements,
			fundRegistry.UnitPrice,
		)
	})
	return fundRegistry
}

// ObservePrice records an 18-decimal unit price on the gauge.
func (m *FundMetrics) ObservePrice(price *big.Int) {
	if m == nil || price == nil {
		return
	}
	scaled, _ := new(big.Float).Quo(
		new(big.Float).SetInt(price),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)),
	).Float64()
	m.UnitPrice.Set(scaled)
}
