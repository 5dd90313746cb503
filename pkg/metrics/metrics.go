package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes exchange counters and gauges over Prometheus.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Ledger metrics
	tradesExecuted      prometheus.Counter
	positionsLiquidated prometheus.Counter
	fundingSettlements  prometheus.Counter
	deposits            prometheus.Counter
	withdrawals         prometheus.Counter
	rejectedOperations  prometheus.CounterVec
	operationDuration   prometheus.HistogramVec

	// Market metrics
	markPrice    prometheus.GaugeVec
	fundingRate  prometheus.GaugeVec
	openInterest prometheus.GaugeVec

	// Treasury metrics
	insuranceFund prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates and registers the metric set.
func New(namespace string) (*Metrics, error) {
	logger := log.Root().New("module", "metrics")

	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed",
		}),

		positionsLiquidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_liquidated_total",
			Help:      "Total number of forced position closures",
		}),

		fundingSettlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_settlements_total",
			Help:      "Total number of applied funding settlements",
		}),

		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total number of collateral deposits",
		}),

		withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total number of collateral withdrawals",
		}),

		rejectedOperations: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_operations_total",
			Help:      "Operations rejected by the ledger, by reason",
		}, []string{"reason"}),

		operationDuration: *prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency by method",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"method"}),

		markPrice: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mark_price",
			Help:      "Current vAMM mark price by market",
		}, []string{"market"}),

		fundingRate: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funding_rate",
			Help:      "Last published funding rate by market",
		}, []string{"market"}),

		openInterest: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest_base",
			Help:      "Open interest in base units by market",
		}, []string{"market"}),

		insuranceFund: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "insurance_fund_collateral",
			Help:      "Insurance fund balance in collateral units",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.tradesExecuted,
		m.positionsLiquidated,
		m.fundingSettlements,
		m.deposits,
		m.withdrawals,
		m.rejectedOperations,
		m.operationDuration,
		m.markPrice,
		m.fundingRate,
		m.openInterest,
		m.insuranceFund,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// StartServer exposes /metrics on the given port.
func (m *Metrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	http.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, nil); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// ObserveOperation records the latency of one ledger operation.
func (m *Metrics) ObserveOperation(method string, d time.Duration) {
	m.operationDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordTrade records one executed trade.
func (m *Metrics) RecordTrade() {
	m.tradesExecuted.Inc()
}

// RecordLiquidation records one forced closure.
func (m *Metrics) RecordLiquidation() {
	m.positionsLiquidated.Inc()
}

// RecordFundingSettlement records one applied funding settlement.
func (m *Metrics) RecordFundingSettlement() {
	m.fundingSettlements.Inc()
}

// RecordDeposit records one collateral deposit.
func (m *Metrics) RecordDeposit() {
	m.deposits.Inc()
}

// RecordWithdrawal records one collateral withdrawal.
func (m *Metrics) RecordWithdrawal() {
	m.withdrawals.Inc()
}

// RecordRejection records a rejected operation by reason.
func (m *Metrics) RecordRejection(reason string) {
	m.rejectedOperations.WithLabelValues(reason).Inc()
}

// UpdateMarkPrice updates the mark price gauge for a market.
func (m *Metrics) UpdateMarkPrice(market string, price float64) {
	m.markPrice.WithLabelValues(market).Set(price)
}

// UpdateFundingRate updates the funding rate gauge for a market.
func (m *Metrics) UpdateFundingRate(market string, rate float64) {
	m.fundingRate.WithLabelValues(market).Set(rate)
}

// UpdateOpenInterest updates the open interest gauge for a market.
func (m *Metrics) UpdateOpenInterest(market string, base float64) {
	m.openInterest.WithLabelValues(market).Set(base)
}

// UpdateInsuranceFund updates the insurance fund balance gauge.
func (m *Metrics) UpdateInsuranceFund(balance float64) {
	m.insuranceFund.Set(balance)
}

// CollectSystemMetrics collects runtime stats until ctx is done.
func (m *Metrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
