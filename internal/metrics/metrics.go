// Package metrics declares the distributor's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_distributor_tick_total",
			Help: "Total number of scheduled job runs by outcome",
		},
		[]string{"job", "status"},
	)

	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referral_distributor_tick_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"job"},
	)

	PriceUpdateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_distributor_price_update_total",
			Help: "Total number of price cycles by outcome",
		},
		[]string{"status"},
	)

	PricedAssets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "referral_distributor_priced_assets",
			Help: "Number of assets in the published price table",
		},
	)

	ExchangeRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "referral_distributor_exchange_rate",
			Help: "Native currency to fiat rate used by the published price table",
		},
	)

	Holders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "referral_distributor_holders",
			Help: "Number of holders valued in the last rewards computation",
		},
	)

	PaymentBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_distributor_payment_batches_total",
			Help: "Total number of payment batch submissions by outcome",
		},
		[]string{"status"},
	)

	PaidOutputsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "referral_distributor_paid_outputs_total",
			Help: "Total number of reward outputs recorded as paid",
		},
	)

	AcquisitionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_distributor_acquisition_total",
			Help: "Total number of payout asset acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_distributor_events_total",
			Help: "Total number of ledger notifications received by kind",
		},
		[]string{"kind"},
	)

	LedgerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_distributor_ledger_requests_total",
			Help: "Total number of ledger gateway requests",
		},
		[]string{"method", "status"},
	)
)
