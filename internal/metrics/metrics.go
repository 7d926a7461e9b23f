package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmabill_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pharmabill_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	BillsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmabill_bills_created_total",
		Help: "Committed bills by payment mode.",
	}, []string{"payment_mode"})

	BillValuePaise = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pharmabill_bill_value_paise_total",
		Help: "Sum of grand totals of committed bills, in paise.",
	})

	BillFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmabill_bill_failures_total",
		Help: "Rejected or failed bills by error kind and stage.",
	}, []string{"kind", "stage"})

	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pharmabill_tx_retries_total",
		Help: "Write transactions retried after storage contention.",
	})

	StockDeductedPieces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pharmabill_stock_deducted_pieces_total",
		Help: "Pieces deducted from batches.",
	})

	StockRestoredPieces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pharmabill_stock_restored_pieces_total",
		Help: "Pieces restored to batches by returns and cancellations.",
	})

	RunningBillTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmabill_running_bill_transitions_total",
		Help: "Running bill state changes by target status and deduction.",
	}, []string{"status", "deducted"})

	CreditEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmabill_credit_entries_total",
		Help: "Credit ledger entries appended by type.",
	}, []string{"type"})

	AlertCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmabill_alert_cache_lookups_total",
		Help: "Stock alert cache lookups by result.",
	}, []string{"result"})
)
