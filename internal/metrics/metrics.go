package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Ledger client metrics
	// ============================================
	LedgerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toll_ledger_call_duration_seconds",
			Help:    "Ledger RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ============================================
	// Event ingestor metrics
	// ============================================
	IngestorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toll_ingestor_running",
		Help: "Whether the ledger event ingestor loop is running (1=running)",
	})

	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toll_ledger_events_applied_total",
			Help: "Total ledger events applied to the mirror",
		},
		[]string{"event_type"},
	)

	EventApplyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toll_ledger_event_apply_errors_total",
			Help: "Total ledger events whose mirror application failed",
		},
		[]string{"event_type"},
	)

	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_ingestor_poll_cycles_total",
		Help: "Total ingestor poll cycles executed",
	})

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toll_ingestor_poll_errors_total",
			Help: "Total filter query errors during polling",
		},
		[]string{"event_type"},
	)

	FilterRecreations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toll_ingestor_filter_recreations_total",
			Help: "Total event filters recreated after expiry",
		},
		[]string{"event_type"},
	)

	// ============================================
	// Wallet provisioning metrics
	// ============================================
	WalletsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_wallets_created_total",
		Help: "Total top-up wallets deployed",
	})

	WalletResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toll_wallet_resolutions_total",
			Help: "Total wallet lookups resolved, by tier",
		},
		[]string{"tier"},
	)

	WalletOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toll_wallet_operations_total",
			Help: "Total signature-authorized wallet operations",
		},
		[]string{"operation", "result"},
	)

	// ============================================
	// Rate engine & proof metrics
	// ============================================
	TollQuotes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_quotes_total",
		Help: "Total toll quotes computed",
	})

	DiscountsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_discounts_settled_total",
		Help: "Total discount code usages consumed by settled payments",
	})

	ProofVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toll_proof_verifications_total",
			Help: "Total credential proof verifications, by result",
		},
		[]string{"result"},
	)

	TransactionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_transactions_timed_out_total",
		Help: "Total pending transactions failed by the timeout sweep",
	})
)
