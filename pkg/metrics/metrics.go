package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "txn",
			Name:      "total",
			Help:      "Counter of finished transactions by outcome.",
		}, []string{"outcome"})

	LockWaitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "lock",
			Name:      "wait_total",
			Help:      "Counter of lock requests that had to queue, by mode.",
		}, []string{"mode"})

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txnkv",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of time spent waiting for a lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	DeadlockVictimCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "lock",
			Name:      "deadlock_victim_total",
			Help:      "Counter of transactions aborted to break a deadlock.",
		})

	GCVersionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "gc",
			Name:      "collected_versions_total",
			Help:      "Counter of versions dropped by the garbage collector.",
		})

	TwoPCCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "twopc",
			Name:      "total",
			Help:      "Counter of two-phase commit rounds by outcome.",
		}, []string{"outcome"})
)

const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeConflict  = "conflict"
)

func init() {
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(LockWaitCounter)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(DeadlockVictimCounter)
	prometheus.MustRegister(GCVersionCounter)
	prometheus.MustRegister(TwoPCCounter)
}
