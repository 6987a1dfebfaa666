package kv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultCommitted   = "committed"
	resultAborted     = "aborted"
	resultBusy        = "busy"
	resultUnavailable = "unavailable"
)

var (
	// UpdatesTotal counts read-modify-write cycles.
	// Labels: table, result (committed, aborted, busy, unavailable)
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixnet",
			Subsystem: "kv",
			Name:      "updates_total",
			Help:      "Total number of table updates by outcome",
		},
		[]string{"table", "result"},
	)

	// LockWaitSeconds tracks how long mutations wait for a table lock.
	// Labels: backend (memory, sqlite)
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fixnet",
			Subsystem: "kv",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a table lock in seconds",
			Buckets:   []float64{.0001, .001, .01, .05, .1, .5, 1, 5},
		},
		[]string{"backend"},
	)

	// DocumentBytes tracks the committed size of each table document.
	DocumentBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fixnet",
			Subsystem: "kv",
			Name:      "document_bytes",
			Help:      "Size of the last committed document per table",
		},
		[]string{"table"},
	)
)

func recordUpdate(table, result string) {
	UpdatesTotal.WithLabelValues(table, result).Inc()
}

func recordCommit(table string, size int) {
	recordUpdate(table, resultCommitted)
	DocumentBytes.WithLabelValues(table).Set(float64(size))
}
