// Package metrics defines this core's Prometheus metrics (spec's ambient
// observability stack), grounded in the teacher's promauto registration
// style (go/network/metrics.go's package-level CounterVec/HistogramVec
// declarations), and serves them over a loopback HTTP endpoint using the
// standard library's promhttp handler — the conventional way this
// ecosystem's own client library expects to be served, so no additional
// third-party router is needed here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TxFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abci_core_tx_finalized_total",
		Help: "counter of transactions processed by finalize_block, by status code",
	}, []string{"status"})

	TxCheckRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abci_core_tx_check_rejected_total",
		Help: "counter of transactions rejected by check_tx validation",
	}, []string{"reason"})

	BlockFinalizeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "abci_core_block_finalize_seconds",
		Help:    "wall-clock time spent in one finalize_block call",
		Buckets: prometheus.DefBuckets,
	})

	StampsBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abci_core_stamps_burned_total",
		Help: "total stamps consumed across all executed transactions",
	})

	SnapshotsRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abci_core_snapshots_retained",
		Help: "number of snapshots currently retained on disk",
	})

	CommitTag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abci_core_commit_tag",
		Help: "the store's current hard-applied commit tag",
	})
)

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
