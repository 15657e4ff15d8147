// Package metrics exports the sequencer's Prometheus metrics (§6 "Metrics
// exported"), registered package-level the way cuemby-warren's metrics
// package does it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PendingIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_identities",
			Help: "Processed operations not yet covered by a batch",
		},
	)

	UnprocessedIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unprocessed_identities",
			Help: "Operations still in the unprocessed FIFO",
		},
	)

	// SubmittedBatchSizes uses 100 linear buckets of width 1 starting at 1,
	// matching the original implementation's histogram layout exactly.
	SubmittedBatchSizes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "submitted_batch_sizes",
			Help:    "Size of batches submitted to chain",
			Buckets: prometheus.LinearBuckets(1, 1, 100),
		},
	)
)

func init() {
	prometheus.MustRegister(PendingIdentities)
	prometheus.MustRegister(UnprocessedIdentities)
	prometheus.MustRegister(SubmittedBatchSizes)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
