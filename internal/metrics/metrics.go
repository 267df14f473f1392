package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MasksComputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparsity_masks_computed_total",
		Help: "Total number of N:M pruning masks computed",
	})

	WeightsPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparsity_weights_pruned_total",
		Help: "Total number of weight elements zeroed by pruning masks",
	})

	SparsityRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sparsity_ratio",
		Help: "Fraction of weights pruned in the most recent mask per layer",
	}, []string{"layer"})

	ProjectionDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "projection_apply_duration_seconds",
		Help: "Duration of projection layer forward passes",
	}, []string{"layer"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	PruneRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prune_requests_total",
		Help: "Total pruning service requests by status",
	}, []string{"status"})

	PruneRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prune_request_duration_seconds",
		Help:    "Histogram of pruning service request latencies",
		Buckets: prometheus.DefBuckets,
	})

	PruneMatrixElements = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prune_matrix_elements",
		Help:    "Distribution of weight matrix sizes submitted for pruning",
		Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
	})

	CheckpointBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_bytes_written_total",
		Help: "Total bytes of Arrow checkpoint data written",
	})

	FlightPushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_push_total",
		Help: "Total Flight weight pushes by status",
	}, []string{"status"})
)

// RecordMask reports the sparsity ratio of a freshly computed layer mask.
func RecordMask(layer string, ratio float64) {
	SparsityRatio.WithLabelValues(layer).Set(ratio)
}

// RecordProjection reports one forward pass through a projection layer.
func RecordProjection(layer string, d time.Duration) {
	ProjectionDuration.WithLabelValues(layer).Observe(d.Seconds())
}

// RecordNumericalInstability reports NaN/Inf counts found in a tensor.
func RecordNumericalInstability(tensor string, nans, infs int) {
	if nans > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nans))
	}
	if infs > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infs))
	}
}

// RecordPruneRequest reports one service request outcome.
func RecordPruneRequest(status string, elements int, d time.Duration) {
	PruneRequestsTotal.WithLabelValues(status).Inc()
	PruneRequestDuration.Observe(d.Seconds())
	if elements > 0 {
		PruneMatrixElements.Observe(float64(elements))
	}
}
