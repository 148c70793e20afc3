package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "granulepush"

var (
	ArtifactsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Manifest entries processed, labeled by how each ended up.",
		},
		[]string{"dataset", "processing_type", "outcome"}, // outcome: uploaded|verified|failed
	)

	UploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes written to object storage.",
		},
		[]string{"dataset"},
	)

	ReleaseOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_outcome_total",
			Help:      "Ledger release calls by outcome.",
		},
		[]string{"outcome"}, // released_now|already_released|error
	)

	FailureEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_events_total",
			Help:      "Failure events published (or attempted), by cause.",
		},
		[]string{"cause"},
	)

	PhaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time spent in each coordinator phase.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"phase", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		ArtifactsTotal,
		UploadBytesTotal,
		ReleaseOutcomeTotal,
		FailureEventsTotal,
		PhaseDurationSeconds,
	)
}
