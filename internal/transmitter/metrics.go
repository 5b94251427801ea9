package transmitter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelTaskID = "task_id"

var (
	metricSentCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bitsender_transmitter_sent_count",
			Help: "Frames sent so far by a sustained-rate send task",
		},
		[]string{labelTaskID},
	)

	metricTransientErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitsender_transmitter_transient_errors_total",
			Help: "Total number of transient send errors absorbed by the backoff-and-retry path",
		},
	)
)
