package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelProtocol = "protocol"

var (
	metricFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitsender_capture_frames_total",
			Help: "Total number of captured frames, by decoded protocol",
		},
		[]string{labelProtocol},
	)

	metricDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bitsender_capture_drops_total",
			Help: "Total number of captured frames dropped because the fan-out channel was full",
		},
	)
)
