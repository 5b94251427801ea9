package correlator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const labelStatus = "status"

var metricResultsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bitsender_correlator_probe_results_total",
		Help: "Total number of probe results, by outcome status",
	},
	[]string{labelStatus},
)
