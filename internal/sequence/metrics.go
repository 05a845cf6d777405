package sequence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	measurementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lcrd_measurements_total",
		Help: "Measurement runs by verdict.",
	}, []string{"verdict"})

	instrumentErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lcrd_instrument_errors_total",
		Help: "Instrument command failures by kind.",
	}, []string{"kind"})

	sinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lcrd_sink_failures_total",
		Help: "Persistence failures by sink.",
	}, []string{"sink"})

	measurementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lcrd_measurement_duration_seconds",
		Help:    "Wall time of a full acquisition run.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)
