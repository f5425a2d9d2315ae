package wlm

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wlmd",
			Subsystem: "core",
			Name:      "jobs_total",
			Help:      "Total jobs by terminal outcome",
		},
		[]string{"model", "outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wlmd",
			Subsystem: "core",
			Name:      "queue_depth",
			Help:      "Pending jobs per model queue",
		},
		[]string{"model"},
	)

	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wlmd",
			Subsystem: "core",
			Name:      "batch_size",
			Help:      "Dispatched batch sizes",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"model"},
	)

	workersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wlmd",
			Subsystem: "core",
			Name:      "workers",
			Help:      "Live workers per model",
		},
		[]string{"model"},
	)

	deviceOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wlmd",
			Subsystem: "core",
			Name:      "devices",
			Help:      "Devices by occupancy state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, queueDepth, batchSize, workersGauge, deviceOccupancy)
}
