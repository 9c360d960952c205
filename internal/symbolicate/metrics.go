package symbolicate

import "github.com/prometheus/client_golang/prometheus"

const statusSuccess = "success"

type Metrics struct {
	ModuleResolutions *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	JobDuration       prometheus.Histogram
	ModuleSize        prometheus.Histogram
}

// NewMetrics creates the symbolication metrics and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ModuleResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolicator_module_resolutions_total",
			Help: "Total number of module resolutions by outcome",
		}, []string{"status"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolicator_module_fetch_duration_seconds",
			Help:    "Time spent fetching module bytes from the provider by status",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symbolicator_job_duration_seconds",
			Help:    "Time spent symbolicating one job",
			Buckets: prometheus.DefBuckets,
		}),
		ModuleSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "symbolicator_module_size_bytes",
			Help: "Size of the binary and debug data fetched for a module",
			// 4KB to 4GB
			Buckets: prometheus.ExponentialBuckets(4096, 4, 11),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ModuleResolutions,
			m.FetchDuration,
			m.JobDuration,
			m.ModuleSize,
		)
	}
	return m
}
