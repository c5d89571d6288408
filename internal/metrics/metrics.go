// Package metrics exposes Prometheus gauges and counters for the pipeline's
// queue depth, backend admission, and per-stage outcome counts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "commitpipe",
		Name:      "queue_depth",
		Help:      "Number of tasks in each queue tier.",
	}, []string{"tier"})

	BackendSlotsInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "commitpipe",
		Name:      "backend_slots_in_use",
		Help:      "Admitted concurrent scans per backend instance.",
	}, []string{"instance"})

	CommitTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commitpipe",
		Name:      "commit_tasks_total",
		Help:      "Commit tasks processed, partitioned by terminal outcome.",
	}, []string{"outcome"})

	SonarRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "commitpipe",
		Name:      "sonar_run_duration_seconds",
		Help:      "Wall-clock time from scan submission to terminal webhook.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend_instance"})

	ForkFinderLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commitpipe",
		Name:      "fork_finder_lookups_total",
		Help:      "Fork finder probes, partitioned by result.",
	}, []string{"result"})
)

// MustRegister registers every collector in this package against reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(QueueDepth, BackendSlotsInUse, CommitTasksTotal, SonarRunDuration, ForkFinderLookups)
}
