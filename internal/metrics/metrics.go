// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MrSnakeDoc/probeswarm/internal/domain"
)

const namespace = "probeswarm"

// Probe paths
const (
	PathRemote = "remote"
	PathLocal  = "local"
)

var (
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "URLs probed, by execution path and outcome (hit, miss, error).",
	}, []string{"path", "outcome"})

	WorkerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_calls_total",
		Help:      "Remote worker batch calls, by outcome (success, failure, blocked).",
	}, []string{"outcome"})

	WorkerBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_blocks_total",
		Help:      "Workers permanently disabled after a block signature.",
	})

	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Task executions that reached a terminal status.",
	}, []string{"status"})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_running",
		Help:      "Task executions in flight in this process.",
	})

	BatchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Time to settle one batch of URLs, by execution path.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"path"})
)

// ObserveProbe counts one probe outcome.
func ObserveProbe(path string, r domain.ProbeResult) {
	outcome := "miss"
	switch {
	case r.Status == domain.StatusProbeError:
		outcome = "error"
	case r.IsHit():
		outcome = "hit"
	}
	ProbesTotal.WithLabelValues(path, outcome).Inc()
}

// StatsFunc returns a point-in-time view of the worker pool.
type StatsFunc func() domain.PoolStats

// poolCollector reads pool stats at scrape time instead of mirroring every mutation.
type poolCollector struct {
	stats StatsFunc
	desc  *prometheus.Desc
}

// NewPoolCollector exposes probeswarm_workers{state}.
func NewPoolCollector(stats StatsFunc) prometheus.Collector {
	return &poolCollector{
		stats: stats,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "workers"),
			"Workers in the pool, by state.",
			[]string{"state"}, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for state, n := range map[string]int{
		"total":     s.TotalWorkers,
		"healthy":   s.HealthyWorkers,
		"unhealthy": s.UnhealthyWorkers,
		"disabled":  s.DisabledWorkers,
		"eligible":  s.EligibleWorkers,
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
