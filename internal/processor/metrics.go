package processor

import (
	"context"
	"time"

	"github.com/phrazzld/storyboard-worker/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "storyboard"
	metricsSubsystem = "processor"
	statsTimeout     = 5 * time.Second
)

type metrics struct {
	cycles            *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	transitions       *prometheus.CounterVec
	adapterErrors     *prometheus.CounterVec
	leaseLost         prometheus.Counter
	reinitializations *prometheus.CounterVec
	consecutiveErrors prometheus.Gauge
	health            prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, stats func(context.Context) (task.Stats, error)) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cycles_total",
			Help:      "Processor cycles, partitioned by outcome.",
		}, []string{"outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one processor cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transitions_total",
			Help:      "Task status transitions written by this processor.",
		}, []string{"from", "to"}),
		adapterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "errors_total",
			Help:      "Infrastructure errors, partitioned by operation.",
		}, []string{"operation"}),
		leaseLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lease_lost_total",
			Help:      "Claimed tasks skipped because their claim lapsed before processing.",
		}),
		reinitializations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reinitializations_total",
			Help:      "Dependency rebuilds, partitioned by result.",
		}, []string{"result"}),
		consecutiveErrors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "consecutive_errors",
			Help:      "Consecutive cycles that ended with an infrastructure error.",
		}),
		health: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "health",
			Help:      "Health state: 0 starting, 1 healthy, 2 degraded, 3 reinitializing.",
		}),
	}
	reg.MustRegister(&taskCollector{stats: stats})
	return m
}

// taskCollector reports task counts by status at scrape time.
type taskCollector struct {
	stats func(context.Context) (task.Stats, error)
}

var tasksDesc = prometheus.NewDesc(
	prometheus.BuildFQName(metricsNamespace, "", "tasks"),
	"Task rows by status.",
	[]string{"status"}, nil,
)

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tasksDesc
}

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	stats, err := c.stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(tasksDesc, err)
		return
	}
	for _, s := range task.AllStatuses {
		ch <- prometheus.MustNewConstMetric(tasksDesc, prometheus.GaugeValue, float64(stats[s]), string(s))
	}
}
