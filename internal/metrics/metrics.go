// Package metrics exposes worker activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
)

const namespace = "ffenv"

// Collector records jobs, bootstraps and syncs. It satisfies both
// router.Observer and execenv.Observer.
type Collector struct {
	registry *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobLatency  *prometheus.HistogramVec
	bootstraps  *prometheus.CounterVec
	bootTime    prometheus.Histogram
	syncs       *prometheus.CounterVec
	syncTime    prometheus.Histogram
	syncObjects *prometheus.CounterVec
}

// NewCollector creates a Collector backed by its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs handled by the worker, by operation and failure kind",
		}, []string{"op", "result"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handling latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		bootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstraps_total",
			Help:      "Execution context bootstrap attempts",
		}, []string{"result"}),
		bootTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bootstrap_duration_seconds",
			Help:      "Execution context bootstrap latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Permanent tier flushes to the durable store",
		}, []string{"result"}),
		syncTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Permanent tier flush latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		syncObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_objects_total",
			Help:      "Objects written to or deleted from the durable store",
		}, []string{"action"}),
	}

	c.registry.MustRegister(
		c.jobs,
		c.jobLatency,
		c.bootstraps,
		c.bootTime,
		c.syncs,
		c.syncTime,
		c.syncObjects,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveJob records one handled job. An empty kind means success.
func (c *Collector) ObserveJob(op message.Op, d time.Duration, kind failure.Kind) {
	c.jobs.WithLabelValues(string(op), resultLabel(string(kind))).Inc()
	c.jobLatency.WithLabelValues(string(op)).Observe(d.Seconds())
}

// ObserveBootstrap records one bootstrap attempt.
func (c *Collector) ObserveBootstrap(d time.Duration, err error) {
	c.bootstraps.WithLabelValues(errLabel(err)).Inc()
	c.bootTime.Observe(d.Seconds())
}

// ObserveSync records one flush of the permanent tier.
func (c *Collector) ObserveSync(d time.Duration, uploaded, deleted int, err error) {
	c.syncs.WithLabelValues(errLabel(err)).Inc()
	c.syncTime.Observe(d.Seconds())
	c.syncObjects.WithLabelValues("upload").Add(float64(uploaded))
	c.syncObjects.WithLabelValues("delete").Add(float64(deleted))
}

// Registry returns the registry holding every metric of c.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func resultLabel(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}

func errLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
