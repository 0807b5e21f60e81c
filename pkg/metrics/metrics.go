// Package metrics exposes invocation metrics in the Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jingkaihe/skillet/pkg/dispatch"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "skillet"

// InFlightSource reports in-flight invocations per skill instance key.
// *policy.Limiter satisfies it.
type InFlightSource interface {
	Snapshot() map[string]int64
}

// Collector records dispatch outcomes. It implements dispatch.Observer.
type Collector struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	failuresTotal      *prometheus.CounterVec
	outputBytes        *prometheus.HistogramVec
}

// NewCollector creates a Collector on its own registry. When inFlight is
// non-nil an in-flight gauge per skill instance is exported as well.
func NewCollector(namespace string, inFlight InFlightSource) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{registry: reg}

	c.invocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of skill invocations by final state",
		},
		[]string{"skill", "instance", "runtime", "state"},
	)

	c.invocationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Skill invocation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"skill", "runtime"},
	)

	c.failuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_failures_total",
			Help:      "Failed skill invocations by stage and error kind",
		},
		[]string{"skill", "stage", "kind"},
	)

	c.outputBytes = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_output_bytes",
			Help:      "Size of captured standard output in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"skill"},
	)

	if inFlight != nil {
		reg.MustRegister(newInFlightCollector(namespace, inFlight))
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Observe implements dispatch.Observer.
func (c *Collector) Observe(_ context.Context, ev dispatch.Event) {
	r := ev.Result
	runtime := "unknown"
	if ev.Plan != nil {
		runtime = string(ev.Plan.Runtime)
	}

	c.invocationsTotal.WithLabelValues(r.Skill, r.Instance, runtime, string(r.State)).Inc()
	c.invocationDuration.WithLabelValues(r.Skill, runtime).Observe(r.Duration.Seconds())
	c.outputBytes.WithLabelValues(r.Skill).Observe(float64(len(r.Output)))
	if !r.Success {
		c.failuresTotal.WithLabelValues(r.Skill, string(r.Stage), string(r.ErrorKind)).Inc()
	}
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// inFlightCollector reads the limiter on every scrape instead of mirroring
// its counters.
type inFlightCollector struct {
	desc   *prometheus.Desc
	source InFlightSource
}

func newInFlightCollector(namespace string, source InFlightSource) *inFlightCollector {
	return &inFlightCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "invocations_in_flight"),
			"Invocations currently executing per skill instance",
			[]string{"skill", "instance"}, nil,
		),
		source: source,
	}
}

func (c *inFlightCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *inFlightCollector) Collect(ch chan<- prometheus.Metric) {
	for key, n := range c.source.Snapshot() {
		skill, instance, _ := strings.Cut(key, "/")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), skill, instance)
	}
}
