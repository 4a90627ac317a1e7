package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricNamespace = "gpu_watchdog"

// promVec is one registered metric family plus the label names it was first
// registered with. Later samples with different labels are dropped: a vec
// panics on inconsistent label sets, and a skewed caller must not take the
// exporter down.
type promVec struct {
	labels    []string
	counter   *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// PrometheusCollector adapts Metric samples onto a private Prometheus
// registry, registering families lazily on first use.
type PrometheusCollector struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	families map[string]promVec
}

// NewPrometheusCollector builds a collector with its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		families: make(map[string]promVec),
	}
}

// Registry exposes the backing registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry over HTTP.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Collect implements MetricsCollector. Samples with an empty name or an
// unknown type are ignored, as is everything on a nil collector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil {
		return
	}
	if metric.Name == "" {
		return
	}
	if metric.Type != MetricCounter && metric.Type != MetricHistogram {
		return
	}

	labels := prometheus.Labels{}
	names := make([]string, 0, len(metric.Labels))
	for k, v := range metric.Labels {
		labels[k] = v
		names = append(names, k)
	}
	sort.Strings(names)

	c.mu.Lock()
	defer c.mu.Unlock()

	family, ok := c.families[metric.Name]
	if !ok {
		family, ok = c.register(metric, names)
		if !ok {
			return
		}
	}
	if !sameLabelNames(family.labels, names) {
		return
	}

	switch {
	case family.counter != nil && metric.Type == MetricCounter:
		value := metric.Value
		if value < 0 {
			value = 0
		}
		family.counter.With(labels).Add(value)
	case family.histogram != nil && metric.Type == MetricHistogram:
		family.histogram.With(labels).Observe(metric.Value)
	}
}

func (c *PrometheusCollector) register(metric Metric, names []string) (promVec, bool) {
	help := strings.TrimSpace(metric.Description)
	if help == "" {
		help = metric.Name
	}

	family := promVec{labels: names}
	var collector prometheus.Collector
	switch metric.Type {
	case MetricCounter:
		family.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      metric.Name,
			Help:      help,
		}, names)
		collector = family.counter
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      metric.Name,
			Help:      help,
		}
		if metric.Unit != "" {
			opts.ConstLabels = prometheus.Labels{"unit": metric.Unit}
		}
		family.histogram = prometheus.NewHistogramVec(opts, names)
		collector = family.histogram
	}

	if err := c.registry.Register(collector); err != nil {
		return promVec{}, false
	}
	c.families[metric.Name] = family
	return family, true
}

func sameLabelNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
