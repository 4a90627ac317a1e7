package observability

// MetricType distinguishes the supported measurement kinds.
type MetricType string

const (
	// MetricCounter is a monotonically increasing count.
	MetricCounter MetricType = "counter"
	// MetricHistogram is a sampled distribution, typically of durations.
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement forwarded to a MetricsCollector.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Unit        string
	Labels      map[string]string
	Description string
}

// MetricsCollector ingests metrics emitted by the watchdog components.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

// Collect implements MetricsCollector.
func (NoopMetrics) Collect(Metric) {}

var _ MetricsCollector = MetricsCollectorFunc(nil)
var _ MetricsCollector = NoopMetrics{}
