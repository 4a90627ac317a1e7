package observability

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, c *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestPrometheusCollectorCountsByLabel(t *testing.T) {
	collector := NewPrometheusCollector()

	for i := 0; i < 3; i++ {
		collector.Collect(Metric{
			Name:   "reboots_total",
			Type:   MetricCounter,
			Value:  1,
			Labels: map[string]string{"group": "farm"},
		})
	}
	collector.Collect(Metric{
		Name:   "reboots_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"group": "lab"},
	})

	family := gatherFamily(t, collector, "gpu_watchdog_reboots_total")
	if family == nil {
		t.Fatal("expected the counter family to be registered")
	}
	totals := make(map[string]float64)
	for _, m := range family.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "group" {
				totals[label.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	if totals["farm"] != 3 || totals["lab"] != 1 {
		t.Fatalf("unexpected totals: %v", totals)
	}
}

func TestPrometheusCollectorObservesHistogram(t *testing.T) {
	collector := NewPrometheusCollector()

	collector.Collect(Metric{
		Name:   "probe_duration_seconds",
		Type:   MetricHistogram,
		Value:  0.25,
		Unit:   "seconds",
		Labels: map[string]string{"group": "farm"},
	})
	collector.Collect(Metric{
		Name:   "probe_duration_seconds",
		Type:   MetricHistogram,
		Value:  0.75,
		Unit:   "seconds",
		Labels: map[string]string{"group": "farm"},
	})

	family := gatherFamily(t, collector, "gpu_watchdog_probe_duration_seconds")
	if family == nil {
		t.Fatal("expected the histogram family to be registered")
	}
	hist := family.GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected 2 observations, got %d", hist.GetSampleCount())
	}
	if got := hist.GetSampleSum(); got != 1.0 {
		t.Fatalf("expected sample sum 1.0, got %f", got)
	}
}

func TestPrometheusCollectorIgnoresUnknownTypesAndBlankNames(t *testing.T) {
	collector := NewPrometheusCollector()

	collector.Collect(Metric{Name: "", Type: MetricCounter, Value: 1})
	collector.Collect(Metric{Name: "something", Type: MetricType("gauge"), Value: 1})

	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(families) != 0 {
		t.Fatalf("expected nothing to be registered, got %d families", len(families))
	}
}

func TestPrometheusCollectorSkipsInconsistentLabels(t *testing.T) {
	collector := NewPrometheusCollector()

	collector.Collect(Metric{
		Name:   "cycles_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"result": "completed"},
	})
	// A second caller with different label names must not panic the vec.
	collector.Collect(Metric{
		Name:   "cycles_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"group": "farm"},
	})

	family := gatherFamily(t, collector, "gpu_watchdog_cycles_total")
	if family == nil {
		t.Fatal("expected the counter family to be registered")
	}
	if len(family.GetMetric()) != 1 {
		t.Fatalf("expected the mismatched sample to be dropped, got %d series", len(family.GetMetric()))
	}
}

func TestPrometheusCollectorNilIsInert(t *testing.T) {
	// A nil concrete pointer can end up boxed into the interface by careless
	// wiring; it must swallow samples instead of dereferencing itself.
	var collector MetricsCollector = (*PrometheusCollector)(nil)
	collector.Collect(Metric{
		Name:  "probe_duration_seconds",
		Type:  MetricHistogram,
		Value: 1.5,
	})

	var c *PrometheusCollector
	if c.Registry() != nil {
		t.Fatal("expected a nil collector to expose no registry")
	}
	if c.Handler() == nil {
		t.Fatal("expected a nil collector to fall back to a placeholder handler")
	}
}
