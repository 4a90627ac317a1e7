package orchestrator

import (
	"context"

	"github.com/aapdo/gpu-monitor/pkg/observability"
)

// Reporter receives everything the orchestrator wants the outside world to
// know: structured events for the log stream and samples for the metrics
// pipeline. Implementations must not block the cycle.
type Reporter interface {
	RecordEvent(ctx context.Context, ev observability.Event)
	RecordMetric(m observability.Metric)
}

// ReporterFuncs assembles a Reporter from optional callbacks.
type ReporterFuncs struct {
	OnEvent  func(ctx context.Context, ev observability.Event)
	OnMetric func(m observability.Metric)
}

func (f ReporterFuncs) RecordEvent(ctx context.Context, ev observability.Event) {
	if f.OnEvent != nil {
		f.OnEvent(ctx, ev)
	}
}

func (f ReporterFuncs) RecordMetric(m observability.Metric) {
	if f.OnMetric != nil {
		f.OnMetric(m)
	}
}

// NoopReporter drops everything.
type NoopReporter struct{}

func (NoopReporter) RecordEvent(context.Context, observability.Event) {}

func (NoopReporter) RecordMetric(observability.Metric) {}

// StructuredReporter stamps events with the orchestrator component and a
// default level, then hands them to a logger and a metrics collector. Either
// sink may be nil; the other keeps working.
type StructuredReporter struct {
	logger  observability.Logger
	metrics observability.MetricsCollector
}

// NewStructuredReporter wires the two sinks together.
func NewStructuredReporter(logger observability.Logger, metrics observability.MetricsCollector) *StructuredReporter {
	return &StructuredReporter{logger: logger, metrics: metrics}
}

// RecordEvent logs the event. Logging failures are swallowed: a broken log
// sink must never stall reconciliation.
func (s *StructuredReporter) RecordEvent(ctx context.Context, ev observability.Event) {
	if s == nil || s.logger == nil {
		return
	}
	stamped := ev.Clone()
	if stamped.Component == "" {
		stamped.Component = "orchestrator"
	}
	if stamped.Level == "" {
		stamped.Level = observability.LevelInfo
	}
	_ = s.logger.Log(ctx, stamped)
}

// RecordMetric forwards the sample to the metrics collector.
func (s *StructuredReporter) RecordMetric(m observability.Metric) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.Collect(m)
}

var (
	_ Reporter = ReporterFuncs{}
	_ Reporter = NoopReporter{}
	_ Reporter = (*StructuredReporter)(nil)
)
