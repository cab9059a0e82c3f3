package exchange

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter         metric.Meter
	pushBlocked   metric.Int64Counter
	exchanged     metric.Int64Counter
	sendCompleted metric.Int64Counter
	sendBlocked   metric.Int64Counter
	popCompleted  metric.Int64Counter
	terminated    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/pxchg/exchange"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	pushBlocked, err := meter.Int64Counter("pxchg.push.blocked")
	if err != nil {
		return nil, err
	}
	exchanged, err := meter.Int64Counter("pxchg.exchanged")
	if err != nil {
		return nil, err
	}
	sendCompleted, err := meter.Int64Counter("pxchg.send.completed")
	if err != nil {
		return nil, err
	}
	sendBlocked, err := meter.Int64Counter("pxchg.send.blocked")
	if err != nil {
		return nil, err
	}
	popCompleted, err := meter.Int64Counter("pxchg.pop.completed")
	if err != nil {
		return nil, err
	}
	terminated, err := meter.Int64Counter("pxchg.terminated")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:         meter,
		pushBlocked:   pushBlocked,
		exchanged:     exchanged,
		sendCompleted: sendCompleted,
		sendBlocked:   sendBlocked,
		popCompleted:  popCompleted,
		terminated:    terminated,
	}, nil
}

func (o *OTelMetrics) PushBlocked(attrs map[string]string) {
	o.pushBlocked.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) Exchanged(attrs map[string]string) {
	o.exchanged.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) SendBlocked(attrs map[string]string) {
	o.sendBlocked.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) PopCompleted(attrs map[string]string) {
	o.popCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) Terminated(attrs map[string]string) {
	o.terminated.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, key := range metricLabelKeys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
