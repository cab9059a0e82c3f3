package exchange

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OTelTracerOptions configures NewOTelTracer.
type OTelTracerOptions struct {
	TracerProvider         trace.TracerProvider
	InstrumentationName    string
	InstrumentationVersion string
}

var _ Tracer = (*OTelTracer)(nil)

// OTelTracer implements Tracer by starting spans on a real OpenTelemetry
// TracerProvider, wrapping Exchange, Send, and Proceed's announce/flush
// steps in spans the way the teacher wraps its dispatcher loop.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer constructs a Tracer backed by OpenTelemetry spans.
func NewOTelTracer(opts OTelTracerOptions) *OTelTracer {
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	name := opts.InstrumentationName
	if name == "" {
		name = "github.com/rocketbitz/pxchg/exchange"
	}
	return &OTelTracer{
		tracer: provider.Tracer(name, trace.WithInstrumentationVersion(opts.InstrumentationVersion)),
	}
}

func (o *OTelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attributes...))
	return &otelSpan{span: span}
}

var _ Span = (*otelSpan)(nil)

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *otelSpan) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case nil:
		return attribute.String(attr.Key, "")
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int8:
		return attribute.Int(attr.Key, int(v))
	case int16:
		return attribute.Int(attr.Key, int(v))
	case int32:
		return attribute.Int(attr.Key, int(v))
	case int64:
		return attribute.Int64(attr.Key, v)
	case uint:
		return attribute.Int64(attr.Key, int64(v))
	case uint8:
		return attribute.Int(attr.Key, int(v))
	case uint16:
		return attribute.Int(attr.Key, int(v))
	case uint32:
		return attribute.Int64(attr.Key, int64(v))
	case uint64:
		return attribute.Int64(attr.Key, int64(v))
	case float32:
		return attribute.Float64(attr.Key, float64(v))
	case float64:
		return attribute.Float64(attr.Key, v)
	case error:
		return attribute.String(attr.Key, v.Error())
	default:
		return attribute.String(attr.Key, fmt.Sprint(attr.Value))
	}
}
