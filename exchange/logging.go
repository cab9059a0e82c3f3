package exchange

import (
	"fmt"
	"strings"
)

// hooks bundles the ambient observability surface shared by both engines:
// structured logging, tracing, and metrics, each optional and independently
// nil-safe, mirroring the teacher client's logDispatcherEvent/metric* helpers.
type hooks struct {
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook

	kind string // "bulk" or "async", attached to every metric/log attribute set
	self int
}

func newHooks(cfg Config, kind string, self int) hooks {
	return hooks{
		logger:     cfg.Logger,
		structured: cfg.StructuredLogger,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		kind:       kind,
		self:       self,
	}
}

func (h *hooks) attrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs["engine"] = h.kind
	attrs["peer"] = fmt.Sprint(h.self)
	for _, f := range fields {
		if f.key == "" {
			continue
		}
		attrs[f.key] = fmt.Sprint(f.value)
	}
	return attrs
}

func (h *hooks) logEvent(event string, fields ...logField) {
	if h.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, f := range fields {
			if f.key == "" {
				continue
			}
			kv = append(kv, f.key, f.value)
		}
		h.structured.Debugw(fmt.Sprintf("%s exchange", h.kind), kv...)
		return
	}
	if h.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, f := range fields {
		if f.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(f.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(f.value))
	}
	h.logger.Debugf("%s exchange peer=%d %s", h.kind, h.self, b.String())
}

func (h *hooks) startSpan(name string, fields ...logField) Span {
	if h.tracer == nil {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields)+1)
	attrs = append(attrs, TraceAttribute{Key: "peer", Value: h.self})
	for _, f := range fields {
		attrs = append(attrs, TraceAttribute{Key: f.key, Value: f.value})
	}
	return h.tracer.StartSpan(name, attrs...)
}

func endSpan(span Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End(err)
}

func spanEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, f := range fields {
		if f.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: f.key, Value: f.value})
	}
	span.AddEvent(name, attrs...)
}

func (h *hooks) pushBlocked(fields ...logField) {
	h.logEvent("push_blocked", fields...)
	if h.metrics != nil {
		h.metrics.PushBlocked(h.attrs(fields...))
	}
}

func (h *hooks) exchanged(fields ...logField) {
	h.logEvent("exchanged", fields...)
	if h.metrics != nil {
		h.metrics.Exchanged(h.attrs(fields...))
	}
}

func (h *hooks) sendCompleted(fields ...logField) {
	h.logEvent("send_completed", fields...)
	if h.metrics != nil {
		h.metrics.SendCompleted(h.attrs(fields...))
	}
}

func (h *hooks) sendBlocked(fields ...logField) {
	h.logEvent("send_blocked", fields...)
	if h.metrics != nil {
		h.metrics.SendBlocked(h.attrs(fields...))
	}
}

func (h *hooks) popCompleted(fields ...logField) {
	h.logEvent("pop_completed", fields...)
	if h.metrics != nil {
		h.metrics.PopCompleted(h.attrs(fields...))
	}
}

func (h *hooks) terminated(fields ...logField) {
	h.logEvent("terminated", fields...)
	if h.metrics != nil {
		h.metrics.Terminated(h.attrs(fields...))
	}
}
