package exchange

// Config controls engine construction. BufferItems and ItemSize correspond
// to B and S in the exchange contract; they are fixed for the engine's
// lifetime and must be identical on every peer.
type Config struct {
	BufferItems int
	ItemSize    int

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Logger provides plain-text debug logging hooks for the engines.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies this interface directly.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to a span or event.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping engine activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle events, sub-events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures engine telemetry events.
type MetricHook interface {
	PushBlocked(attrs map[string]string)
	Exchanged(attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendBlocked(attrs map[string]string)
	PopCompleted(attrs map[string]string)
	Terminated(attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}
