package exchange_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/pxchg/exchange"
	"github.com/rocketbitz/pxchg/transport/simfabric"
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for _, entry := range logs.All() {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, name, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != name {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

// TestBulkEngineStructuredLoggingAndTracing exercises a real two-peer bulk
// exchange with both a StructuredLogger and an OTelTracer wired in,
// confirming the hooks path is reachable rather than decorative.
func TestBulkEngineStructuredLoggingAndTracing(t *testing.T) {
	const p, b, s = 2, 4, 8

	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := exchange.NewOTelTracer(exchange.OTelTracerOptions{TracerProvider: tp})

	cfg := exchange.Config{
		BufferItems:      b,
		ItemSize:         s,
		StructuredLogger: logger,
		Tracer:           tracer,
	}

	fabric := simfabric.NewFabric(p)
	engines := make([]*exchange.BulkEngine, p)
	var wg sync.WaitGroup
	errs := make([]error, p)
	wg.Add(p)
	for i := 0; i < p; i++ {
		go func(self int) {
			defer wg.Done()
			eng, err := exchange.NewBulkEngine(fabric.Peer(self), cfg)
			engines[self] = eng
			errs[self] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("NewBulkEngine: %v", err)
		}
	}

	wg.Add(p)
	for i := 0; i < p; i++ {
		go func(self int) {
			defer wg.Done()
			eng := engines[self]
			defer eng.Close()

			item := make([]byte, s)
			binary.LittleEndian.PutUint64(item, uint64(self))
			dst := (self + 1) % p
			for !eng.Push(item, dst) {
				t.Errorf("peer %d: unexpected push failure at full headroom", self)
				return
			}
			if err := eng.Exchange(); err != nil {
				t.Errorf("peer %d: Exchange: %v", self, err)
				return
			}
			for {
				if _, ok := eng.Pop(item); !ok {
					break
				}
			}
			for eng.Proceed(true) {
				for {
					if _, ok := eng.Pop(item); !ok {
						break
					}
				}
			}
		}(i)
	}
	wg.Wait()

	if !waitForLogEvent(observedLogs, "exchanged", time.Second) {
		t.Fatal("missing exchanged structured log entry")
	}
	if !waitForLogEvent(observedLogs, "pop_completed", time.Second) {
		t.Fatal("missing pop_completed structured log entry")
	}
	if !waitForLogEvent(observedLogs, "terminated", time.Second) {
		t.Fatal("missing terminated structured log entry")
	}

	if !spanHasEvent(recorder, "bulk.exchange", "barrier_complete") {
		t.Fatal("missing barrier_complete span event on bulk.exchange")
	}
	if !spanHasEvent(recorder, "bulk.announce_done", "announced") {
		t.Fatal("missing announced span event on bulk.announce_done")
	}

	_ = logger.Sync()
}

// TestOTelTracerRecordsErrors confirms that AddEvent and RecordError on an
// OTelTracer span land as events on the recorded span.
func TestOTelTracerRecordsErrors(t *testing.T) {
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := exchange.NewOTelTracer(exchange.OTelTracerOptions{TracerProvider: tp})

	span := tracer.StartSpan("test.span", exchange.TraceAttribute{Key: "peer", Value: 0})
	span.AddEvent("something_happened", exchange.TraceAttribute{Key: "n", Value: 3})
	span.RecordError(errBoom)
	span.End(errBoom)

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(ended))
	}
	events := ended[0].Events()
	var sawEvent, sawError bool
	for _, evt := range events {
		if evt.Name == "something_happened" {
			sawEvent = true
		}
		if evt.Name == "exception" {
			sawError = true
		}
	}
	if !sawEvent {
		t.Fatal("missing something_happened event")
	}
	if !sawError {
		t.Fatal("missing recorded error event")
	}
}

var errBoom = exchange.MisuseError{Op: "test", Reason: "boom"}
