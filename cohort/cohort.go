// Package cohort spawns the goroutines that stand in for SPMD peers in
// tests and examples: one goroutine per rank, all sharing one
// simfabric.Fabric, each running the same peer function with its own
// transport.Transport view.
package cohort

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rocketbitz/pxchg/transport"
	"github.com/rocketbitz/pxchg/transport/simfabric"
)

// PeerFunc is the per-rank entry point. self and the fixed peer count are
// available through t.SelfID() and t.PeerCount().
type PeerFunc func(t transport.Transport) error

// Run starts p goroutines sharing one Fabric and runs fn on each, returning
// one error per rank (nil on success) indexed by rank id. Run blocks until
// every peer's fn has returned.
func Run(p int, fn PeerFunc) []error {
	fabric := simfabric.NewFabric(p)
	errs := make([]error, p)

	var wg sync.WaitGroup
	wg.Add(p)
	for i := 0; i < p; i++ {
		go func(self int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok {
						errs[self] = err
					} else {
						errs[self] = &PanicError{Value: r}
					}
				}
			}()
			errs[self] = fn(fabric.Peer(self))
		}(i)
	}
	wg.Wait()
	return errs
}

// PanicError wraps a non-error panic value recovered from a peer goroutine,
// so a single misbehaving rank surfaces as a normal error to the caller
// instead of crashing the whole test binary.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "cohort: peer panicked: " + errString(e.Value)
}

func errString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}

// FirstError returns the first non-nil error in errs, or nil if every rank
// succeeded.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DefaultLogger returns a production zap.SugaredLogger suitable for
// exchange.Config.StructuredLogger, the same logger family the teacher
// client uses in production.
func DefaultLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
