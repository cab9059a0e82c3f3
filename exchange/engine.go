// Package exchange implements the two buffered all-to-all message-exchange
// engines: BulkEngine (barrier-synchronous) and AsyncEngine (barrier-free).
// Both satisfy Engine, the shared push/pop/proceed contract; Exchange is a
// Bulk-only collective operation layered on top.
package exchange

// Engine is the operation surface shared by BulkEngine and AsyncEngine.
// Implementations are single-threaded per peer: no method spawns its own
// goroutines, and concurrency only happens across peers through the
// transport.
type Engine interface {
	// Push stages item (exactly ItemSize bytes) for delivery to dst.
	// Returns false if the destination's send tile is full; the caller
	// must drain inbound traffic (directly or via Proceed) and retry.
	// Never blocks.
	Push(item []byte, dst int) bool

	// Pop consumes the next unread item from any source: BulkEngine scans
	// sources lowest id first, AsyncEngine drains inbound tiles in the
	// order their shipments arrived. Returns false when every receive tile
	// is drained.
	Pop(item []byte) (src int, ok bool)
	// Unpop undoes the immediately preceding Pop, restoring that item. It
	// panics with MisuseError if there is no pop to undo.
	Unpop()
	// Pull returns a view of the next unread item without copying it.
	Pull() (item []byte, src int, ok bool)
	// Unpull undoes the immediately preceding Pull.
	Unpull()

	// PopFrom and UnpopFrom are Pop/Unpop restricted to a single source.
	PopFrom(src int, item []byte) bool
	UnpopFrom(src int)

	// Proceed advances the termination protocol. done signals that this
	// peer has no more application-level work to push. Proceed returns
	// true while further work remains possible anywhere in the cohort and
	// false once every peer has converged and every receive tile is
	// drained; callers loop on it until it returns false.
	Proceed(done bool) bool

	// Reset zeros cursors and termination state, leaving allocations
	// intact, so the engine can be reused for another phase.
	Reset() error
	// Close tears down the engine's transport allocations. Collective.
	Close() error
}
