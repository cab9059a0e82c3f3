// Package transport defines the shared-address-space capability consumed by
// the exchange engines: symmetric allocation, one-sided put/get, atomic
// fetch-add/compare-and-swap on 64-bit words, a collective barrier, and a
// handful of reductions. It mirrors the shape of a libfabric fi_domain: a
// capability object handed to callers, opaque handles for remote-accessible
// memory, and explicit verbs instead of implicit synchronization.
//
// Transport is external to the exchange engines; this package ships one
// concrete backend, simfabric, that realizes the contract across goroutines
// standing in for peers. A true RDMA/PGAS backend would satisfy the same
// interface by mapping directly onto hardware put/get and atomic verbs.
package transport

import (
	"errors"
	"fmt"
)

// ErrInvalidPeer indicates a peer id outside [0, PeerCount()).
var ErrInvalidPeer = errors.New("transport: invalid peer id")

// ErrClosed indicates use of a transport or region after Close.
var ErrClosed = errors.New("transport: closed")

// Fault wraps an underlying put/get/atomic failure. Transport faults are
// unrecoverable from the engine's perspective; callers surface them as fatal.
type Fault struct {
	Op   string
	Peer int
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("transport: %s to peer %d: %v", f.Op, f.Peer, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Region is a symmetric allocation: the same-sized byte range exists at the
// same handle on every peer, and every peer may address any other peer's
// region through that handle via Put/Get/atomics.
type Region interface {
	// Len reports the per-peer region length in bytes.
	Len() uintptr
	// Local returns a byte slice view of this peer's local partition of the
	// region. Mutating it is only safe for data this peer owns; remote peers
	// may write into it concurrently via Put/atomics.
	Local() []byte
	// Close releases the region. Collective: every peer must call Close.
	Close() error
}

// Transport is the capability the exchange engines are built on.
type Transport interface {
	// PeerCount reports P, the fixed number of peers for this transport's
	// lifetime.
	PeerCount() int
	// SelfID reports this peer's id in [0, PeerCount()).
	SelfID() int

	// SymmetricAlloc allocates a Region of n bytes on every peer, returning
	// the local handle. Collective.
	SymmetricAlloc(n uintptr) (Region, error)

	// Put issues a one-sided write of local[:n] into dst's copy of region at
	// remoteOffset. Does not block past local completion; Barrier is
	// required for global completion.
	Put(dst int, region Region, remoteOffset uintptr, local []byte) error
	// Get issues a one-sided read of n bytes from src's copy of region at
	// remoteOffset into local.
	Get(src int, region Region, remoteOffset uintptr, local []byte) error

	// LocalAtomicLoad safely reads the 64-bit word at offset in this peer's
	// own partition of region, synchronized against concurrent remote
	// Put/atomic traffic landing on this peer.
	LocalAtomicLoad(region Region, offset uintptr) (uint64, error)
	// LocalAtomicStore safely writes the 64-bit word at offset in this
	// peer's own partition of region, synchronized the same way.
	LocalAtomicStore(region Region, offset uintptr, val uint64) error

	// AtomicFetchAdd adds delta to the 64-bit word at remoteOffset in dst's
	// copy of region and returns the prior value.
	AtomicFetchAdd(dst int, region Region, remoteOffset uintptr, delta uint64) (uint64, error)
	// AtomicCAS compares the 64-bit word at remoteOffset in dst's copy of
	// region against expected and, if equal, stores newVal. Returns the
	// value observed before the (possibly skipped) store.
	AtomicCAS(dst int, region Region, remoteOffset uintptr, expected, newVal uint64) (uint64, error)

	// Barrier blocks until every peer has called Barrier, and guarantees
	// that every Put/atomic issued by any peer before its Barrier call has
	// globally completed before any peer's Barrier call returns.
	Barrier() error

	// ReduceAdd, PrefixAdd and ReduceMax are collective reductions over one
	// 64-bit word contributed by each peer. ReduceAdd and ReduceMax return
	// the same value on every peer; PrefixAdd returns this peer's exclusive
	// prefix sum.
	ReduceAdd(v uint64) (uint64, error)
	PrefixAdd(v uint64) (uint64, error)
	ReduceMax(v uint64) (uint64, error)

	// RandInt64 draws from this peer's private PRNG stream, uniform in
	// [0, upper).
	RandInt64(upper int64) int64
}
