// Package simfabric is the in-process Transport backend: P peers are
// goroutines sharing one Fabric, and Put/Get/atomics/Barrier/reductions are
// realized with ordinary Go synchronization instead of RDMA verbs. It plays
// the role a libfabric provider plays for the fi package: the engine talks
// only to the transport.Transport interface, and simfabric is the concrete
// implementation that makes the verbs real.
package simfabric

import (
	"encoding/binary"
	"sync"

	"github.com/valyala/fastrand"

	"github.com/rocketbitz/pxchg/transport"
)

// Fabric is the shared state backing PeerCount() peers. Construct one
// Fabric per cohort and hand each goroutine its own Peer view.
type Fabric struct {
	p int

	destMu []sync.Mutex // one per destination peer; serializes put/get/atomic landing there

	allocMu  sync.Mutex
	allocSeq int
	allocs   map[int]*rendezvous

	collectMu  sync.Mutex
	collectSeq int
	collects   map[int]*rendezvous
}

// rendezvous gathers one contribution from each of P peers before releasing
// all of them, used for both symmetric allocation and collective
// reductions. Peers are assumed to call the Nth collective operation in the
// same relative order, which SPMD programs naturally satisfy.
type rendezvous struct {
	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	want    int

	// allocation payload
	shared *regionShared

	// reduction payload: one slot per peer, filled in as peers arrive
	values []uint64
}

func newRendezvous(want int) *rendezvous {
	r := &rendezvous{want: want, values: make([]uint64, want)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// NewFabric constructs a Fabric for p peers. p must be at least 1.
func NewFabric(p int) *Fabric {
	if p < 1 {
		panic("simfabric: peer count must be >= 1")
	}
	return &Fabric{
		p:        p,
		destMu:   make([]sync.Mutex, p),
		allocs:   make(map[int]*rendezvous),
		collects: make(map[int]*rendezvous),
	}
}

// Peer returns the Transport view for peer self, 0 <= self < PeerCount().
func (f *Fabric) Peer(self int) transport.Transport {
	if self < 0 || self >= f.p {
		panic("simfabric: self id out of range")
	}
	return &peerView{fabric: f, self: self}
}

type peerView struct {
	fabric *Fabric
	self   int
	rng    fastrand.RNG
}

var _ transport.Transport = (*peerView)(nil)

func (v *peerView) PeerCount() int { return v.fabric.p }
func (v *peerView) SelfID() int    { return v.self }

// SymmetricAlloc rendezvous-allocates a regionShared the first time any peer
// reaches a given allocation sequence number, then hands every peer its own
// bound regionImpl once all P have arrived.
func (v *peerView) SymmetricAlloc(n uintptr) (transport.Region, error) {
	f := v.fabric

	f.allocMu.Lock()
	seq := f.allocSeq
	r, ok := f.allocs[seq]
	if !ok {
		r = newRendezvous(f.p)
		f.allocs[seq] = r
	}
	f.allocMu.Unlock()

	r.mu.Lock()
	if r.shared == nil {
		padded := roundupPageSize(n)
		partitions := make([][]byte, f.p)
		for i := range partitions {
			partitions[i] = make([]byte, padded)[:n]
		}
		r.shared = &regionShared{perPeerLen: n, partitions: partitions}
	}
	r.arrived++
	last := r.arrived == r.want
	if last {
		f.allocMu.Lock()
		delete(f.allocs, seq)
		f.allocSeq++
		f.allocMu.Unlock()
		r.cond.Broadcast()
	} else {
		for r.arrived < r.want {
			r.cond.Wait()
		}
	}
	shared := r.shared
	r.mu.Unlock()

	return &regionImpl{shared: shared, self: v.self}, nil
}

func (v *peerView) Put(dst int, region transport.Region, remoteOffset uintptr, local []byte) error {
	if dst < 0 || dst >= v.fabric.p {
		return transport.ErrInvalidPeer
	}
	ri, ok := region.(*regionImpl)
	if !ok {
		return &transport.Fault{Op: "put", Peer: dst, Err: transport.ErrClosed}
	}

	mu := &v.fabric.destMu[dst]
	mu.Lock()
	defer mu.Unlock()

	part, err := ri.partition(dst)
	if err != nil {
		return &transport.Fault{Op: "put", Peer: dst, Err: err}
	}
	if remoteOffset+uintptr(len(local)) > uintptr(len(part)) {
		return &transport.Fault{Op: "put", Peer: dst, Err: transport.ErrInvalidPeer}
	}
	copy(part[remoteOffset:], local)
	return nil
}

func (v *peerView) Get(src int, region transport.Region, remoteOffset uintptr, local []byte) error {
	if src < 0 || src >= v.fabric.p {
		return transport.ErrInvalidPeer
	}
	ri, ok := region.(*regionImpl)
	if !ok {
		return &transport.Fault{Op: "get", Peer: src, Err: transport.ErrClosed}
	}

	mu := &v.fabric.destMu[src]
	mu.Lock()
	defer mu.Unlock()

	part, err := ri.partition(src)
	if err != nil {
		return &transport.Fault{Op: "get", Peer: src, Err: err}
	}
	if remoteOffset+uintptr(len(local)) > uintptr(len(part)) {
		return &transport.Fault{Op: "get", Peer: src, Err: transport.ErrInvalidPeer}
	}
	copy(local, part[remoteOffset:remoteOffset+uintptr(len(local))])
	return nil
}

func (v *peerView) AtomicFetchAdd(dst int, region transport.Region, remoteOffset uintptr, delta uint64) (uint64, error) {
	if dst < 0 || dst >= v.fabric.p {
		return 0, transport.ErrInvalidPeer
	}
	ri, ok := region.(*regionImpl)
	if !ok {
		return 0, &transport.Fault{Op: "atomic_fetch_add", Peer: dst, Err: transport.ErrClosed}
	}

	mu := &v.fabric.destMu[dst]
	mu.Lock()
	defer mu.Unlock()

	part, err := ri.partition(dst)
	if err != nil {
		return 0, &transport.Fault{Op: "atomic_fetch_add", Peer: dst, Err: err}
	}
	if remoteOffset+8 > uintptr(len(part)) {
		return 0, &transport.Fault{Op: "atomic_fetch_add", Peer: dst, Err: transport.ErrInvalidPeer}
	}
	word := part[remoteOffset : remoteOffset+8]
	prior := binary.LittleEndian.Uint64(word)
	binary.LittleEndian.PutUint64(word, prior+delta)
	return prior, nil
}

func (v *peerView) AtomicCAS(dst int, region transport.Region, remoteOffset uintptr, expected, newVal uint64) (uint64, error) {
	if dst < 0 || dst >= v.fabric.p {
		return 0, transport.ErrInvalidPeer
	}
	ri, ok := region.(*regionImpl)
	if !ok {
		return 0, &transport.Fault{Op: "atomic_cas", Peer: dst, Err: transport.ErrClosed}
	}

	mu := &v.fabric.destMu[dst]
	mu.Lock()
	defer mu.Unlock()

	part, err := ri.partition(dst)
	if err != nil {
		return 0, &transport.Fault{Op: "atomic_cas", Peer: dst, Err: err}
	}
	if remoteOffset+8 > uintptr(len(part)) {
		return 0, &transport.Fault{Op: "atomic_cas", Peer: dst, Err: transport.ErrInvalidPeer}
	}
	word := part[remoteOffset : remoteOffset+8]
	prior := binary.LittleEndian.Uint64(word)
	if prior == expected {
		binary.LittleEndian.PutUint64(word, newVal)
	}
	return prior, nil
}

func (v *peerView) LocalAtomicLoad(region transport.Region, offset uintptr) (uint64, error) {
	ri, ok := region.(*regionImpl)
	if !ok {
		return 0, &transport.Fault{Op: "local_atomic_load", Peer: v.self, Err: transport.ErrClosed}
	}

	mu := &v.fabric.destMu[v.self]
	mu.Lock()
	defer mu.Unlock()

	part, err := ri.partition(v.self)
	if err != nil {
		return 0, &transport.Fault{Op: "local_atomic_load", Peer: v.self, Err: err}
	}
	if offset+8 > uintptr(len(part)) {
		return 0, &transport.Fault{Op: "local_atomic_load", Peer: v.self, Err: transport.ErrInvalidPeer}
	}
	return binary.LittleEndian.Uint64(part[offset : offset+8]), nil
}

func (v *peerView) LocalAtomicStore(region transport.Region, offset uintptr, val uint64) error {
	ri, ok := region.(*regionImpl)
	if !ok {
		return &transport.Fault{Op: "local_atomic_store", Peer: v.self, Err: transport.ErrClosed}
	}

	mu := &v.fabric.destMu[v.self]
	mu.Lock()
	defer mu.Unlock()

	part, err := ri.partition(v.self)
	if err != nil {
		return &transport.Fault{Op: "local_atomic_store", Peer: v.self, Err: err}
	}
	if offset+8 > uintptr(len(part)) {
		return &transport.Fault{Op: "local_atomic_store", Peer: v.self, Err: transport.ErrInvalidPeer}
	}
	binary.LittleEndian.PutUint64(part[offset:offset+8], val)
	return nil
}

// Barrier is a counting barrier built on rendezvousGather. Because Put/Get/
// atomics above complete synchronously under the destination's mutex,
// every operation issued before a peer's Barrier call is already globally
// visible by the time that peer calls Barrier; the barrier only needs to
// establish that every peer has reached this point.
func (v *peerView) Barrier() error {
	_, err := v.fabric.rendezvousGather(v.self, 0)
	return err
}

func (v *peerView) ReduceAdd(val uint64) (uint64, error) {
	vals, err := v.fabric.rendezvousGather(v.self, val)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, x := range vals {
		sum += x
	}
	return sum, nil
}

func (v *peerView) ReduceMax(val uint64) (uint64, error) {
	vals, err := v.fabric.rendezvousGather(v.self, val)
	if err != nil {
		return 0, err
	}
	max := vals[0]
	for _, x := range vals[1:] {
		if x > max {
			max = x
		}
	}
	return max, nil
}

// PrefixAdd returns this peer's exclusive prefix sum over the values
// contributed by every peer, ordered by peer id.
func (v *peerView) PrefixAdd(val uint64) (uint64, error) {
	vals, err := v.fabric.rendezvousGather(v.self, val)
	if err != nil {
		return 0, err
	}
	var prefix uint64
	for i := 0; i < v.self; i++ {
		prefix += vals[i]
	}
	return prefix, nil
}

func (v *peerView) RandInt64(upper int64) int64 {
	if upper <= 0 {
		return 0
	}
	if upper <= (1<<32 - 1) {
		return int64(v.rng.Uint32n(uint32(upper)))
	}
	hi := uint64(v.rng.Uint32())
	lo := uint64(v.rng.Uint32())
	return int64((hi<<32 | lo) % uint64(upper))
}

// rendezvousGather collects one value per peer, keyed by call-sequence, and
// returns the full vector ordered by peer id to every peer.
func (f *Fabric) rendezvousGather(self int, val uint64) ([]uint64, error) {
	f.collectMu.Lock()
	seq := f.collectSeq
	r, ok := f.collects[seq]
	if !ok {
		r = newRendezvous(f.p)
		f.collects[seq] = r
	}
	f.collectMu.Unlock()

	r.mu.Lock()
	r.values[self] = val
	r.arrived++
	last := r.arrived == r.want
	if last {
		f.collectMu.Lock()
		delete(f.collects, seq)
		f.collectSeq++
		f.collectMu.Unlock()
		r.cond.Broadcast()
	} else {
		for r.arrived < r.want {
			r.cond.Wait()
		}
	}
	vals := append([]uint64(nil), r.values...)
	r.mu.Unlock()

	return vals, nil
}
