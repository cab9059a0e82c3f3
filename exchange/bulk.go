package exchange

import (
	"encoding/binary"

	"github.com/rocketbitz/pxchg/transport"
)

// BulkEngine is the barrier-synchronous exchange engine: pushes accumulate
// locally, Exchange ships every peer's send tiles to their destinations and
// blocks at a collective barrier, and Pop drains whatever arrived. The
// three phases are meant to run in that strict order each round: push until
// done or full, Exchange, pop everything, repeat. Exchange panics with
// MisuseError if called while a previous round's arrivals are still
// unread — see DESIGN.md for why this engine does not attempt to merge
// successive undrained arrivals instead of rejecting them.
type BulkEngine struct {
	t    transport.Transport
	p    int
	self int
	b    int
	s    int

	sendRow *tileRow
	recvReg transport.Region // self's partition: a P-wide row of incoming tiles, one per source

	countsReg transport.Region // self's partition: P 64-bit words, counts[src] written by src each Exchange
	waitReg   transport.Region // self's partition: P 64-bit words, wait_done[k] written by peer k

	pushCnt []int
	recvCnt []int
	recvPos []int
	firstNE int

	notifyDone bool

	lastPop struct {
		src   int
		valid bool
	}

	hooks hooks
}

// NewBulkEngine allocates the send/receive tile rows and termination state.
// Collective: every peer must call this with the same cfg.
func NewBulkEngine(t transport.Transport, cfg Config) (*BulkEngine, error) {
	if cfg.BufferItems <= 0 || cfg.ItemSize <= 0 {
		return nil, &TransportFault{Op: "init", Err: ErrBackpressure}
	}
	p := t.PeerCount()
	self := t.SelfID()

	recvReg, err := t.SymmetricAlloc(uintptr(p * cfg.BufferItems * cfg.ItemSize))
	if err != nil {
		return nil, &TransportFault{Op: "init:recv_alloc", Err: err}
	}
	countsReg, err := t.SymmetricAlloc(uintptr(p * 8))
	if err != nil {
		return nil, &TransportFault{Op: "init:counts_alloc", Err: err}
	}
	waitReg, err := t.SymmetricAlloc(uintptr(p * 8))
	if err != nil {
		return nil, &TransportFault{Op: "init:wait_alloc", Err: err}
	}

	return &BulkEngine{
		t:         t,
		p:         p,
		self:      self,
		b:         cfg.BufferItems,
		s:         cfg.ItemSize,
		sendRow:   newTileRow(p, cfg.BufferItems, cfg.ItemSize),
		recvReg:   recvReg,
		countsReg: countsReg,
		waitReg:   waitReg,
		pushCnt:   make([]int, p),
		recvCnt:   make([]int, p),
		recvPos:   make([]int, p),
		hooks:     newHooks(cfg, "bulk", self),
	}, nil
}

// Push stages item for delivery to dst on the next Exchange. Never blocks.
func (e *BulkEngine) Push(item []byte, dst int) bool {
	checkPeer(dst, e.p)
	if e.pushCnt[dst] >= e.b {
		e.hooks.pushBlocked(logKV("dst", dst))
		return false
	}
	e.sendRow.putItem(dst, e.pushCnt[dst], item)
	e.pushCnt[dst]++
	return true
}

// MinHeadroom returns the minimum across destinations of B - push_cnt[d].
func (e *BulkEngine) MinHeadroom() int {
	min := e.b
	for _, c := range e.pushCnt {
		if e.b-c < min {
			min = e.b - c
		}
	}
	return min
}

// Exchange ships every peer's send tile row to its destinations in a
// randomized order and blocks at a collective barrier. Collective.
func (e *BulkEngine) Exchange() error {
	if !e.allDrained() {
		panic(MisuseError{Op: "Exchange", Reason: "receive tiles not drained since the previous exchange"})
	}
	// No peer ships into another's receive tiles until every peer has
	// drained the previous round's arrivals.
	if err := e.t.Barrier(); err != nil {
		return &TransportFault{Op: "exchange:entry_barrier", Err: err}
	}

	span := e.hooks.startSpan("bulk.exchange")
	order := e.permutation()
	for _, d := range order {
		n := e.pushCnt[d]
		if n > 0 {
			data := e.sendRow.slot(d)[:n*e.s]
			if err := e.t.Put(d, e.recvReg, uintptr(e.self*e.b*e.s), data); err != nil {
				endSpan(span, err)
				return &TransportFault{Op: "exchange:put_data", Err: err}
			}
		}
		if err := e.putCount(d, n); err != nil {
			endSpan(span, err)
			return err
		}
		e.pushCnt[d] = 0
	}
	if err := e.t.Barrier(); err != nil {
		endSpan(span, err)
		return &TransportFault{Op: "exchange:barrier", Err: err}
	}
	spanEvent(span, "barrier_complete")

	for src := 0; src < e.p; src++ {
		n := e.readCount(src)
		e.recvCnt[src] = n
		e.recvPos[src] = 0
	}
	e.firstNE = 0
	e.hooks.exchanged()
	endSpan(span, nil)
	return nil
}

// permutation returns a random ordering of [0,p) regenerated from the
// transport's per-peer PRNG, spreading outgoing puts over the network
// instead of hot-spotting one destination index across every peer.
func (e *BulkEngine) permutation() []int {
	order := make([]int, e.p)
	for i := range order {
		order[i] = i
	}
	for i := e.p - 1; i > 0; i-- {
		j := int(e.t.RandInt64(int64(i + 1)))
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (e *BulkEngine) putCount(dst, n int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	if err := e.t.Put(dst, e.countsReg, uintptr(e.self*8), buf[:]); err != nil {
		return &TransportFault{Op: "exchange:put_count", Err: err}
	}
	return nil
}

func (e *BulkEngine) readCount(src int) int {
	local := e.countsReg.Local()
	return int(binary.LittleEndian.Uint64(local[src*8 : src*8+8]))
}

func (e *BulkEngine) allDrained() bool {
	for i := 0; i < e.p; i++ {
		if e.recvPos[i] < e.recvCnt[i] {
			return false
		}
	}
	return true
}

// Pop consumes the oldest unread item from the lowest-indexed non-empty
// source, starting the scan at the first_ne_rcv hint.
func (e *BulkEngine) Pop(item []byte) (int, bool) {
	for i := e.firstNE; i < e.p; i++ {
		if e.recvPos[i] < e.recvCnt[i] {
			copy(item, e.recvRow().item(i, e.recvPos[i]))
			e.recvPos[i]++
			e.lastPop = struct {
				src   int
				valid bool
			}{i, true}
			e.advanceFirstNE()
			e.hooks.popCompleted(logKV("src", i))
			return i, true
		}
	}
	return 0, false
}

// Pull returns a zero-copy view of the next unread item.
func (e *BulkEngine) Pull() ([]byte, int, bool) {
	for i := e.firstNE; i < e.p; i++ {
		if e.recvPos[i] < e.recvCnt[i] {
			item := e.recvRow().item(i, e.recvPos[i])
			e.recvPos[i]++
			e.lastPop = struct {
				src   int
				valid bool
			}{i, true}
			e.advanceFirstNE()
			e.hooks.popCompleted(logKV("src", i))
			return item, i, true
		}
	}
	return nil, 0, false
}

// Unpop undoes the immediately preceding Pop or Pull.
func (e *BulkEngine) Unpop() {
	if !e.lastPop.valid {
		panic(MisuseError{Op: "Unpop", Reason: "no prior pop to undo"})
	}
	e.recvPos[e.lastPop.src]--
	if e.lastPop.src < e.firstNE {
		e.firstNE = e.lastPop.src
	}
	e.lastPop.valid = false
}

// Unpull is an alias of Unpop; Pull's zero-copy view does not change the
// undo bookkeeping.
func (e *BulkEngine) Unpull() { e.Unpop() }

// PopFrom pops the next unread item from src specifically.
func (e *BulkEngine) PopFrom(src int, item []byte) bool {
	checkPeer(src, e.p)
	if e.recvPos[src] >= e.recvCnt[src] {
		return false
	}
	copy(item, e.recvRow().item(src, e.recvPos[src]))
	e.recvPos[src]++
	e.hooks.popCompleted(logKV("src", src))
	return true
}

// UnpopFrom undoes the caller's own immediately preceding PopFrom(src, ...).
func (e *BulkEngine) UnpopFrom(src int) {
	checkPeer(src, e.p)
	if e.recvPos[src] == 0 {
		panic(MisuseError{Op: "UnpopFrom", Reason: "no prior pop from this source to undo"})
	}
	e.recvPos[src]--
}

func (e *BulkEngine) advanceFirstNE() {
	for e.firstNE < e.p && e.recvPos[e.firstNE] >= e.recvCnt[e.firstNE] {
		e.firstNE++
	}
}

func (e *BulkEngine) recvRow() *tileRow {
	return &tileRow{p: e.p, b: e.b, s: e.s, data: e.recvReg.Local()}
}

// Proceed drives the termination protocol. If done is true and this peer
// has not yet announced, it writes its done flag into every other peer's
// wait_done array. Proceed only exchanges once this peer's own arrivals
// have been drained by the caller, so a caller that calls Pop in a loop
// before each Proceed call always makes progress without tripping
// Exchange's drain invariant.
func (e *BulkEngine) Proceed(done bool) bool {
	if done && !e.notifyDone {
		span := e.hooks.startSpan("bulk.announce_done")
		for m := 0; m < e.p; m++ {
			if m == e.self {
				continue
			}
			if err := e.announceDone(m); err != nil {
				endSpan(span, err)
				panic(&TransportFault{Op: "proceed:announce_done", Err: err})
			}
		}
		binary.LittleEndian.PutUint64(e.waitReg.Local()[e.self*8:e.self*8+8], 1)
		e.notifyDone = true
		spanEvent(span, "announced")
		endSpan(span, nil)
	}

	if !e.allDrained() {
		return true
	}

	if err := e.Exchange(); err != nil {
		panic(err)
	}

	if e.allAnnouncedDone() && e.allDrained() {
		e.hooks.terminated()
		return false
	}
	return true
}

func (e *BulkEngine) announceDone(dst int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if err := e.t.Put(dst, e.waitReg, uintptr(e.self*8), buf[:]); err != nil {
		return err
	}
	return nil
}

func (e *BulkEngine) allAnnouncedDone() bool {
	local := e.waitReg.Local()
	for k := 0; k < e.p; k++ {
		if binary.LittleEndian.Uint64(local[k*8:k*8+8]) != 1 {
			return false
		}
	}
	return true
}

// Reset zeros cursors and termination state; allocations are kept.
func (e *BulkEngine) Reset() error {
	for i := range e.pushCnt {
		e.pushCnt[i] = 0
		e.recvCnt[i] = 0
		e.recvPos[i] = 0
	}
	e.firstNE = 0
	e.notifyDone = false
	e.lastPop.valid = false
	clearWords(e.waitReg.Local())
	clearWords(e.countsReg.Local())
	return nil
}

// Close releases the engine's transport allocations. Collective.
func (e *BulkEngine) Close() error {
	var firstErr error
	for _, r := range []transport.Region{e.recvReg, e.countsReg, e.waitReg} {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func clearWords(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
