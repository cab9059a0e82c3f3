package exchange

import (
	"encoding/binary"

	"github.com/rocketbitz/pxchg/transport"
)

// AsyncEngine is the barrier-free exchange engine: every peer ships a send
// tile to any destination as soon as it fills (or is force-flushed) and as
// soon as that destination's credit bit says the previous tile has drained.
// A small ring per peer announces each shipment so the receiver can
// activate tiles in arrival order without polling every possible source.
type AsyncEngine struct {
	t    transport.Transport
	p    int
	self int
	b    int
	s    int

	sendRow *tileRow
	recvReg transport.Region // self's row: P incoming B*S tiles, one per source

	canSendReg  transport.Region // self's P-wide credit array, indexed by destination
	msgQueueReg transport.Region // self's shipment-announcement ring
	numMsgsReg  transport.Region // self's single fetch-added ring head

	ringSize int
	ringMask uint64

	pushCnt []int // staged item counts, indexed by destination

	numPopped uint64 // local ring tail

	srcTile     []*activeTile // per-source undrained tile, nil when idle
	activeQueue []int         // source ids queued for Pop's arrival-ordered selection
	currentSrc  int           // source of the tile Pop/Pull is currently reading, -1 if none

	lastPop struct {
		src   int
		valid bool
	}

	notifyDone     bool
	doneSeen       []bool
	numDoneSending int
	allDone        bool

	hooks hooks
}

// activeTile is the receive-side cursor into one source's currently
// in-flight shipment. At most one exists per source at a time: the credit
// protocol forbids a source from shipping a second tile before this one is
// fully drained and acknowledged.
type activeTile struct {
	count, pos int
}

var _ Engine = (*AsyncEngine)(nil)

// NewAsyncEngine allocates the send/receive tiles, the credit array, and the
// shipment ring. Collective: every peer must call this with the same cfg.
func NewAsyncEngine(t transport.Transport, cfg Config) (*AsyncEngine, error) {
	if cfg.BufferItems <= 0 || cfg.ItemSize <= 0 {
		return nil, &TransportFault{Op: "init", Err: ErrBackpressure}
	}
	p := t.PeerCount()
	self := t.SelfID()
	ringSize := roundupPow2(2 * p)

	recvReg, err := t.SymmetricAlloc(uintptr(p * cfg.BufferItems * cfg.ItemSize))
	if err != nil {
		return nil, &TransportFault{Op: "init:recv_alloc", Err: err}
	}
	canSendReg, err := t.SymmetricAlloc(uintptr(p * 8))
	if err != nil {
		return nil, &TransportFault{Op: "init:can_send_alloc", Err: err}
	}
	msgQueueReg, err := t.SymmetricAlloc(uintptr(ringSize * 8))
	if err != nil {
		return nil, &TransportFault{Op: "init:ring_alloc", Err: err}
	}
	numMsgsReg, err := t.SymmetricAlloc(8)
	if err != nil {
		return nil, &TransportFault{Op: "init:num_msgs_alloc", Err: err}
	}

	e := &AsyncEngine{
		t:           t,
		p:           p,
		self:        self,
		b:           cfg.BufferItems,
		s:           cfg.ItemSize,
		sendRow:     newTileRow(p, cfg.BufferItems, cfg.ItemSize),
		recvReg:     recvReg,
		canSendReg:  canSendReg,
		msgQueueReg: msgQueueReg,
		numMsgsReg:  numMsgsReg,
		ringSize:    ringSize,
		ringMask:    uint64(ringSize - 1),
		pushCnt:     make([]int, p),
		srcTile:     make([]*activeTile, p),
		currentSrc:  -1,
		doneSeen:    make([]bool, p),
		hooks:       newHooks(cfg, "async", self),
	}
	e.initCredit()
	return e, nil
}

func (e *AsyncEngine) initCredit() {
	local := e.canSendReg.Local()
	for i := 0; i < e.p; i++ {
		binary.LittleEndian.PutUint64(local[i*8:i*8+8], 1)
	}
}

// packMsg lays out count in bits [63:32], sender in bits [31:1], and islast
// in bit 0 — the layout the source actually implements, not the one its own
// comment describes.
func packMsg(count, sender int, islast bool) uint64 {
	w := uint64(count)<<32 | uint64(sender)<<1
	if islast {
		w |= 1
	}
	return w
}

func unpackMsg(w uint64) (count, sender int, islast bool) {
	count = int(w >> 32)
	sender = int((w >> 1) & 0x7fffffff)
	islast = w&1 == 1
	return
}

// Push stages item for dst, force-sending the current tile when full. A
// failed force-send (destination not yet clear to receive) is reported as
// backpressure; the caller must drain inbound traffic and retry.
func (e *AsyncEngine) Push(item []byte, dst int) bool {
	checkPeer(dst, e.p)
	if e.pushCnt[dst] < e.b {
		e.sendRow.putItem(dst, e.pushCnt[dst], item)
		e.pushCnt[dst]++
		return true
	}

	ok, err := e.send(dst, false)
	if err != nil {
		panic(err)
	}
	if !ok {
		e.hooks.pushBlocked(logKV("dst", dst))
		return false
	}

	e.sendRow.putItem(dst, e.pushCnt[dst], item)
	e.pushCnt[dst]++
	return true
}

// Send force-ships whatever is currently staged for dst, optionally marking
// it as the final shipment this peer will ever send to dst. Returns false
// if dst has not yet returned credit for its previous tile.
func (e *AsyncEngine) Send(dst int, islast bool) bool {
	checkPeer(dst, e.p)
	span := e.hooks.startSpan("async.send", logKV("dst", dst), logKV("islast", islast))
	ok, err := e.send(dst, islast)
	if err != nil {
		endSpan(span, err)
		panic(err)
	}
	if ok {
		spanEvent(span, "sent")
	} else {
		spanEvent(span, "blocked")
	}
	endSpan(span, nil)
	return ok
}

func (e *AsyncEngine) send(dst int, islast bool) (bool, error) {
	canSend, err := e.t.LocalAtomicLoad(e.canSendReg, uintptr(dst*8))
	if err != nil {
		return false, &TransportFault{Op: "send:can_send", Err: err}
	}
	if canSend == 0 {
		e.hooks.sendBlocked(logKV("dst", dst))
		return false, nil
	}

	n := e.pushCnt[dst]
	if n > 0 {
		data := e.sendRow.slot(dst)[:n*e.s]
		if err := e.t.Put(dst, e.recvReg, uintptr(e.self*e.b*e.s), data); err != nil {
			return false, &TransportFault{Op: "send:put_data", Err: err}
		}
	}
	// Clear credit before announcing: once the ring message is visible the
	// receiver may immediately re-grant it, and a late clear here would
	// stomp that grant.
	if err := e.t.LocalAtomicStore(e.canSendReg, uintptr(dst*8), 0); err != nil {
		return false, &TransportFault{Op: "send:clear_can_send", Err: err}
	}

	old, err := e.t.AtomicFetchAdd(dst, e.numMsgsReg, 0, 1)
	if err != nil {
		return false, &TransportFault{Op: "send:claim_slot", Err: err}
	}
	slot := old & e.ringMask
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], packMsg(n, e.self, islast))
	if err := e.t.Put(dst, e.msgQueueReg, uintptr(slot)*8, buf[:]); err != nil {
		return false, &TransportFault{Op: "send:put_announce", Err: err}
	}

	e.pushCnt[dst] = 0
	e.hooks.sendCompleted(logKV("dst", dst))
	return true, nil
}

// pollInbound observes every ring slot announced since the last poll,
// updating per-source tile state and endgame bookkeeping. It never blocks.
func (e *AsyncEngine) pollInbound() {
	cur, err := e.t.LocalAtomicLoad(e.numMsgsReg, 0)
	if err != nil {
		panic(&TransportFault{Op: "poll:num_msgs", Err: err})
	}
	for e.numPopped < cur {
		slot := e.numPopped & e.ringMask
		word, err := e.t.LocalAtomicLoad(e.msgQueueReg, uintptr(slot)*8)
		if err != nil {
			panic(&TransportFault{Op: "poll:ring_slot", Err: err})
		}
		e.numPopped++

		count, sender, islast := unpackMsg(word)
		if islast && !e.doneSeen[sender] {
			e.doneSeen[sender] = true
			e.numDoneSending++
			if e.numDoneSending == e.p {
				e.allDone = true
			}
		}
		if count > 0 {
			e.srcTile[sender] = &activeTile{count: count}
			e.activeQueue = append(e.activeQueue, sender)
		}
	}
}

// ensureActive polls for new arrivals and, if no tile is currently selected,
// advances through the arrival queue until it finds one still holding
// unread items (earlier entries may already have been retired via PopFrom).
func (e *AsyncEngine) ensureActive() {
	e.pollInbound()

	if e.currentSrc >= 0 {
		e.retireIfExhausted(e.currentSrc)
		if e.currentSrc >= 0 {
			return
		}
	}
	for len(e.activeQueue) > 0 {
		src := e.activeQueue[0]
		e.activeQueue = e.activeQueue[1:]
		e.retireIfExhausted(src)
		if e.srcTile[src] != nil {
			e.currentSrc = src
			return
		}
	}
}

// retireIfExhausted hands credit back to src and clears its tile once fully
// drained. Exhaustion is only acted on here, never at the moment the last
// item is popped, so Unpop can still undo that pop beforehand.
func (e *AsyncEngine) retireIfExhausted(src int) {
	tile := e.srcTile[src]
	if tile == nil || tile.pos < tile.count {
		return
	}
	if err := e.returnCredit(src); err != nil {
		panic(err)
	}
	e.srcTile[src] = nil
	if e.currentSrc == src {
		e.currentSrc = -1
	}
}

func (e *AsyncEngine) returnCredit(src int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if err := e.t.Put(src, e.canSendReg, uintptr(e.self*8), buf[:]); err != nil {
		return &TransportFault{Op: "return_credit", Err: err}
	}
	return nil
}

// Pop consumes the next unread item from the currently active inbound tile,
// activating one in arrival order if none is active.
func (e *AsyncEngine) Pop(item []byte) (int, bool) {
	e.ensureActive()
	if e.currentSrc < 0 {
		return 0, false
	}
	src := e.currentSrc
	tile := e.srcTile[src]
	copy(item, e.recvRow().item(src, tile.pos))
	tile.pos++
	e.lastPop = struct {
		src   int
		valid bool
	}{src, true}
	e.hooks.popCompleted(logKV("src", src))
	return src, true
}

// Pull returns a zero-copy view of the next unread item.
func (e *AsyncEngine) Pull() ([]byte, int, bool) {
	e.ensureActive()
	if e.currentSrc < 0 {
		return nil, 0, false
	}
	src := e.currentSrc
	tile := e.srcTile[src]
	item := e.recvRow().item(src, tile.pos)
	tile.pos++
	e.lastPop = struct {
		src   int
		valid bool
	}{src, true}
	e.hooks.popCompleted(logKV("src", src))
	return item, src, true
}

// Unpop undoes the immediately preceding Pop or Pull.
func (e *AsyncEngine) Unpop() {
	if !e.lastPop.valid {
		panic(MisuseError{Op: "Unpop", Reason: "no prior pop to undo"})
	}
	tile := e.srcTile[e.lastPop.src]
	if tile == nil {
		panic(MisuseError{Op: "Unpop", Reason: "tile already retired"})
	}
	tile.pos--
	e.currentSrc = e.lastPop.src
	e.lastPop.valid = false
}

// Unpull is an alias of Unpop; Pull's zero-copy view does not change the
// undo bookkeeping.
func (e *AsyncEngine) Unpull() { e.Unpop() }

// PopFrom pops the next unread item from src specifically, independent of
// Pop's arrival-ordered selection.
func (e *AsyncEngine) PopFrom(src int, item []byte) bool {
	checkPeer(src, e.p)
	e.pollInbound()
	e.retireIfExhausted(src)
	tile := e.srcTile[src]
	if tile == nil {
		return false
	}
	copy(item, e.recvRow().item(src, tile.pos))
	tile.pos++
	e.hooks.popCompleted(logKV("src", src))
	return true
}

// UnpopFrom undoes the caller's own immediately preceding PopFrom(src, ...).
func (e *AsyncEngine) UnpopFrom(src int) {
	checkPeer(src, e.p)
	tile := e.srcTile[src]
	if tile == nil || tile.pos == 0 {
		panic(MisuseError{Op: "UnpopFrom", Reason: "no prior pop from this source to undo"})
	}
	tile.pos--
}

func (e *AsyncEngine) recvRow() *tileRow {
	return &tileRow{p: e.p, b: e.b, s: e.s, data: e.recvReg.Local()}
}

func (e *AsyncEngine) hasPendingInbound() bool {
	for _, t := range e.srcTile {
		if t != nil {
			return true
		}
	}
	return false
}

// Proceed drives the termination protocol. With donePushing set and no
// prior announcement, it force-flushes every destination with islast=1,
// pumping Pop in between whenever a destination's credit is not yet clear
// so the cohort cannot deadlock waiting on each other's drains.
func (e *AsyncEngine) Proceed(donePushing bool) bool {
	if donePushing && !e.notifyDone {
		span := e.hooks.startSpan("async.force_flush")
		scratch := make([]byte, e.s)
		for d := 0; d < e.p; d++ {
			for {
				ok, err := e.send(d, true)
				if err != nil {
					endSpan(span, err)
					panic(err)
				}
				if ok {
					break
				}
				for {
					if _, ok := e.Pop(scratch); !ok {
						break
					}
				}
			}
		}
		e.notifyDone = true
		spanEvent(span, "flushed")
		endSpan(span, nil)
	}

	e.ensureActive()

	if e.allDone && !e.hasPendingInbound() {
		e.hooks.terminated()
		return false
	}
	return true
}

// Reset zeros cursors, credit, and termination state; allocations are kept.
func (e *AsyncEngine) Reset() error {
	for i := range e.pushCnt {
		e.pushCnt[i] = 0
		e.srcTile[i] = nil
		e.doneSeen[i] = false
	}
	e.activeQueue = e.activeQueue[:0]
	e.currentSrc = -1
	e.numPopped = 0
	e.numDoneSending = 0
	e.allDone = false
	e.notifyDone = false
	e.lastPop.valid = false

	e.initCredit()
	clearWords(e.msgQueueReg.Local())
	clearWords(e.numMsgsReg.Local())
	return nil
}

// Close releases the engine's transport allocations. Collective.
func (e *AsyncEngine) Close() error {
	var firstErr error
	for _, r := range []transport.Region{e.recvReg, e.canSendReg, e.msgQueueReg, e.numMsgsReg} {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
