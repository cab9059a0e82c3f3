package simfabric

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/pxchg/transport"
)

// roundupPageSize pads n up to the host page size, mirroring the page-
// granular backing a real RDMA provider would allocate for a registered
// memory region.
func roundupPageSize(n uintptr) uintptr {
	page := uintptr(unix.Getpagesize())
	if page == 0 {
		return n
	}
	if rem := n % page; rem != 0 {
		n += page - rem
	}
	return n
}

// regionShared is the P-partition byte range backing one symmetric
// allocation. Every peer's regionImpl points at the same regionShared.
type regionShared struct {
	perPeerLen uintptr
	partitions [][]byte // len P, each perPeerLen bytes
}

// regionImpl is one peer's handle onto a regionShared.
type regionImpl struct {
	shared *regionShared
	self   int
	closed atomic.Bool
}

var _ transport.Region = (*regionImpl)(nil)

func (r *regionImpl) Len() uintptr {
	return r.shared.perPeerLen
}

func (r *regionImpl) Local() []byte {
	if r.closed.Load() {
		return nil
	}
	return r.shared.partitions[r.self]
}

func (r *regionImpl) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *regionImpl) partition(peer int) ([]byte, error) {
	if r.closed.Load() {
		return nil, transport.ErrClosed
	}
	if peer < 0 || peer >= len(r.shared.partitions) {
		return nil, transport.ErrInvalidPeer
	}
	return r.shared.partitions[peer], nil
}
