//go:build linux

package afxdp

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The rings mirror the kernel layout: a shared producer index, a shared
// consumer index, a flags word and the entry array, all living inside one
// mmapped region. Userspace keeps cached copies of both indices to avoid
// touching the shared cachelines on every operation.
//
// Roles are fixed per ring: userspace produces on TX and fill, consumes on
// RX and completion. Publishing stores the producer index with release
// semantics; peeking loads it with acquire semantics.

// descRing is a descriptor ring (RX or TX), entries are xdp_desc.
type descRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	descs      []xdp_desc
}

// addrRing is a UMEM address ring (fill or completion), entries are raw
// frame offsets.
type addrRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	addrs      []uint64
}

// makeDescRing builds an RX/TX ring view over a mapped region.
// For producer-role rings (TX) cachedCons runs size ahead of the consumer
// index so that free-space computation is a single subtraction.
func makeDescRing(region []byte, off xdp_ring_offset, size uint32, producerRole bool) *descRing {
	base := unsafe.Pointer(&region[0])

	r := &descRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		descs: unsafe.Slice((*xdp_desc)(unsafe.Add(base, off.Desc)), size),
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	if producerRole {
		r.cachedCons += size
	}
	return r
}

// makeAddrRing builds a fill/completion ring view over a mapped region.
func makeAddrRing(region []byte, off xdp_ring_offset, size uint32, producerRole bool) *addrRing {
	base := unsafe.Pointer(&region[0])

	r := &addrRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	if producerRole {
		r.cachedCons += size
	}
	return r
}

/*---- Producer side (TX, fill) ----*/

// reserve claims up to n entries for the producer. Returns the first index
// and the count actually reserved, which is 0 when the ring is full.
// Reservations are all-or-nothing, matching xsk_ring_prod__reserve.
func (r *descRing) reserve(n uint32) (idx, got uint32) {
	free := r.cachedCons - r.cachedProd
	if free < n {
		r.cachedCons = atomic.LoadUint32(r.cons) + r.size
		if r.cachedCons-r.cachedProd < n {
			return 0, 0
		}
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, n
}

// setDesc writes the descriptor at ring slot idx.
func (r *descRing) setDesc(idx uint32, addr uint64, length uint32) {
	d := &r.descs[idx&r.mask]
	d.Addr = addr
	d.Len = length
	d.Opts = 0
}

// publish makes n reserved entries visible to the kernel.
func (r *descRing) publish(n uint32) {
	atomic.StoreUint32(r.prod, atomic.LoadUint32(r.prod)+n)
}

func (r *addrRing) reserve(n uint32) (idx, got uint32) {
	free := r.cachedCons - r.cachedProd
	if free < n {
		r.cachedCons = atomic.LoadUint32(r.cons) + r.size
		if r.cachedCons-r.cachedProd < n {
			return 0, 0
		}
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, n
}

// reserveUpTo claims at most n entries, settling for what fits.
func (r *addrRing) reserveUpTo(n uint32) (idx, got uint32) {
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	free := r.cachedCons - r.cachedProd
	if free < n {
		n = free
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, n
}

func (r *addrRing) setAddr(idx uint32, addr uint64) {
	r.addrs[idx&r.mask] = addr
}

func (r *addrRing) publish(n uint32) {
	atomic.StoreUint32(r.prod, atomic.LoadUint32(r.prod)+n)
}

/*---- Consumer side (RX, completion) ----*/

// peek returns up to n entries available to the consumer, starting at idx.
func (r *descRing) peek(n uint32) (idx, got uint32) {
	avail := r.cachedProd - r.cachedCons
	if avail == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		avail = r.cachedProd - r.cachedCons
	}
	if avail > n {
		avail = n
	}
	idx = r.cachedCons
	r.cachedCons += avail
	return idx, avail
}

func (r *descRing) desc(idx uint32) xdp_desc {
	return r.descs[idx&r.mask]
}

// release hands n peeked entries back to the kernel producer.
func (r *descRing) release(n uint32) {
	atomic.StoreUint32(r.cons, atomic.LoadUint32(r.cons)+n)
}

func (r *addrRing) peek(n uint32) (idx, got uint32) {
	avail := r.cachedProd - r.cachedCons
	if avail == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		avail = r.cachedProd - r.cachedCons
	}
	if avail > n {
		avail = n
	}
	idx = r.cachedCons
	r.cachedCons += avail
	return idx, avail
}

func (r *addrRing) addr(idx uint32) uint64 {
	return r.addrs[idx&r.mask]
}

func (r *addrRing) release(n uint32) {
	atomic.StoreUint32(r.cons, atomic.LoadUint32(r.cons)+n)
}

/*---- Wakeup flag ----*/

func (r *descRing) needsWakeup() bool {
	return atomic.LoadUint32(r.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}

func (r *addrRing) needsWakeup() bool {
	return atomic.LoadUint32(r.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}
