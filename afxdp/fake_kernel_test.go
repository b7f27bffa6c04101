//go:build linux

package afxdp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Tests fabricate the four rings over plain heap memory and drive the
// kernel side of each ring through a second view with inverted roles,
// sharing the same producer/consumer words.

// testRingOffsets lays out a fabricated ring region:
// producer word at 0, consumer at 4, flags at 8, entries at 16.
var testRingOffsets = xdp_ring_offset{
	Producer: 0,
	Consumer: 4,
	Flags:    8,
	Desc:     16,
}

func descRegion(size uint32) []byte {
	return make([]byte, 16+int(size)*16)
}

func addrRegion(size uint32) []byte {
	return make([]byte, 16+int(size)*8)
}

// fakeKernel owns the kernel-role view of a socket's rings and the UMEM.
type fakeKernel struct {
	t *testing.T
	s *Socket

	rx *descRing // kernel produces received descriptors
	tx *descRing // kernel consumes submitted descriptors
	fq *addrRing // kernel consumes donated RX frames
	cq *addrRing // kernel produces TX completions
}

// newTestSocket builds a socket whose rings live on the heap, plus the
// fake kernel driving their other ends. The fill ring is pre-populated
// with the whole RX region, mirroring Bind.
func newTestSocket(t *testing.T, txFrames, rxFrames uint32) (*Socket, *fakeKernel) {
	t.Helper()

	s, err := NewSocket(Config{
		FrameSize: DefaultFrameSize,
		TxFrames:  txFrames,
		RxFrames:  rxFrames,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fillSize := rxFrames * 2
	compSize := txFrames * 2

	rxRegion := descRegion(rxFrames)
	txRegion := descRegion(txFrames)
	fqRegion := addrRegion(fillSize)
	cqRegion := addrRegion(compSize)

	s.rx = makeDescRing(rxRegion, testRingOffsets, rxFrames, false)
	s.tx = makeDescRing(txRegion, testRingOffsets, txFrames, true)
	s.fq = makeAddrRing(fqRegion, testRingOffsets, fillSize, true)
	s.cq = makeAddrRing(cqRegion, testRingOffsets, compSize, false)
	s.bound = true

	k := &fakeKernel{
		t:  t,
		s:  s,
		rx: makeDescRing(rxRegion, testRingOffsets, rxFrames, true),
		tx: makeDescRing(txRegion, testRingOffsets, txFrames, false),
		fq: makeAddrRing(fqRegion, testRingOffsets, fillSize, false),
		cq: makeAddrRing(cqRegion, testRingOffsets, compSize, true),
	}

	// Bind would donate the RX region here.
	idx, got := s.fq.reserveUpTo(rxFrames)
	require.Equal(t, rxFrames, got)
	for i := uint32(0); i < got; i++ {
		s.fq.setAddr(idx+i, s.umem.RxFrameAddr(i))
	}
	s.fq.publish(got)

	return s, k
}

// deliver places pkt into the next fill-ring frame and publishes an RX
// descriptor for it. Returns false when the fill ring is dry.
func (k *fakeKernel) deliver(pkt []byte) bool {
	idx, got := k.fq.peek(1)
	if got == 0 {
		return false
	}
	addr := k.fq.addr(idx)
	k.fq.release(1)

	copy(k.s.umem.Frame(addr), pkt)

	ridx, got := k.rx.reserve(1)
	require.Equal(k.t, uint32(1), got, "kernel RX ring overflow")
	k.rx.setDesc(ridx, addr, uint32(len(pkt)))
	k.rx.publish(1)
	return true
}

// completeTx consumes up to n submitted TX descriptors and returns them,
// publishing their addresses on the completion ring.
func (k *fakeKernel) completeTx(n uint32) []xdp_desc {
	idx, got := k.tx.peek(n)
	if got == 0 {
		return nil
	}
	descs := make([]xdp_desc, got)
	for i := uint32(0); i < got; i++ {
		descs[i] = k.tx.desc(idx + i)
	}
	k.tx.release(got)

	cidx, cgot := k.cq.reserve(got)
	require.Equal(k.t, got, cgot, "kernel completion ring overflow")
	for i := uint32(0); i < got; i++ {
		k.cq.setAddr(cidx+i, descs[i].Addr)
	}
	k.cq.publish(got)
	return descs
}

// drainFill pulls every frame address currently donated on the fill ring.
func (k *fakeKernel) drainFill() []uint64 {
	var out []uint64
	for {
		idx, got := k.fq.peek(64)
		if got == 0 {
			return out
		}
		for i := uint32(0); i < got; i++ {
			out = append(out, k.fq.addr(idx+i))
		}
		k.fq.release(got)
	}
}
