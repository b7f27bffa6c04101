//go:build linux

package replicator

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aws-samples/afxdp-udp-replicator/afxdp"
)

// fakePlane is a scripted data plane: injected packets come back from
// Receive, submitted descriptors are recorded, and the TX frame cursor
// behaves like the real one. It backs the worker tests without a kernel.
type fakePlane struct {
	t    *testing.T
	umem *afxdp.Umem

	rxQueue  []afxdp.RxDesc
	pending  []uint64
	recycled []uint64

	txCursor   uint32
	txFrames   uint32
	descs      map[uint32]afxdp.RxDesc // reserved descriptors by ring index
	nextTxIdx  uint32
	sent       []afxdp.RxDesc // submitted (addr, len), in order
	reserveRem int            // remaining successful reservations; -1 = unlimited

	pollCalls int
	pokeCalls int
}

func newFakePlane(t *testing.T) *fakePlane {
	t.Helper()
	umem, err := afxdp.NewUmem(afxdp.DefaultFrameSize, 64, 0, 32, 32,
		zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = umem.Free() })

	return &fakePlane{
		t:          t,
		umem:       umem,
		txFrames:   32,
		descs:      make(map[uint32]afxdp.RxDesc),
		reserveRem: -1,
	}
}

// inject queues pkt as RX frame i for the next Receive.
func (p *fakePlane) inject(i uint32, pkt []byte) {
	addr := p.umem.RxFrameAddr(i)
	copy(p.umem.Frame(addr), pkt)
	p.rxQueue = append(p.rxQueue, afxdp.RxDesc{Addr: addr, Len: uint32(len(pkt))})
}

func (p *fakePlane) Receive(out []afxdp.RxDesc) []afxdp.RxDesc {
	n := len(p.rxQueue)
	if n > cap(out) {
		n = cap(out)
	}
	out = out[:n]
	copy(out, p.rxQueue[:n])
	for _, d := range out {
		p.pending = append(p.pending, d.Addr)
	}
	p.rxQueue = p.rxQueue[n:]
	return out
}

func (p *fakePlane) RecycleFrames() {
	p.recycled = append(p.recycled, p.pending...)
	p.pending = p.pending[:0]
}

func (p *fakePlane) Umem() *afxdp.Umem { return p.umem }

func (p *fakePlane) NextTxFrame() uint32 {
	frame := p.txCursor % p.txFrames
	p.txCursor++
	return frame
}

func (p *fakePlane) TxFrameAddr(frame uint32) uint64 { return p.umem.TxFrameAddr(frame) }

func (p *fakePlane) TxFrame(frame uint32) []byte {
	return p.umem.Frame(p.umem.TxFrameAddr(frame))
}

func (p *fakePlane) ReserveTx(n uint32) (idx, got uint32) {
	if p.reserveRem == 0 {
		return 0, 0
	}
	if p.reserveRem > 0 {
		p.reserveRem--
	}
	idx = p.nextTxIdx
	p.nextTxIdx += n
	return idx, n
}

func (p *fakePlane) SetTxDesc(idx uint32, addr uint64, length uint32) {
	p.descs[idx] = afxdp.RxDesc{Addr: addr, Len: length}
}

func (p *fakePlane) SubmitTx(n uint32) {
	for i := p.nextTxIdx - n; i < p.nextTxIdx; i++ {
		d, ok := p.descs[i]
		require.True(p.t, ok, "submit without descriptor at %d", i)
		p.sent = append(p.sent, d)
	}
}

func (p *fakePlane) PollCompletions()   { p.pollCalls++ }
func (p *fakePlane) RequestDriverPoll() { p.pokeCalls++ }

// sentFrames decodes the submitted descriptors into byte slices.
func (p *fakePlane) sentFrames() [][]byte {
	out := make([][]byte, len(p.sent))
	for i, d := range p.sent {
		out[i] = p.umem.At(d.Addr, d.Len)
	}
	return out
}
