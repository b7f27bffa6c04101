//go:build linux

package replicator

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aws-samples/afxdp-udp-replicator/afxdp"
	"github.com/aws-samples/afxdp-udp-replicator/ratelimit"
	"github.com/aws-samples/afxdp-udp-replicator/sysres"
)

// workerBatch is the per-iteration RX batch size.
const workerBatch = 64

// dataPlane is the subset of *afxdp.Socket a worker drives. Keeping it an
// interface lets the tests run workers against a scripted in-memory plane.
type dataPlane interface {
	Receive(out []afxdp.RxDesc) []afxdp.RxDesc
	RecycleFrames()
	Umem() *afxdp.Umem
	NextTxFrame() uint32
	TxFrameAddr(frame uint32) uint64
	TxFrame(frame uint32) []byte
	ReserveTx(n uint32) (idx, got uint32)
	SetTxDesc(idx uint32, addr uint64, length uint32)
	SubmitTx(n uint32)
	PollCompletions()
	RequestDriverPoll()
}

// worker replicates every datagram arriving on one RX queue to every
// destination in the registry. It is the sole owner of its socket.
type worker struct {
	queueID  uint32
	sock     dataPlane
	registry *Registry
	stats    *Stats
	log      *zap.Logger

	// fallback is the conventional UDP socket used when the zero-copy
	// path refuses a send. Shared across workers; sendto is atomic per
	// datagram.
	fallback *net.UDPConn

	srcMAC     net.HardwareAddr
	srcIP      net.IP
	listenPort uint16

	limiter *ratelimit.Throttle
	pinCPU  int // -1 = unpinned
	rtPrio  int // SCHED_FIFO priority, 0 = off
}

// run is the worker loop. Each iteration receives a batch, replicates it
// and recycles the RX frames, then yields briefly so an idle queue does
// not monopolize its core.
func (w *worker) run(running *atomic.Bool, wg *sync.WaitGroup) {
	defer wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.pinCPU >= 0 {
		if err := sysres.PinToCPU(w.pinCPU); err != nil {
			w.log.Warn("cpu pinning failed", zap.Int("cpu", w.pinCPU), zap.Error(err))
		}
	}
	if w.rtPrio > 0 {
		if err := sysres.SetRealtimePriority(w.rtPrio); err != nil {
			w.log.Warn("realtime priority failed", zap.Error(err))
		}
	}

	w.log.Info("worker started")

	rxBuf := make([]afxdp.RxDesc, workerBatch)

	for running.Load() {
		descs := w.sock.Receive(rxBuf)
		if len(descs) == 0 {
			runtime.Gosched()
			continue
		}

		w.processBatch(descs)
		w.sock.RecycleFrames()
	}

	w.log.Info("worker stopped")
}

// processBatch parses and replicates one batch of received descriptors
// against a single snapshot of the destination set. Per-packet errors are
// counted and skipped, never propagated.
func (w *worker) processBatch(descs []afxdp.RxDesc) {
	qstats := &w.stats.Queues[w.queueID]
	dsts := w.registry.Snapshot()

	for _, d := range descs {
		qstats.PacketsReceived.Add(1)
		w.stats.BytesReceived.Add(uint64(d.Len))

		frame := w.sock.Umem().At(d.Addr, d.Len)
		payload, ok := extractUDPPayload(frame)
		if !ok {
			w.stats.ParseErrors.Add(1)
			continue
		}

		qstats.PacketsSent.Add(uint64(w.replicate(dsts, payload)))
	}
}

// replicate fans the payload out to every destination in dsts, in order,
// and returns how many sends succeeded. A failed destination never skips
// the remaining ones.
func (w *worker) replicate(dsts []Destination, payload []byte) int {
	if len(dsts) == 0 {
		return 0
	}

	w.limiter.ThrottleN(uint64(len(dsts)))

	sent := 0
	for _, d := range dsts {
		if w.sendZeroCopy(d, payload) || w.sendFallback(d, payload) {
			sent++
			w.stats.BytesSent.Add(uint64(len(payload)))
		}
	}
	return sent
}

// sendZeroCopy synthesizes the full frame into the next TX slot and
// submits one descriptor. Returns false when the TX ring refuses the send;
// the caller then falls back to the conventional socket.
func (w *worker) sendZeroCopy(d Destination, payload []byte) bool {
	w.sock.PollCompletions()

	frame := w.sock.NextTxFrame()
	buf := w.sock.TxFrame(frame)

	length := buildUDPFrame(buf, w.srcMAC, w.registry.ResolveMAC(d),
		w.srcIP, w.listenPort, d, payload)
	if length == 0 {
		// Payload does not fit the frame; the conventional socket can
		// still carry it.
		return false
	}

	idx, got := w.sock.ReserveTx(1)
	if got == 0 {
		w.sock.RequestDriverPoll()
		return false
	}
	w.sock.SetTxDesc(idx, w.sock.TxFrameAddr(frame), length)
	w.sock.SubmitTx(1)
	w.sock.RequestDriverPoll()
	return true
}

// sendFallback pushes the payload through the regular UDP stack. Errors
// are counted, never fatal.
func (w *worker) sendFallback(d Destination, payload []byte) bool {
	w.stats.FallbackSends.Add(1)
	if _, err := w.fallback.WriteToUDP(payload, d.UDPAddr()); err != nil {
		w.stats.SendErrors.Add(1)
		w.log.Warn("fallback send failed",
			zap.Stringer("destination", d), zap.Error(err))
		return false
	}
	return true
}
