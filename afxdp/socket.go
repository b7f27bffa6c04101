//go:build linux

package afxdp

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mode selects how the socket binds to the driver.
type Mode int

const (
	// ModeSkb is the generic copy path, works on every driver.
	ModeSkb Mode = iota
	// ModeDrv is native driver XDP with copy-mode DMA.
	ModeDrv
	// ModeHw requests full hardware offload.
	ModeHw
	// ModeZerocopy is native driver XDP with zero-copy DMA. The kernel
	// rejects the bind if the driver does not support it.
	ModeZerocopy
)

func (m Mode) String() string {
	switch m {
	case ModeSkb:
		return "skb-copy"
	case ModeDrv:
		return "drv"
	case ModeHw:
		return "hw"
	case ModeZerocopy:
		return "zerocopy"
	}
	return "unknown"
}

// SocketMap is the subset of *ebpf.Map the socket needs to register and
// deregister itself in the classifier's xsks_map.
type SocketMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Lookup(key, valueOut interface{}) error
	Delete(key interface{}) error
}

// Config sizes one per-queue socket.
type Config struct {
	// FrameSize is the UMEM chunk size. Must be a power of two >= 2048.
	FrameSize uint32
	// FrameCount is the total number of UMEM frames. Raised to
	// TxFrames+RxFrames if smaller.
	FrameCount uint32
	// Headroom reserved by the kernel at the head of each RX frame.
	Headroom uint32
	// TxFrames / RxFrames split the UMEM. Also the TX/RX ring depths.
	TxFrames uint32
	RxFrames uint32
}

func (c *Config) applyDefaults() {
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.TxFrames == 0 {
		c.TxFrames = DefaultTxFrames
	}
	if c.RxFrames == 0 {
		c.RxFrames = DefaultRxFrames
	}
	if c.FrameCount == 0 {
		c.FrameCount = c.TxFrames + c.RxFrames
	}
}

// RxDesc describes one received frame: the extracted UMEM offset of the
// packet data and the packet length.
type RxDesc struct {
	Addr uint64
	Len  uint32
}

// Socket wraps one AF_XDP socket bound to a single (interface, queue) pair
// together with its UMEM and four rings.
//
// A Socket is owned by exactly one worker goroutine. It is not safe for
// concurrent use.
type Socket struct {
	cfg  Config
	umem *Umem
	log  *zap.Logger

	fd      int
	ifindex int
	queueID uint32
	mode    Mode

	rx *descRing // kernel -> user
	tx *descRing // user -> kernel
	fq *addrRing // user -> kernel
	cq *addrRing // kernel -> user

	rxRegion []byte
	txRegion []byte
	fqRegion []byte
	cqRegion []byte

	// txCursor advances monotonically; the frame index wraps inside the
	// TX region.
	txCursor          uint32
	outstandingTx     uint32
	cachedCompletions uint32
	// txBatch is TxBatch clamped to the TX region so tiny rings still
	// make progress.
	txBatch uint32

	pendingRecycle []uint64

	xsksMap SocketMap

	bound  bool
	closed atomic.Bool
}

// NewSocket allocates the UMEM arena and zeroes the socket state. The
// kernel side is not touched until SetupUmem.
func NewSocket(cfg Config, log *zap.Logger) (*Socket, error) {
	cfg.applyDefaults()

	umem, err := NewUmem(cfg.FrameSize, cfg.FrameCount, cfg.Headroom,
		cfg.TxFrames, cfg.RxFrames, log)
	if err != nil {
		return nil, err
	}

	txBatch := uint32(TxBatch)
	if cfg.TxFrames < txBatch {
		txBatch = cfg.TxFrames
	}

	return &Socket{
		cfg:            cfg,
		umem:           umem,
		log:            log,
		fd:             -1,
		ifindex:        -1,
		txBatch:        txBatch,
		pendingRecycle: make([]uint64, 0, cfg.RxFrames),
	}, nil
}

// Umem exposes the frame arena for packet construction and inspection.
func (s *Socket) Umem() *Umem { return s.umem }

// Fd returns the socket file descriptor, valid after SetupUmem.
func (s *Socket) Fd() int { return s.fd }

// QueueID returns the RX queue the socket is bound to.
func (s *Socket) QueueID() uint32 { return s.queueID }

// OutstandingTx returns the number of submitted TX descriptors not yet
// drained from the completion ring.
func (s *Socket) OutstandingTx() uint32 { return s.outstandingTx }

// SetupUmem creates the AF_XDP socket, registers the arena as its UMEM and
// maps the fill and completion rings. Ring sizes are RxFrames*2 and
// TxFrames*2 respectively.
func (s *Socket) SetupUmem() error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if s.umem == nil || s.umem.Size() == 0 {
		return ErrUmemTooSmall
	}
	if uint64(s.umem.Size()) < uint64(s.cfg.FrameSize)*uint64(s.cfg.TxFrames+s.cfg.RxFrames) {
		return ErrUmemTooSmall
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s.fd = fd

	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(s.umem.basePtr())),
		Len:       uint64(s.umem.Size()),
		ChunkSize: s.cfg.FrameSize,
		Headroom:  s.cfg.Headroom,
	}
	if err := setsockopt(fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	fillSize := s.cfg.RxFrames * 2
	compSize := s.cfg.TxFrames * 2
	if err := setsockopt(fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING,
		unsafe.Pointer(&fillSize), unsafe.Sizeof(fillSize)); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err)
	}
	if err := setsockopt(fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING,
		unsafe.Pointer(&compSize), unsafe.Sizeof(compSize)); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err)
	}

	offs, err := ringOffsets(fd)
	if err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	fqLen := uintptr(offs.Fr.Desc) + uintptr(fillSize)*unsafe.Sizeof(uint64(0))
	s.fqRegion, err = mmapRegion(fd, fqLen, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fmt.Errorf("mmap fill ring: %w", err)
	}
	s.fq = makeAddrRing(s.fqRegion, offs.Fr, fillSize, true)

	cqLen := uintptr(offs.Cr.Desc) + uintptr(compSize)*unsafe.Sizeof(uint64(0))
	s.cqRegion, err = mmapRegion(fd, cqLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return fmt.Errorf("mmap completion ring: %w", err)
	}
	s.cq = makeAddrRing(s.cqRegion, offs.Cr, compSize, false)

	return nil
}

func ringOffsets(fd int) (xdp_mmap_offsets, error) {
	var offs xdp_mmap_offsets
	err := getsockopt(fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs))
	return offs, err
}

// Bind creates the RX/TX rings, binds the socket to (ifname, queueID) in
// the given mode and pre-populates the fill ring with the RX-region frames.
// XDP_USE_NEED_WAKEUP is always requested.
func (s *Socket) Bind(ifname string, queueID uint32, mode Mode) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if s.fq == nil {
		return ErrUmemNotConfigured
	}

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return fmt.Errorf("getting interface %q: %w", ifname, err)
	}
	s.ifindex = iface.Index
	s.queueID = queueID
	s.mode = mode

	rxSize := s.cfg.RxFrames
	if err := setsockopt(s.fd, unix.SOL_XDP, unix.XDP_RX_RING,
		unsafe.Pointer(&rxSize), unsafe.Sizeof(rxSize)); err != nil {
		return fmt.Errorf("setsockopt XDP_RX_RING: %w", err)
	}
	txSize := s.cfg.TxFrames
	if err := setsockopt(s.fd, unix.SOL_XDP, unix.XDP_TX_RING,
		unsafe.Pointer(&txSize), unsafe.Sizeof(txSize)); err != nil {
		return fmt.Errorf("setsockopt XDP_TX_RING: %w", err)
	}

	offs, err := ringOffsets(s.fd)
	if err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	rxLen := uintptr(offs.Rx.Desc) + uintptr(rxSize)*unsafe.Sizeof(xdp_desc{})
	s.rxRegion, err = mmapRegion(s.fd, rxLen, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return fmt.Errorf("mmap RX ring: %w", err)
	}
	s.rx = makeDescRing(s.rxRegion, offs.Rx, rxSize, false)

	txLen := uintptr(offs.Tx.Desc) + uintptr(txSize)*unsafe.Sizeof(xdp_desc{})
	s.txRegion, err = mmapRegion(s.fd, txLen, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return fmt.Errorf("mmap TX ring: %w", err)
	}
	s.tx = makeDescRing(s.txRegion, offs.Tx, txSize, true)

	sa := sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(iface.Index),
		QueueID: queueID,
		Flags:   unix.XDP_USE_NEED_WAKEUP,
	}
	switch mode {
	case ModeSkb:
		sa.Flags |= unix.XDP_COPY
	case ModeDrv, ModeHw:
		// Native mode, copy DMA. HW offload is selected at program
		// attach time; the bind itself carries no extra flag.
	case ModeZerocopy:
		sa.Flags |= unix.XDP_ZEROCOPY
	}

	if err := rawBind(s.fd, &sa); err != nil {
		return fmt.Errorf("binding socket to %s:%d (%s): %w",
			ifname, queueID, mode, err)
	}

	// Donate the whole RX region to the kernel up front.
	idx, got := s.fq.reserveUpTo(s.cfg.RxFrames)
	for i := uint32(0); i < got; i++ {
		s.fq.setAddr(idx+i, s.umem.RxFrameAddr(i))
	}
	s.fq.publish(got)
	if got < s.cfg.RxFrames {
		s.log.Warn("fill ring smaller than RX region, partial pre-population",
			zap.Uint32("reserved", got), zap.Uint32("rx_frames", s.cfg.RxFrames))
	}

	s.bound = true
	s.log.Info("socket bound",
		zap.String("iface", ifname),
		zap.Uint32("queue", queueID),
		zap.Stringer("mode", mode))
	return nil
}

// RegisterInClassifier installs the socket fd into the classifier's
// xsks_map under its queue ID, and remembers the map so Close can remove
// the entry again.
func (s *Socket) RegisterInClassifier(m SocketMap) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	if err := m.Update(s.queueID, uint32(s.fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating xsks_map[%d]: %w", s.queueID, err)
	}
	s.xsksMap = m
	return nil
}

/*---- Transmit path ----*/

// NextTxFrame returns the next TX frame index in [0, TxFrames), wrapping.
func (s *Socket) NextTxFrame() uint32 {
	frame := s.txCursor % s.cfg.TxFrames
	s.txCursor++
	return frame
}

// TxFrameAddr converts a TX frame index to its UMEM offset.
func (s *Socket) TxFrameAddr(frame uint32) uint64 {
	return s.umem.TxFrameAddr(frame)
}

// TxFrame returns the writable buffer of a TX frame.
func (s *Socket) TxFrame(frame uint32) []byte {
	return s.umem.Frame(s.umem.TxFrameAddr(frame))
}

// ReserveTx claims up to n TX descriptors. got is 0 when the ring is full;
// the caller should then request a driver poll and retry later.
func (s *Socket) ReserveTx(n uint32) (idx, got uint32) {
	return s.tx.reserve(n)
}

// SetTxDesc writes descriptor idx. addr must lie within the UMEM.
func (s *Socket) SetTxDesc(idx uint32, addr uint64, length uint32) {
	s.tx.setDesc(idx, addr, length)
}

// SubmitTx publishes n reserved descriptors and accounts them as
// outstanding.
func (s *Socket) SubmitTx(n uint32) {
	s.tx.publish(n)
	s.outstandingTx += n
}

// Send transmits a single frame already written at the given UMEM offset.
// Returns 1 on success and 0 when the TX ring had no room, in which case
// the driver has been poked.
func (s *Socket) Send(offset uint64, length uint32) int {
	if length > s.cfg.FrameSize {
		return 0
	}
	idx, got := s.ReserveTx(1)
	if got == 0 {
		s.RequestDriverPoll()
		return 0
	}
	s.SetTxDesc(idx, offset, length)
	s.SubmitTx(1)
	s.RequestDriverPoll()
	return 1
}

// SendBatch submits up to TxBatch frames described by parallel offset and
// length slices. Completions are drained first; the batch is refused
// entirely (returns 0) while outstandingTx exceeds TxFrames-TxBatch. This
// is the single source of TX flow control.
func (s *Socket) SendBatch(offsets []uint64, lengths []uint32, n int) int {
	s.PollCompletions()

	if s.outstandingTx > s.cfg.TxFrames-s.txBatch {
		return 0
	}
	if n > int(s.txBatch) {
		n = int(s.txBatch)
	}
	if n <= 0 {
		return 0
	}

	idx, got := s.tx.reserve(uint32(n))
	if got == 0 {
		s.RequestDriverPoll()
		return 0
	}
	for i := uint32(0); i < got; i++ {
		s.tx.setDesc(idx+i, offsets[i], lengths[i])
	}
	s.SubmitTx(got)
	s.RequestDriverPoll()
	return int(got)
}

// PollCompletions drains the completion ring. Entries are cached and only
// released back to the frame pool once at least TxBatch have accumulated,
// amortizing the consumer-index store.
func (s *Socket) PollCompletions() {
	if s.outstandingTx == 0 {
		return
	}

	_, got := s.cq.peek(s.cfg.TxFrames)
	if got == 0 {
		return
	}
	s.cachedCompletions += got
	if s.cachedCompletions < s.txBatch {
		return
	}

	s.cq.release(s.cachedCompletions)
	s.outstandingTx -= s.cachedCompletions
	s.cachedCompletions = 0
}

// drainCompletions releases everything immediately, used on close.
func (s *Socket) drainCompletions() {
	_, got := s.cq.peek(s.outstandingTx)
	got += s.cachedCompletions
	if got == 0 {
		return
	}
	s.cq.release(got)
	s.outstandingTx -= got
	s.cachedCompletions = 0
}

// RequestDriverPoll pokes the kernel TX path, but only when the driver has
// flagged the TX ring as needing a wakeup.
func (s *Socket) RequestDriverPoll() {
	if !s.tx.needsWakeup() {
		return
	}
	if err := kickTx(s.fd); err != nil {
		s.log.Debug("tx wakeup", zap.Error(err))
	}
}

/*---- Receive path ----*/

// Receive peeks up to cap(out) RX descriptors, records their raw addresses
// for recycling and returns the extracted (offset, len) pairs. When the
// ring is empty and the fill ring requests a wakeup, the driver is poked.
func (s *Socket) Receive(out []RxDesc) []RxDesc {
	idx, got := s.rx.peek(uint32(cap(out)))
	if got == 0 {
		if s.fq.needsWakeup() {
			kickFill(s.fd)
		}
		return out[:0]
	}

	out = out[:got]
	for i := uint32(0); i < got; i++ {
		d := s.rx.desc(idx + i)
		s.pendingRecycle = append(s.pendingRecycle, d.Addr)
		out[i] = RxDesc{Addr: extractAddr(d.Addr), Len: d.Len}
	}
	s.rx.release(got)
	return out
}

// RecycleFrames returns every address recorded by the preceding Receive to
// the fill ring, using only the portion of the ring that has room, then
// clears the pending list. RX frames are never freed, only recycled.
func (s *Socket) RecycleFrames() {
	if len(s.pendingRecycle) == 0 {
		return
	}

	idx, got := s.fq.reserveUpTo(uint32(len(s.pendingRecycle)))
	for i := uint32(0); i < got; i++ {
		s.fq.setAddr(idx+i, extractAddr(s.pendingRecycle[i]))
	}
	if got > 0 {
		s.fq.publish(got)
		if s.fq.needsWakeup() {
			kickFill(s.fd)
		}
	} else {
		s.log.Warn("fill ring full, dropping recycle batch",
			zap.Int("frames", len(s.pendingRecycle)))
	}
	s.pendingRecycle = s.pendingRecycle[:0]
}

/*---- Teardown ----*/

const closeDrainRetries = 10

// Close drains outstanding TX for a bounded time, removes the socket from
// the classifier map, closes the fd and releases the UMEM. Safe to call
// twice.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.bound && s.outstandingTx > 0 {
		for retry := 0; retry < closeDrainRetries && s.outstandingTx > 0; retry++ {
			s.drainCompletions()
			if s.outstandingTx == 0 {
				break
			}
			if s.tx.needsWakeup() {
				_ = kickTx(s.fd)
			}
			time.Sleep(time.Millisecond)
		}
		if s.outstandingTx > 0 {
			s.log.Warn("closing with undrained TX descriptors",
				zap.Uint32("outstanding", s.outstandingTx))
		}
	}

	s.unregisterFromClassifier()

	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
	for _, region := range [][]byte{s.rxRegion, s.txRegion, s.fqRegion, s.cqRegion} {
		if region != nil {
			_ = unix.Munmap(region)
		}
	}
	s.rxRegion, s.txRegion, s.fqRegion, s.cqRegion = nil, nil, nil, nil

	return s.umem.Free()
}

// unregisterFromClassifier scans xsks_map keys 0..255 and deletes every
// entry holding this socket's fd. Drivers that refuse userspace lookups on
// XSKMAP fall back to deleting the bound queue key directly.
func (s *Socket) unregisterFromClassifier() {
	if s.xsksMap == nil {
		return
	}
	removed := false
	for key := uint32(0); key < 256; key++ {
		var fd uint32
		if err := s.xsksMap.Lookup(key, &fd); err != nil {
			continue
		}
		if fd == uint32(s.fd) {
			if err := s.xsksMap.Delete(key); err == nil {
				removed = true
			}
		}
	}
	if !removed {
		_ = s.xsksMap.Delete(s.queueID)
	}
	s.xsksMap = nil
}
