//go:build linux

// Package afxdp implements the AF_XDP data plane of the replicator:
// the UMEM frame arena, the four shared rings and the per-queue socket.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - Fill ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - Completion ring: completed TX buffers returned by kernel.
//
// The UMEM is split into a TX region (frames [0, TxFrames)) and an RX
// region (frames [TxFrames, TxFrames+RxFrames)). RX frames cycle between
// the fill ring, the RX ring and the worker; TX frames cycle between the
// frame cursor, the TX ring and the completion ring.
package afxdp

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrFrameSizeNotPow2  = errors.New("frame size must be a power of two >= 2048")
	ErrUmemTooSmall      = errors.New("umem smaller than frame_size * (tx_frames + rx_frames)")
	ErrSocketClosed      = errors.New("socket is closed")
	ErrUmemNotConfigured = errors.New("umem not registered, call SetupUmem first")
)

const (
	// DefaultFrameSize follows the ena driver recommendation of one page
	// per frame.
	DefaultFrameSize = 4096
	// MinFrameSize is the smallest chunk size the kernel accepts.
	MinFrameSize = 2048

	DefaultTxFrames = 2048
	DefaultRxFrames = 2048

	// TxBatch bounds both TX submission and completion release batching.
	TxBatch = 64
)

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L32
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L43
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
// https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L50
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L67
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdp_desc is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L103
type xdp_desc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

// umemAddrMask keeps the low 48 bits of a descriptor address and drops the
// offset that unaligned-chunk mode carries in the upper 16 bits
// (xsk_umem__extract_addr). Any headroom offset inside the frame is kept.
const umemAddrMask = (uint64(1) << 48) - 1

func extractAddr(addr uint64) uint64 { return addr & umemAddrMask }

/*---- Raw syscall helpers ----*/

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRegion maps one of the RX/TX/fill/completion rings of an AF_XDP socket.
func mmapRegion(fd int, length uintptr, offset uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
		uintptr(fd),
		offset,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

var zeroBuf []byte

// kickTx notifies the kernel/NIC that new TX descriptors are ready.
// AF_XDP interprets a zero-length sendto() as a doorbell signal to process
// the TX ring. Required when XDP_USE_NEED_WAKEUP is enabled.
// ENOBUFS, EAGAIN, EBUSY and ENETDOWN are transient backpressure and are
// not surfaced.
func kickTx(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	switch err {
	case unix.ENOBUFS, unix.EAGAIN, unix.EBUSY, unix.ENETDOWN:
		return nil
	}
	return err
}

// kickFill wakes the driver's fill-ring consumer with a zero-length recvfrom.
func kickFill(fd int) {
	_, _, _ = unix.Recvfrom(fd, zeroBuf, unix.MSG_DONTWAIT)
}
