//go:build linux

package afxdp

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Umem is the page-aligned frame arena shared with the kernel. Frames
// [0, TxFrames) back the transmit path, frames [TxFrames, TxFrames+RxFrames)
// back receive. The arena exclusively owns the mapping; frames are loaned to
// the kernel through ring entries and come back through the complementary
// rings.
type Umem struct {
	area      []byte
	frameSize uint32
	headroom  uint32
	txFrames  uint32
	rxFrames  uint32
}

// NewUmem maps an anonymous region of frameCount frames of frameSize bytes
// each and hints the kernel toward huge pages. frameSize must be a power of
// two of at least MinFrameSize. A frameCount below txFrames+rxFrames is
// raised to it with a warning.
func NewUmem(frameSize, frameCount, headroom, txFrames, rxFrames uint32, log *zap.Logger) (*Umem, error) {
	if frameSize < MinFrameSize || frameSize&(frameSize-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrFrameSizeNotPow2, frameSize)
	}
	if required := txFrames + rxFrames; frameCount < required {
		log.Warn("frame count below tx+rx frames, raising",
			zap.Uint32("frame_count", frameCount),
			zap.Uint32("required", required))
		frameCount = required
	}

	area, err := mmapUmem(uintptr(frameCount) * uintptr(frameSize))
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}

	// Best effort: transparent huge pages reduce TLB pressure on the hot
	// path. Ignored on kernels without MADV_HUGEPAGE.
	_ = unix.Madvise(area, unix.MADV_HUGEPAGE)

	return &Umem{
		area:      area,
		frameSize: frameSize,
		headroom:  headroom,
		txFrames:  txFrames,
		rxFrames:  rxFrames,
	}, nil
}

// mmapUmem maps an anonymous, page-backed, zeroed region for UMEM.
// mmap returns page-aligned memory by construction.
func mmapUmem(length uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

// Free releases the mapping. The Umem must not be used afterwards.
func (u *Umem) Free() error {
	if u.area == nil {
		return nil
	}
	// The area came from a raw mmap syscall, so it is unmapped the same
	// way; unix.Munmap only accepts slices created by unix.Mmap.
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&u.area[0])), uintptr(len(u.area)), 0)
	u.area = nil
	if errno != 0 {
		return errno
	}
	return nil
}

// Size returns the arena length in bytes.
func (u *Umem) Size() int { return len(u.area) }

// FrameSize returns the configured chunk size.
func (u *Umem) FrameSize() uint32 { return u.frameSize }

// TxFrames returns the number of frames reserved for transmit.
func (u *Umem) TxFrames() uint32 { return u.txFrames }

// RxFrames returns the number of frames reserved for receive.
func (u *Umem) RxFrames() uint32 { return u.rxFrames }

// TxFrameAddr returns the byte offset of TX frame i. i must be below
// TxFrames.
func (u *Umem) TxFrameAddr(i uint32) uint64 {
	return uint64(i) * uint64(u.frameSize)
}

// rxFirstFrame is the index of the first RX frame inside the arena.
func (u *Umem) rxFirstFrame() uint32 { return u.txFrames }

// RxFrameAddr returns the byte offset of RX frame i within the arena.
func (u *Umem) RxFrameAddr(i uint32) uint64 {
	return uint64(u.rxFirstFrame()+i) * uint64(u.frameSize)
}

// At returns the n bytes at arena offset addr. It panics via slice bounds
// if the range leaves the arena, which indicates a corrupted descriptor.
func (u *Umem) At(addr uint64, n uint32) []byte {
	return u.area[addr : addr+uint64(n)]
}

// Frame returns the full frame starting at addr.
func (u *Umem) Frame(addr uint64) []byte {
	return u.area[addr : addr+uint64(u.frameSize)]
}

func (u *Umem) basePtr() unsafe.Pointer { return unsafe.Pointer(&u.area[0]) }
