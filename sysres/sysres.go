//go:build linux

// Package sysres adjusts process resources for the AF_XDP data plane:
// memory-lock limits for UMEM pinning, CPU affinity for the per-queue
// workers and optional realtime scheduling.
package sysres

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// UnlimitMemlock raises RLIMIT_MEMLOCK to unlimited. UMEM registration
// pins pages, and the default limit is far too small for even one socket.
func UnlimitMemlock() error {
	limit := unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
		return fmt.Errorf("setrlimit RLIMIT_MEMLOCK: %w", err)
	}
	return nil
}

// PinToCPU binds the calling thread to one core. The caller must hold the
// OS thread (runtime.LockOSThread) for the affinity to stick to it.
func PinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(cpu=%d): %w", cpu, err)
	}
	return nil
}

// WorkerCPUs assigns one core per queue starting at core 1, leaving core 0
// to interrupts and housekeeping. Queues beyond the core count run
// unpinned (-1).
func WorkerCPUs(numQueues int) []int {
	cores := make([]int, numQueues)
	n := numCPUs()
	for i := range cores {
		if i+1 < n {
			cores[i] = i + 1
		} else {
			cores[i] = -1
		}
	}
	return cores
}

func numCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 1
	}
	return set.Count()
}

// schedParam is struct sched_param from sched.h.
type schedParam struct {
	Priority int32
}

// SetRealtimePriority switches the calling thread to SCHED_FIFO at the
// given priority. Best effort: callers should only warn on failure.
func SetRealtimePriority(priority int) error {
	param := schedParam{Priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
		0,
		uintptr(unix.SCHED_FIFO),
		uintptr(unsafe.Pointer(&param)),
	)
	if errno != 0 {
		return fmt.Errorf("sched_setscheduler(SCHED_FIFO, %d): %w", priority, errno)
	}
	return nil
}
