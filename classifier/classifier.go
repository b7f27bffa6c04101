//go:build linux

// Package classifier loads and attaches the in-kernel packet classifier
// (the unicast filter XDP program) and manages its two map contracts:
//
//   - xsks_map: queue index -> AF_XDP socket fd, written once per socket.
//   - config_map: single entry holding the (target ip, target port) tuple
//     the classifier matches against.
//
// The classifier drops nothing itself: non-matching traffic is passed to
// the regular stack, matching UDP datagrams are redirected to the per-queue
// socket.
package classifier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrProgramNotFound = errors.New("classifier program not found in object")
	ErrXsksMapNotFound = errors.New("xsks_map not found")
)

// bpfXdpHasFrags is BPF_F_XDP_HAS_FRAGS from linux/bpf.h.
const bpfXdpHasFrags = 1 << 5

const (
	programName   = "unicast_filter"
	xsksMapName   = "xsks_map"
	configMapName = "config_map"
)

// config mirrors struct unicast_config in the classifier object. Both
// fields are stored in network byte order; the kernel side compares them
// against the wire representation without any swapping.
type config struct {
	TargetIP   uint32
	TargetPort uint16
	_          uint16
}

// Binder owns the loaded classifier collection and its interface
// attachment. The process holds exactly one; Unload detaches and releases
// everything.
type Binder struct {
	log *zap.Logger

	coll    *ebpf.Collection
	link    link.Link
	ifindex int
}

// Load reads the classifier object from progPath, enables multi-fragment
// support where the kernel allows it, and attaches the program to ifname in
// native or generic (SKB) mode. The attachment is link-based: it dies with
// the process, so a crashed run never leaves a stale program behind and
// reloading is safe.
func Load(ifname, progPath string, nativeMode bool, log *zap.Logger) (*Binder, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("getting interface %q: %w", ifname, err)
	}

	spec, err := ebpf.LoadCollectionSpec(progPath)
	if err != nil {
		return nil, fmt.Errorf("loading classifier spec %q: %w", progPath, err)
	}

	progSpec, ok := spec.Programs[programName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProgramNotFound, programName)
	}
	// Multi-buffer XDP lets the driver hand over frames larger than one
	// page. Older verifiers reject the flag, so probe by loading.
	progSpec.Flags |= bpfXdpHasFrags

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		progSpec.Flags &^= bpfXdpHasFrags
		coll, err = ebpf.NewCollection(spec)
		if err != nil {
			return nil, fmt.Errorf("loading classifier collection: %w", err)
		}
		log.Warn("kernel rejects multi-fragment XDP, loaded without frags support")
	}

	opts := link.XDPOptions{
		Program:   coll.Programs[programName],
		Interface: iface.Index,
	}
	if nativeMode {
		opts.Flags = link.XDPDriverMode
	} else {
		opts.Flags = link.XDPGenericMode
	}

	l, err := link.AttachXDP(opts)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attaching classifier to %s: %w", ifname, err)
	}

	log.Info("classifier attached",
		zap.String("iface", ifname),
		zap.Bool("native", nativeMode),
		zap.String("object", progPath))

	return &Binder{
		log:     log,
		coll:    coll,
		link:    l,
		ifindex: iface.Index,
	}, nil
}

// Configure writes the target tuple into config_map[0]. ip must be an IPv4
// address; port is in host order and stored big-endian. A missing
// config_map is a soft error: the classifier then admits every UDP packet.
func (b *Binder) Configure(ip net.IP, port uint16) error {
	m := b.findMap(configMapName)
	if m == nil {
		b.log.Warn("config_map not found, classifier will pass all UDP packets")
		return nil
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("target %v is not an IPv4 address", ip)
	}

	cfg := config{
		// in_addr layout: network byte order regardless of host
		// endianness. The map marshals the record in native order, so
		// the wire bytes are read back in native order.
		TargetIP:   binary.NativeEndian.Uint32(ip4),
		TargetPort: binary.NativeEndian.Uint16([]byte{byte(port >> 8), byte(port)}),
	}
	if err := m.Update(uint32(0), cfg, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating config_map: %w", err)
	}

	b.log.Info("classifier configured",
		zap.String("target_ip", ip4.String()),
		zap.Uint16("target_port", port))
	return nil
}

// XsksMap returns the socket map sockets register themselves in. Name-based
// lookup on the loaded collection is authoritative; the historic fd-scan is
// kept only as a warning-path fallback for collections loaded elsewhere.
func (b *Binder) XsksMap() (*ebpf.Map, error) {
	if m := b.findMap(xsksMapName); m != nil {
		return m, nil
	}
	b.log.Warn("xsks_map missing from collection, falling back to fd scan")
	if m := scanMapFDs(xsksMapName); m != nil {
		return m, nil
	}
	return nil, ErrXsksMapNotFound
}

func (b *Binder) findMap(name string) *ebpf.Map {
	if b.coll == nil {
		return nil
	}
	return b.coll.Maps[name]
}

// scanMapFDs walks file descriptors 3..1024 looking for a pinned or
// inherited map with the given name. This mirrors the legacy discovery
// behavior and exists only as a fallback. NewMapFromFD takes ownership of
// the descriptor it is handed, so each probe runs on a duplicate.
func scanMapFDs(name string) *ebpf.Map {
	for fd := 3; fd < 1024; fd++ {
		dup, err := unix.Dup(fd)
		if err != nil {
			continue
		}
		m, err := ebpf.NewMapFromFD(dup)
		if err != nil {
			unix.Close(dup)
			continue
		}
		info, err := m.Info()
		if err == nil && info.Name == name {
			return m
		}
		m.Close()
	}
	return nil
}

// Unload detaches the classifier from the interface and releases the
// collection. Safe to call twice.
func (b *Binder) Unload() error {
	var errs []error
	if b.link != nil {
		if err := b.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detaching classifier: %w", err))
		}
		b.link = nil
	}
	if b.coll != nil {
		b.coll.Close()
		b.coll = nil
	}
	return errors.Join(errs...)
}
