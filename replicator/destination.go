//go:build linux

package replicator

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Destination is one (IPv4, UDP port) replication target. Destinations are
// totally ordered by (ip, port), which fixes the fan-out order workers use.
type Destination struct {
	IP   [4]byte
	Port uint16
}

// UDPAddr returns the conventional-socket form of the destination. The
// address is not cached: each call allocates a new one.
func (d Destination) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(d.IP[:]), Port: int(d.Port)}
}

func (d Destination) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", d.IP[0], d.IP[1], d.IP[2], d.IP[3], d.Port)
}

func (d Destination) less(other Destination) bool {
	for i := range d.IP {
		if d.IP[i] != other.IP[i] {
			return d.IP[i] < other.IP[i]
		}
	}
	return d.Port < other.Port
}

// arpProbePort is where the neighbor-priming datagram is aimed. Any closed
// port works; the probe only exists to force kernel ARP resolution.
const arpProbePort = 12346

// Registry is the mutable ordered set of destinations. Add and Remove are
// driven by the control protocol; workers call Snapshot, once per received
// batch at most, and ResolveMAC for every frame they synthesize.
type Registry struct {
	log *zap.Logger

	mu   sync.Mutex
	dsts []Destination

	warnedMAC map[Destination]bool

	// prime is swapped out by tests; it defaults to primeARP.
	prime func(Destination)
}

func NewRegistry(log *zap.Logger) *Registry {
	r := &Registry{
		log:       log,
		warnedMAC: make(map[Destination]bool),
	}
	r.prime = r.primeARP
	return r
}

// Add inserts d keeping the set ordered. Re-adding an existing destination
// is a no-op. Insertion triggers a best-effort ARP prime outside the lock.
func (r *Registry) Add(d Destination) {
	r.mu.Lock()
	i := sort.Search(len(r.dsts), func(i int) bool { return !r.dsts[i].less(d) })
	if i < len(r.dsts) && r.dsts[i] == d {
		r.mu.Unlock()
		return
	}
	r.dsts = append(r.dsts, Destination{})
	copy(r.dsts[i+1:], r.dsts[i:])
	r.dsts[i] = d
	r.mu.Unlock()

	r.log.Info("destination added", zap.Stringer("destination", d))
	r.prime(d)
}

// Remove deletes d. Removing an absent destination is a no-op.
func (r *Registry) Remove(d Destination) {
	r.mu.Lock()
	i := sort.Search(len(r.dsts), func(i int) bool { return !r.dsts[i].less(d) })
	if i < len(r.dsts) && r.dsts[i] == d {
		r.dsts = append(r.dsts[:i], r.dsts[i+1:]...)
	}
	r.mu.Unlock()

	r.log.Info("destination removed", zap.Stringer("destination", d))
}

// Snapshot copies the current set. The copy is immune to later Add/Remove
// calls; workers iterate it without holding the lock.
func (r *Registry) Snapshot() []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Destination, len(r.dsts))
	copy(out, r.dsts)
	return out
}

// Len returns the current number of destinations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dsts)
}

// primeARP nudges the kernel into resolving the destination's MAC by
// sending a tiny datagram at a scratch port, then gives the resolver a
// moment before the first real frame is synthesized.
func (r *Registry) primeARP(d Destination) {
	probe := Destination{IP: d.IP, Port: arpProbePort}
	conn, err := net.DialUDP("udp4", nil, probe.UDPAddr())
	if err != nil {
		r.log.Warn("arp prime failed", zap.Stringer("destination", d), zap.Error(err))
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ARP")); err != nil {
		r.log.Warn("arp prime failed", zap.Stringer("destination", d), zap.Error(err))
		return
	}
	time.Sleep(100 * time.Millisecond)

	if _, ok := lookupMAC(d.IP); !ok {
		r.log.Warn("arp entry still missing after prime, frames will use broadcast MAC",
			zap.Stringer("destination", d))
	}
}

// ResolveMAC returns the destination's MAC from the kernel neighbor table,
// falling back to broadcast. The fallback is logged once per destination.
func (r *Registry) ResolveMAC(d Destination) net.HardwareAddr {
	if mac, ok := lookupMAC(d.IP); ok {
		return mac
	}

	r.mu.Lock()
	warned := r.warnedMAC[d]
	if !warned {
		r.warnedMAC[d] = true
	}
	r.mu.Unlock()
	if !warned {
		r.log.Warn("no arp entry, using broadcast MAC", zap.Stringer("destination", d))
	}
	return broadcastMAC
}
