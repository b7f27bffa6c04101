//go:build linux

package replicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zaptest.NewLogger(t))
	r.prime = func(Destination) {}
	return r
}

func dst(a, b, c, d byte, port uint16) Destination {
	return Destination{IP: [4]byte{a, b, c, d}, Port: port}
}

func TestRegistryOrdering(t *testing.T) {
	r := newTestRegistry(t)

	r.Add(dst(10, 0, 0, 21, 9101))
	r.Add(dst(10, 0, 0, 20, 9200))
	r.Add(dst(10, 0, 0, 20, 9100))
	r.Add(dst(192, 168, 0, 1, 1))

	assert.Equal(t, []Destination{
		dst(10, 0, 0, 20, 9100),
		dst(10, 0, 0, 20, 9200),
		dst(10, 0, 0, 21, 9101),
		dst(192, 168, 0, 1, 1),
	}, r.Snapshot())
}

func TestRegistryIdempotence(t *testing.T) {
	r := newTestRegistry(t)
	d := dst(10, 0, 0, 20, 9100)

	// add;add == add
	r.Add(d)
	r.Add(d)
	assert.Equal(t, 1, r.Len())

	// add;remove leaves the registry unchanged
	r.Remove(d)
	assert.Equal(t, 0, r.Len())

	// remove;remove == remove
	r.Remove(d)
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(dst(10, 0, 0, 20, 9100))

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	r.Add(dst(10, 0, 0, 21, 9101))
	r.Remove(dst(10, 0, 0, 20, 9100))

	// Mutations after the snapshot do not affect it.
	assert.Equal(t, []Destination{dst(10, 0, 0, 20, 9100)}, snap)
}

func TestResolveMACBroadcastFallback(t *testing.T) {
	r := newTestRegistry(t)

	// TEST-NET-3 will not be in the ARP table.
	d := dst(203, 0, 113, 7, 9100)
	assert.Equal(t, broadcastMAC, r.ResolveMAC(d))
	// Second resolution takes the already-warned path.
	assert.Equal(t, broadcastMAC, r.ResolveMAC(d))
}

func TestDestinationString(t *testing.T) {
	assert.Equal(t, "10.0.0.20:9100", dst(10, 0, 0, 20, 9100).String())
}

func TestDestinationUDPAddr(t *testing.T) {
	a := dst(127, 0, 0, 1, 4242).UDPAddr()
	assert.Equal(t, "127.0.0.1", a.IP.String())
	assert.Equal(t, 4242, a.Port)
}
