//go:build linux

package replicator

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsAggregation(t *testing.T) {
	s := NewStats(4, newTestRegistry(t))

	s.Queues[0].PacketsReceived.Add(10)
	s.Queues[3].PacketsReceived.Add(5)
	s.Queues[1].PacketsSent.Add(7)
	s.Queues[2].PacketsSent.Add(2)

	assert.Equal(t, uint64(15), s.PacketsReceived())
	assert.Equal(t, uint64(9), s.PacketsSent())
}

func TestStatsCollectors(t *testing.T) {
	registry := newTestRegistry(t)
	registry.Add(dst(10, 0, 0, 20, 9100))

	s := NewStats(2, registry)
	s.Queues[0].PacketsReceived.Add(3)
	s.Queues[1].PacketsSent.Add(4)
	s.BytesSent.Add(256)

	reg := prometheus.NewRegistry()
	reg.MustRegister(s.Collectors()...)

	expected := `
# HELP replicator_destinations Currently configured destinations.
# TYPE replicator_destinations gauge
replicator_destinations 1
# HELP replicator_packets_received_total Packets delivered by the classifier.
# TYPE replicator_packets_received_total counter
replicator_packets_received_total 3
# HELP replicator_packets_sent_total Frames replicated to destinations.
# TYPE replicator_packets_sent_total counter
replicator_packets_sent_total 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"replicator_destinations",
		"replicator_packets_received_total",
		"replicator_packets_sent_total",
	))
}
