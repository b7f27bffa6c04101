//go:build linux

package replicator

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aws-samples/afxdp-udp-replicator/afxdp"
)

func newTestWorker(t *testing.T) (*worker, *fakePlane) {
	t.Helper()

	log := zaptest.NewLogger(t)
	registry := NewRegistry(log)
	registry.prime = func(Destination) {}

	fallback, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fallback.Close() })

	plane := newFakePlane(t)
	return &worker{
		queueID:    0,
		sock:       plane,
		registry:   registry,
		stats:      NewStats(1, registry),
		log:        log,
		fallback:   fallback,
		srcMAC:     net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		srcIP:      net.IPv4(10, 0, 0, 10).To4(),
		listenPort: 9000,
		pinCPU:     -1,
	}, plane
}

// buildInputPacket serializes a well-formed frame the classifier would
// redirect to the socket.
func buildInputPacket(t *testing.T, proto layers.IPProtocol, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IPv4(10, 0, 0, 99),
		DstIP:    net.IPv4(10, 0, 0, 10),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	switch proto {
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: 5555, DstPort: 9000}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload))
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: 5555, DstPort: 9000}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		err = gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload))
	default:
		t.Fatalf("unsupported proto %v", proto)
	}
	require.NoError(t, err)
	return buf.Bytes()
}

func receiveAndProcess(w *worker, plane *fakePlane) {
	buf := make([]afxdp.RxDesc, workerBatch)
	descs := w.sock.Receive(buf)
	w.processBatch(descs)
	w.sock.RecycleFrames()
}

func TestWorkerSingleDestination(t *testing.T) {
	w, plane := newTestWorker(t)
	w.registry.Add(Destination{IP: [4]byte{10, 0, 0, 20}, Port: 9100})

	plane.inject(0, buildInputPacket(t, layers.IPProtocolUDP, []byte("hello")))
	receiveAndProcess(w, plane)

	frames := plane.sentFrames()
	require.Len(t, frames, 1)

	pkt := gopacket.NewPacket(frames[0], layers.LayerTypeEthernet, gopacket.Default)

	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, w.srcMAC, eth.SrcMAC)
	// No ARP entry for this private address: broadcast fallback.
	assert.Equal(t, net.HardwareAddr(broadcastMAC), eth.DstMAC)
	assert.Equal(t, layers.EthernetTypeIPv4, eth.EthernetType)

	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, "10.0.0.10", ip.SrcIP.String())
	assert.Equal(t, "10.0.0.20", ip.DstIP.String())
	assert.Equal(t, layers.IPProtocolUDP, ip.Protocol)
	assert.Equal(t, uint16(33), ip.Length) // 20 + 8 + 5
	assert.Equal(t, uint8(64), ip.TTL)
	assert.Equal(t, uint16(ipIdent), ip.Id)
	// One's-complement sum over a valid header folds to 0xFFFF, so
	// re-running the checksum over it yields zero.
	assert.Equal(t, uint16(0), ipChecksum(ip.Contents))

	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	assert.Equal(t, layers.UDPPort(9000), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(9100), udp.DstPort)
	assert.Equal(t, uint16(13), udp.Length)
	assert.Equal(t, "hello", string(udp.Payload))

	assert.Equal(t, uint64(1), w.stats.PacketsReceived())
	assert.Equal(t, uint64(1), w.stats.PacketsSent())
	assert.Equal(t, uint64(5), w.stats.BytesSent.Load())
}

func TestWorkerFanOutOrder(t *testing.T) {
	w, plane := newTestWorker(t)
	// Inserted out of order; the registry keeps them sorted.
	w.registry.Add(Destination{IP: [4]byte{10, 0, 0, 21}, Port: 9101})
	w.registry.Add(Destination{IP: [4]byte{10, 0, 0, 20}, Port: 9100})

	plane.inject(0, buildInputPacket(t, layers.IPProtocolUDP, []byte("hello")))
	receiveAndProcess(w, plane)

	frames := plane.sentFrames()
	require.Len(t, frames, 2)

	wantDst := []string{"10.0.0.20", "10.0.0.21"}
	for i, frame := range frames {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		assert.Equal(t, wantDst[i], ip.DstIP.String(), "fan-out order")
	}

	assert.Equal(t, uint64(2), w.stats.PacketsSent())
}

func TestWorkerNoDestinations(t *testing.T) {
	w, plane := newTestWorker(t)

	plane.inject(0, buildInputPacket(t, layers.IPProtocolUDP, []byte("hello")))
	receiveAndProcess(w, plane)

	assert.Empty(t, plane.sent)
	assert.Equal(t, uint64(1), w.stats.PacketsReceived())
	assert.Equal(t, uint64(0), w.stats.PacketsSent())
	// The RX frame went back to the fill ring.
	assert.Equal(t, []uint64{plane.umem.RxFrameAddr(0)}, plane.recycled)
}

func TestWorkerSkipsNonUDP(t *testing.T) {
	w, plane := newTestWorker(t)
	w.registry.Add(Destination{IP: [4]byte{10, 0, 0, 20}, Port: 9100})

	plane.inject(0, buildInputPacket(t, layers.IPProtocolTCP, []byte("stream")))
	receiveAndProcess(w, plane)

	assert.Empty(t, plane.sent)
	assert.Equal(t, uint64(1), w.stats.PacketsReceived())
	assert.Equal(t, uint64(0), w.stats.PacketsSent())
	assert.Equal(t, uint64(1), w.stats.ParseErrors.Load())
}

func TestWorkerFallbackWhenRingRefuses(t *testing.T) {
	w, plane := newTestWorker(t)

	// Loopback sink standing in for the destination.
	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()
	port := uint16(sink.LocalAddr().(*net.UDPAddr).Port)

	w.registry.Add(Destination{IP: [4]byte{127, 0, 0, 1}, Port: port})

	plane.reserveRem = 0 // zero-copy path refuses every reservation
	plane.inject(0, buildInputPacket(t, layers.IPProtocolUDP, []byte("hello")))
	receiveAndProcess(w, plane)

	assert.Empty(t, plane.sent)
	assert.Equal(t, uint64(1), w.stats.FallbackSends.Load())
	assert.Equal(t, uint64(1), w.stats.PacketsSent())
	assert.Greater(t, plane.pokeCalls, 0, "refused reserve must poke the driver")

	_ = sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := sink.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestWorkerRefusesOversizedPayload(t *testing.T) {
	w, plane := newTestWorker(t)

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()
	port := uint16(sink.LocalAddr().(*net.UDPAddr).Port)

	w.registry.Add(Destination{IP: [4]byte{127, 0, 0, 1}, Port: port})

	// One byte beyond what fits a frame after headers.
	payload := make([]byte, afxdp.DefaultFrameSize-hdrsLen+1)
	plane.inject(0, buildInputPacket(t, layers.IPProtocolUDP, payload))
	receiveAndProcess(w, plane)

	// The synthesizer refused; the conventional socket carried it.
	assert.Empty(t, plane.sent)
	assert.Equal(t, uint64(1), w.stats.FallbackSends.Load())
}

func TestWorkerContinuesAfterFailedDestination(t *testing.T) {
	w, plane := newTestWorker(t)

	w.registry.Add(Destination{IP: [4]byte{10, 0, 0, 20}, Port: 9100})
	w.registry.Add(Destination{IP: [4]byte{10, 0, 0, 21}, Port: 9101})

	// Zero-copy refused everywhere and the fallback socket is dead:
	// every send fails, the worker must still attempt each destination
	// and survive.
	plane.reserveRem = 0
	require.NoError(t, w.fallback.Close())

	plane.inject(0, buildInputPacket(t, layers.IPProtocolUDP, []byte("hello")))
	receiveAndProcess(w, plane)

	assert.Empty(t, plane.sent)
	assert.Equal(t, uint64(2), w.stats.FallbackSends.Load())
	assert.Equal(t, uint64(2), w.stats.SendErrors.Load())
	assert.Equal(t, uint64(0), w.stats.PacketsSent())
}
