//go:build linux

package replicator

import (
	"encoding/binary"
	"net"
)

const (
	ethHdrLen = 14
	ipHdrLen  = 20
	udpHdrLen = 8
	// hdrsLen is the fixed overhead of a synthesized frame.
	hdrsLen = ethHdrLen + ipHdrLen + udpHdrLen

	etherTypeIPv4 = 0x0800
	protoUDP      = 17

	// ipIdent is the constant IPv4 identification written into every
	// synthesized frame.
	ipIdent = 12345
)

var broadcastMAC = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// extractUDPPayload walks Ethernet -> IPv4 -> UDP with bounds checks and
// returns the datagram payload. ok is false for anything that is not a
// well-formed IPv4/UDP frame: the classifier should have filtered those,
// but the workers defend themselves.
func extractUDPPayload(frame []byte) (payload []byte, ok bool) {
	if len(frame) < hdrsLen {
		return nil, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		return nil, false
	}

	ip := frame[ethHdrLen:]
	if ip[0]>>4 != 4 {
		return nil, false
	}
	ihl := int(ip[0]&0x0F) * 4
	if ihl < ipHdrLen {
		return nil, false
	}

	headers := ethHdrLen + ihl + udpHdrLen
	if len(frame) < headers {
		return nil, false
	}
	if ip[9] != protoUDP {
		return nil, false
	}

	udp := frame[ethHdrLen+ihl:]
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < udpHdrLen || udpLen > len(frame)-ethHdrLen-ihl {
		return nil, false
	}

	return frame[headers : headers+udpLen-udpHdrLen], true
}

// buildUDPFrame writes a complete Ethernet+IPv4+UDP frame carrying payload
// into buf and returns its total length. The IPv4 identification is the
// constant ipIdent, TTL is 64 and the UDP checksum is left zero (optional
// under IPv4). Returns 0 when the frame would not fit in buf.
func buildUDPFrame(
	buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP net.IP,
	srcPort uint16,
	dst Destination,
	payload []byte,
) uint32 {
	total := hdrsLen + len(payload)
	if total > len(buf) {
		return 0
	}

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	binary.BigEndian.PutUint16(buf[12:14], etherTypeIPv4)

	ip := buf[ethHdrLen:]
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0    // TOS
	binary.BigEndian.PutUint16(ip[2:], uint16(ipHdrLen+udpHdrLen+len(payload)))
	binary.BigEndian.PutUint16(ip[4:], ipIdent)
	ip[6], ip[7] = 0, 0 // flags, fragment offset
	ip[8] = 64          // TTL
	ip[9] = protoUDP
	ip[10], ip[11] = 0, 0
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dst.IP[:])
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:ipHdrLen]))

	udp := ip[ipHdrLen:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dst.Port)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpHdrLen+len(payload)))
	udp[6], udp[7] = 0, 0 // checksum optional for IPv4

	copy(udp[udpHdrLen:], payload)

	return uint32(total)
}
