//go:build linux

package replicator

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Control protocol opcodes. Messages are a single opcode byte, ADD and
// REMOVE followed by 4 bytes IP + 2 bytes port, both network order.
const (
	OpAddDestination    = 1
	OpRemoveDestination = 2
	OpListDestinations  = 3
)

// DefaultControlPort is where the control server listens.
const DefaultControlPort = 12345

// controlReadTimeout bounds each blocking read so the loop can observe the
// running flag.
const controlReadTimeout = time.Second

// ControlServer accepts destination-management datagrams on a single UDP
// socket. ADD/REMOVE answer with one status byte (1 ok, 0 fail); LIST
// answers with a count byte followed by (ip, port) tuples. Malformed or
// unknown messages are dropped without a reply.
type ControlServer struct {
	log      *zap.Logger
	registry *Registry
	conn     net.PacketConn
}

// NewControlServer binds the control socket with SO_REUSEADDR set.
func NewControlServer(port uint16, registry *Registry, log *zap.Logger) (*ControlServer, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opterr error
			err := c.Control(func(fd uintptr) {
				opterr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opterr
		},
	}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding control socket: %w", err)
	}

	log.Info("control server listening", zap.Uint16("port", port))
	return &ControlServer{log: log, registry: registry, conn: conn}, nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *ControlServer) Addr() net.Addr { return s.conn.LocalAddr() }

// Run serves control messages until the running flag is cleared, then
// closes the socket.
func (s *ControlServer) Run(running *atomic.Bool) {
	defer s.conn.Close()

	buf := make([]byte, 1024)
	for running.Load() {
		_ = s.conn.SetReadDeadline(time.Now().Add(controlReadTimeout))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if running.Load() {
				s.log.Error("control receive", zap.Error(err))
			}
			continue
		}
		if n == 0 {
			continue
		}

		if resp := s.handle(buf[:n], from); resp != nil {
			if _, err := s.conn.WriteTo(resp, from); err != nil {
				s.log.Error("control reply", zap.Error(err))
			}
		}
	}

	s.log.Info("control server stopped")
}

// handle processes one datagram and returns the reply, or nil for silence.
func (s *ControlServer) handle(msg []byte, from net.Addr) []byte {
	switch msg[0] {
	case OpAddDestination:
		d, ok := parseDestination(msg)
		if !ok {
			return nil
		}
		s.log.Info("control: add destination",
			zap.Stringer("destination", d), zap.Stringer("client", from))
		s.registry.Add(d)
		return []byte{1}

	case OpRemoveDestination:
		d, ok := parseDestination(msg)
		if !ok {
			return nil
		}
		s.log.Info("control: remove destination",
			zap.Stringer("destination", d), zap.Stringer("client", from))
		s.registry.Remove(d)
		return []byte{1}

	case OpListDestinations:
		dsts := s.registry.Snapshot()
		// The count field is a single unsigned byte; clients must treat
		// it as such.
		if len(dsts) > 255 {
			dsts = dsts[:255]
		}
		resp := make([]byte, 1, 1+6*len(dsts))
		resp[0] = byte(len(dsts))
		for _, d := range dsts {
			resp = append(resp, d.IP[0], d.IP[1], d.IP[2], d.IP[3],
				byte(d.Port>>8), byte(d.Port))
		}
		return resp

	default:
		s.log.Warn("control: unknown opcode",
			zap.Uint8("opcode", msg[0]), zap.Stringer("client", from))
		return nil
	}
}

// parseDestination decodes the 6-byte (ip_be, port_be) payload following
// the opcode.
func parseDestination(msg []byte) (Destination, bool) {
	if len(msg) < 7 {
		return Destination{}, false
	}
	var d Destination
	copy(d.IP[:], msg[1:5])
	d.Port = uint16(msg[5])<<8 | uint16(msg[6])
	return d, true
}
