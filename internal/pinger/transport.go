package pinger

import (
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrWouldBlock is returned by PacketWriter when the socket buffer is full.
	ErrWouldBlock = errors.New("send would block")
	// ErrUnsupported is returned by the socket transport off Linux.
	ErrUnsupported = errors.New("raw udp pinger is only supported on linux")
)

// PacketWriter sends complete UDP packets (header included) without
// blocking.
type PacketWriter interface {
	WriteTo(pkt []byte, dst netip.Addr) error
	Close() error
}

// Datagram describes one read. Received is the kernel receive time when the
// platform reports one, zero otherwise.
type Datagram struct {
	N         int
	Peer      netip.AddrPort
	Received  time.Time
	Truncated bool
}

// PacketReader is one bound receive socket.
type PacketReader interface {
	ReadDatagram(buf []byte) (Datagram, error)
	Close() error
}

// Transport opens the sockets a round needs.
type Transport interface {
	// OpenSender returns a send-only socket using traffic class qos.
	OpenSender(qos uint8, bufferSize int) (PacketWriter, error)
	// BindPort binds a port-reuse socket on [::]:port.
	BindPort(port int, bufferSize int) (PacketReader, error)
}
