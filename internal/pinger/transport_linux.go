//go:build linux

package pinger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/NodePath81/fbping/internal/util"
	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// dropAll is the classic BPF program "ret #0": the send socket never queues
// inbound packets.
var dropAll = []bpf.Instruction{bpf.RetConstant{Val: 0}}

type socketTransport struct {
	logger util.Logger
}

// NewSocketTransport returns the raw IPv6 transport.
func NewSocketTransport(logger util.Logger) Transport {
	return &socketTransport{logger: logger}
}

func (t *socketTransport) OpenSender(qos uint8, bufferSize int) (PacketWriter, error) {
	pc, err := net.ListenPacket("ip6:17", "::")
	if err != nil {
		return nil, fmt.Errorf("open raw udp socket: %w", err)
	}
	conn := pc.(*net.IPConn)
	fail := func(what string, err error) (PacketWriter, error) {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", what, err)
	}

	t.tuneSender(senderSocket{PacketConn: ipv6.NewPacketConn(conn), conn: conn}, qos, bufferSize)
	raw, err := conn.SyscallConn()
	if err != nil {
		return fail("raw conn", err)
	}
	t.logger.Debug("raw send socket opened", "qos", qos, "sndbuf", bufferSize)
	return &rawWriter{conn: conn, raw: raw}, nil
}

// sendSockopts is the part of the send socket tuneSender configures.
type sendSockopts interface {
	SetTrafficClass(tclass int) error
	SetBPF(filter []bpf.RawInstruction) error
	SetWriteBuffer(bytes int) error
}

type senderSocket struct {
	*ipv6.PacketConn
	conn *net.IPConn
}

func (s senderSocket) SetWriteBuffer(bytes int) error {
	return s.conn.SetWriteBuffer(bytes)
}

// tuneSender applies the traffic class, the drop-all filter and the send
// buffer size. Failures are logged and the socket is used as is.
func (t *socketTransport) tuneSender(s sendSockopts, qos uint8, bufferSize int) {
	if err := s.SetTrafficClass(int(qos)); err != nil {
		t.logger.Warn("set traffic class failed", "qos", qos, "error", err)
	}
	prog, err := bpf.Assemble(dropAll)
	if err == nil {
		err = s.SetBPF(prog)
	}
	if err != nil {
		t.logger.Warn("attach drop filter failed", "error", err)
	}
	if err := s.SetWriteBuffer(bufferSize); err != nil {
		t.logger.Warn("set send buffer failed", "sndbuf", bufferSize, "error", err)
	}
}

type rawWriter struct {
	conn *net.IPConn
	raw  syscall.RawConn
}

func (w *rawWriter) WriteTo(pkt []byte, dst netip.Addr) error {
	sa := &unix.SockaddrInet6{Addr: dst.As16()}
	var sendErr error
	// Returning true skips the poller wait so EAGAIN reaches the caller.
	err := w.raw.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), pkt, unix.MSG_DONTWAIT, sa)
		return true
	})
	if err != nil {
		return err
	}
	if errors.Is(sendErr, unix.EAGAIN) || errors.Is(sendErr, unix.EWOULDBLOCK) || errors.Is(sendErr, unix.ENOBUFS) {
		return ErrWouldBlock
	}
	return sendErr
}

func (w *rawWriter) Close() error {
	return w.conn.Close()
}

func (t *socketTransport) BindPort(port int, bufferSize int) (PacketReader, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				if sockErr != nil {
					sockErr = fmt.Errorf("SO_REUSEPORT: %w", sockErr)
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
				if sockErr != nil {
					sockErr = fmt.Errorf("SO_TIMESTAMPNS: %w", sockErr)
				}
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp6", util.NetJoin("::", port))
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if err := conn.SetReadBuffer(bufferSize); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set receive buffer: %w", err)
	}
	return &udpReader{conn: conn, oob: make([]byte, unix.CmsgSpace(16))}, nil
}

type udpReader struct {
	conn *net.UDPConn
	oob  []byte
}

func (r *udpReader) ReadDatagram(buf []byte) (Datagram, error) {
	n, oobn, flags, addr, err := r.conn.ReadMsgUDPAddrPort(buf, r.oob)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{
		N:         n,
		Peer:      addr,
		Received:  kernelTimestamp(r.oob[:oobn]),
		Truncated: flags&unix.MSG_TRUNC != 0,
	}, nil
}

func (r *udpReader) Close() error {
	return r.conn.Close()
}

// kernelTimestamp extracts SCM_TIMESTAMPNS, or returns the zero time.
func kernelTimestamp(oob []byte) time.Time {
	if len(oob) == 0 {
		return time.Time{}
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_TIMESTAMPNS {
			continue
		}
		switch {
		case len(m.Data) >= 16:
			sec := int64(binary.NativeEndian.Uint64(m.Data[0:8]))
			nsec := int64(binary.NativeEndian.Uint64(m.Data[8:16]))
			return time.Unix(sec, nsec)
		case len(m.Data) >= 8:
			sec := int64(int32(binary.NativeEndian.Uint32(m.Data[0:4])))
			nsec := int64(int32(binary.NativeEndian.Uint32(m.Data[4:8])))
			return time.Unix(sec, nsec)
		}
	}
	return time.Time{}
}
