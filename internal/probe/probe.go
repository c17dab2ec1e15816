// Package probe encodes and decodes the UDP pinger wire format: an 8-byte UDP
// header followed by a fixed 32-byte body, checksummed over the IPv6
// pseudo-header.
package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	HeaderSize = 8
	BodySize   = 32
	PacketSize = HeaderSize + BodySize

	// ProtocolUDP is the IPv6 next-header value carried in the pseudo-header.
	ProtocolUDP = 17
)

// ErrMalformed reports a buffer too short to hold a probe.
var ErrMalformed = errors.New("malformed probe")

// Header is the manually built UDP header. Length and Checksum are filled in
// by Encode.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Body is the probe payload echoed by the responder. Timestamps are the low
// 32 bits of microseconds since the Unix epoch.
type Body struct {
	Signature      uint32
	PingerSentTime uint32
	TargetRcvdTime uint32
	TargetRespTime uint32
	TClass         uint8
}

// Encode builds a complete probe packet for src -> dst.
func Encode(hdr Header, body Body, src, dst netip.Addr) []byte {
	buf := make([]byte, PacketSize)
	putPacket(buf, hdr, body, src, dst)
	return buf
}

// EncodeTo writes the packet into buf, which must hold PacketSize bytes.
// The length and checksum fields of hdr are ignored and recomputed.
func EncodeTo(buf []byte, hdr Header, body Body, src, dst netip.Addr) error {
	if len(buf) < PacketSize {
		return fmt.Errorf("%w: buffer %d bytes, need %d", ErrMalformed, len(buf), PacketSize)
	}
	putPacket(buf[:PacketSize], hdr, body, src, dst)
	return nil
}

// putPacket fills a PacketSize buffer.
func putPacket(buf []byte, hdr Header, body Body, src, dst netip.Addr) {
	putHeader(buf[:HeaderSize], hdr)
	putBody(buf[HeaderSize:], body)
	binary.BigEndian.PutUint16(buf[6:8], Checksum(buf, src, dst))
}

func putHeader(b []byte, hdr Header) {
	binary.BigEndian.PutUint16(b[0:2], hdr.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], hdr.DstPort)
	binary.BigEndian.PutUint16(b[4:6], PacketSize)
	binary.BigEndian.PutUint16(b[6:8], 0)
}

// AppendBody appends the 32-byte wire form of body to dst.
func AppendBody(dst []byte, body Body) []byte {
	var b [BodySize]byte
	putBody(b[:], body)
	return append(dst, b[:]...)
}

func putBody(b []byte, body Body) {
	binary.BigEndian.PutUint32(b[0:4], body.Signature)
	binary.BigEndian.PutUint32(b[4:8], body.PingerSentTime)
	binary.BigEndian.PutUint32(b[8:12], body.TargetRcvdTime)
	binary.BigEndian.PutUint32(b[12:16], body.TargetRespTime)
	b[16] = body.TClass
	clear(b[17:BodySize])
}

// Decode reads a probe body from the start of b. It does not check the
// signature.
func Decode(b []byte) (Body, error) {
	if len(b) < BodySize {
		return Body{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformed, len(b), BodySize)
	}
	return Body{
		Signature:      binary.BigEndian.Uint32(b[0:4]),
		PingerSentTime: binary.BigEndian.Uint32(b[4:8]),
		TargetRcvdTime: binary.BigEndian.Uint32(b[8:12]),
		TargetRespTime: binary.BigEndian.Uint32(b[12:16]),
		TClass:         b[16],
	}, nil
}

// DecodeHeader reads the UDP header from the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformed, len(b), HeaderSize)
	}
	return Header{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// Checksum computes the UDP checksum of pkt (header and payload) over the
// IPv6 pseudo-header. The checksum field at pkt[6:8] is treated as zero.
// A zero result is returned as 0xFFFF.
func Checksum(pkt []byte, src, dst netip.Addr) uint16 {
	var sum uint32
	s16 := src.As16()
	d16 := dst.As16()
	sum = sumWords(sum, s16[:])
	sum = sumWords(sum, d16[:])

	var lenProto [8]byte
	binary.BigEndian.PutUint32(lenProto[0:4], uint32(len(pkt)))
	binary.BigEndian.PutUint32(lenProto[4:8], ProtocolUDP)
	sum = sumWords(sum, lenProto[:])

	for i := 0; i+1 < len(pkt); i += 2 {
		if i == 6 {
			continue
		}
		sum += uint32(pkt[i])<<8 | uint32(pkt[i+1])
	}
	if len(pkt)%2 == 1 {
		sum += uint32(pkt[len(pkt)-1]) << 8
	}

	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	csum := ^uint16(sum)
	if csum == 0 {
		csum = 0xffff
	}
	return csum
}

func sumWords(sum uint32, b []byte) uint32 {
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	return sum
}
