//go:build !linux

package pinger

import "github.com/NodePath81/fbping/internal/util"

type unsupportedTransport struct{}

func NewSocketTransport(logger util.Logger) Transport {
	return unsupportedTransport{}
}

func (unsupportedTransport) OpenSender(uint8, int) (PacketWriter, error) {
	return nil, ErrUnsupported
}

func (unsupportedTransport) BindPort(int, int) (PacketReader, error) {
	return nil, ErrUnsupported
}
