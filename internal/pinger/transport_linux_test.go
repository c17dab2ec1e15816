//go:build linux

package pinger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/NodePath81/fbping/internal/util"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// cmsg builds one control message with the given level, type and data.
func cmsg(level, typ int32, data []byte) []byte {
	buf := make([]byte, unix.CmsgSpace(len(data)))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(buf[unix.CmsgLen(0):], data)
	return buf
}

func timespec(t time.Time) []byte {
	b := make([]byte, 16)
	binary.NativeEndian.PutUint64(b[0:8], uint64(t.Unix()))
	binary.NativeEndian.PutUint64(b[8:16], uint64(t.Nanosecond()))
	return b
}

func TestKernelTimestamp(t *testing.T) {
	stamp := time.Unix(1_700_000_000, 123_456_789)
	cases := []struct {
		name string
		oob  []byte
		want time.Time
	}{
		{name: "timestampns", oob: cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPNS, timespec(stamp)), want: stamp},
		{
			name: "after other message",
			oob:  append(cmsg(unix.SOL_IPV6, unix.IPV6_TCLASS, []byte{0x20, 0, 0, 0}), cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMPNS, timespec(stamp))...),
			want: stamp,
		},
		{name: "other type", oob: cmsg(unix.SOL_SOCKET, unix.SCM_RIGHTS, []byte{1, 0, 0, 0})},
		{name: "empty"},
		{name: "garbage", oob: []byte{1, 2, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := kernelTimestamp(tc.oob); !got.Equal(tc.want) {
				t.Fatalf("kernelTimestamp = %v, want %v", got, tc.want)
			}
		})
	}
}

type failingSockopts struct {
	calls []string
}

func (s *failingSockopts) SetTrafficClass(int) error {
	s.calls = append(s.calls, "tclass")
	return errors.New("tclass refused")
}

func (s *failingSockopts) SetBPF([]bpf.RawInstruction) error {
	s.calls = append(s.calls, "bpf")
	return errors.New("filter refused")
}

func (s *failingSockopts) SetWriteBuffer(int) error {
	s.calls = append(s.calls, "sndbuf")
	return errors.New("sndbuf refused")
}

func TestTuneSenderWarnsAndContinues(t *testing.T) {
	var logs bytes.Buffer
	transport := &socketTransport{logger: util.NewWriterLogger(&logs, "warn")}
	opts := &failingSockopts{}
	transport.tuneSender(opts, 0x20, 1<<20)

	if got := strings.Join(opts.calls, ","); got != "tclass,bpf,sndbuf" {
		t.Fatalf("calls = %s, want every option attempted", got)
	}
	for _, want := range []string{"set traffic class failed", "attach drop filter failed", "set send buffer failed"} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("logs missing %q:\n%s", want, logs.String())
		}
	}
}
