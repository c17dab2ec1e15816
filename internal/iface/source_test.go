package iface

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubLookups replaces the address lookups for the duration of a test.
func stubLookups(t *testing.T, byName func(string) (netip.Addr, error), scan func() (netip.Addr, error)) {
	t.Helper()
	prevName, prevAny := interfaceAddr, anyAddr
	interfaceAddr, anyAddr = byName, scan
	t.Cleanup(func() { interfaceAddr, anyAddr = prevName, prevAny })
}

func noAddr(string) (netip.Addr, error) { return netip.Addr{}, errors.New("no such interface") }

func noAnyAddr() (netip.Addr, error) { return netip.Addr{}, errors.New("no global address") }

var hostAddrs = []netip.Addr{
	netip.MustParseAddr("::1"),
	netip.MustParseAddr("fe80::1%eth0"),
	netip.MustParseAddr("10.0.0.1"),
	netip.MustParseAddr("2001:db8:7::3"),
	netip.MustParseAddr("2001:db8:8::4"),
}

func TestResolveExplicit(t *testing.T) {
	stubLookups(t, noAddr, noAnyAddr)
	got := Resolve("2001:db8::10", "eth9", discard())
	if want := netip.MustParseAddr("2001:db8::10"); got != want {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveScansAllInterfaces(t *testing.T) {
	stubLookups(t, noAddr, func() (netip.Addr, error) { return pickGlobal("host", hostAddrs) })
	got := Resolve("", "", discard())
	if want := netip.MustParseAddr("2001:db8:7::3"); got != want {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveNamedInterface(t *testing.T) {
	var asked string
	stubLookups(t, func(name string) (netip.Addr, error) {
		asked = name
		return pickGlobal(name, hostAddrs[3:])
	}, noAnyAddr)
	got := Resolve("", "eth1", discard())
	if asked != "eth1" || got != netip.MustParseAddr("2001:db8:7::3") {
		t.Fatalf("Resolve = %v (asked %q), want 2001:db8:7::3 from eth1", got, asked)
	}
}

func TestResolveFallsBackToLoopback(t *testing.T) {
	stubLookups(t, noAddr, noAnyAddr)
	cases := []struct {
		name  string
		srcIP string
		srcIf string
	}{
		{"nothing found", "", ""},
		{"ipv4 source", "192.0.2.1", ""},
		{"mapped source", "::ffff:192.0.2.1", ""},
		{"missing interface", "", "does-not-exist0"},
	}
	for _, tc := range cases {
		if got := Resolve(tc.srcIP, tc.srcIf, discard()); got != netip.IPv6Loopback() {
			t.Fatalf("%s: Resolve = %v, want ::1", tc.name, got)
		}
	}
}

func TestPickGlobal(t *testing.T) {
	addrs := []netip.Addr{
		netip.MustParseAddr("127.0.0.1"),
		netip.MustParseAddr("::1"),
		netip.MustParseAddr("fe80::1"),
		netip.MustParseAddr("::ffff:10.0.0.1"),
		netip.MustParseAddr("2001:db8::5"),
		netip.MustParseAddr("2001:db8::6"),
	}
	got, err := pickGlobal("eth0", addrs)
	if err != nil {
		t.Fatalf("pickGlobal error: %v", err)
	}
	if want := netip.MustParseAddr("2001:db8::5"); got != want {
		t.Fatalf("pickGlobal = %v, want %v", got, want)
	}
	if _, err := pickGlobal("lo", addrs[:4]); err == nil {
		t.Fatalf("pickGlobal without global address: want error")
	}
}
