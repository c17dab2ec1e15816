// Package iface picks the IPv6 source address probes are sent from.
package iface

import (
	"fmt"
	"net/netip"

	"github.com/NodePath81/fbping/internal/util"
)

// Replaced in tests.
var (
	interfaceAddr = GlobalAddr
	anyAddr       = AnyGlobalAddr
)

// Resolve returns srcIP when set, otherwise the first global IPv6 address of
// srcIf, or of any interface when srcIf is empty, otherwise ::1. Senders do
// not probe from ::1.
func Resolve(srcIP, srcIf string, logger util.Logger) netip.Addr {
	if srcIP != "" {
		addr, err := netip.ParseAddr(srcIP)
		if err == nil && addr.Is6() && !addr.Is4In6() {
			return addr.WithZone("")
		}
		logger.Warn("ignoring invalid src_ip", "src_ip", srcIP)
	}
	if srcIf != "" {
		addr, err := interfaceAddr(srcIf)
		if err == nil {
			logger.Info("using interface source address", "interface", srcIf, "src", addr)
			return addr
		}
		logger.Warn("source address lookup failed", "interface", srcIf, "error", err)
	} else {
		addr, err := anyAddr()
		if err == nil {
			logger.Info("using first global source address", "src", addr)
			return addr
		}
		logger.Warn("source address lookup failed", "error", err)
	}
	logger.Warn("no usable source address, falling back to loopback; probes will not be sent")
	return netip.IPv6Loopback()
}

// pickGlobal returns the first address usable as a probe source.
func pickGlobal(name string, addrs []netip.Addr) (netip.Addr, error) {
	for _, addr := range addrs {
		addr = addr.WithZone("")
		if !addr.Is6() || addr.Is4In6() {
			continue
		}
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast() || addr.IsUnspecified() {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%s has no global ipv6 address", name)
}
