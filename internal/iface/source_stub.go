//go:build !linux

package iface

import (
	"fmt"
	"net"
	"net/netip"
)

// GlobalAddr returns the first global IPv6 address on the named interface.
func GlobalAddr(name string) (netip.Addr, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	list, err := ifc.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses on %s: %w", name, err)
	}
	return pickGlobal("interface "+name, ipNetAddrs(list))
}

// AnyGlobalAddr returns the first global IPv6 address on any interface.
func AnyGlobalAddr() (netip.Addr, error) {
	list, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses: %w", err)
	}
	return pickGlobal("host", ipNetAddrs(list))
}

func ipNetAddrs(list []net.Addr) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipnet.IP); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
