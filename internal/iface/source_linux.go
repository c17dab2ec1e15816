//go:build linux

package iface

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// GlobalAddr returns the first global IPv6 address on the named interface.
func GlobalAddr(name string) (netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	list, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses on %s: %w", name, err)
	}
	return pickGlobal("interface "+name, netlinkAddrs(list))
}

// AnyGlobalAddr returns the first global IPv6 address on any link.
func AnyGlobalAddr() (netip.Addr, error) {
	list, err := netlink.AddrList(nil, netlink.FAMILY_V6)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses: %w", err)
	}
	return pickGlobal("host", netlinkAddrs(list))
}

func netlinkAddrs(list []netlink.Addr) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		if a.IPNet == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
