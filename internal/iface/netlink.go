package iface

import (
	"fmt"
	"net/netip"

	"github.com/hostinger/ipfwd/internal/logger"
	"github.com/vishvananda/netlink"
)

// FromNetlink builds interfaces for the named kernel links. The IP comes from
// ipmap when present, otherwise from the first IPv4 address on the link.
// Links without any IPv4 address are skipped.
func FromNetlink(names []string, ipmap map[string]netip.Addr) ([]Interface, error) {
	var out []Interface

	for _, name := range names {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return nil, fmt.Errorf("could not find interface %s: %w", name, err)
		}

		ip, ok := ipmap[name]
		if !ok {
			ip, ok = firstIPv4(link)
		}
		if !ok {
			logger.Warn("[Ifconfig] Missing IP information for interface %s, skipping it", name)
			continue
		}

		out = append(out, Interface{
			Name:     name,
			LinkAddr: link.Attrs().HardwareAddr,
			IP:       ip,
		})
	}

	return out, nil
}

func firstIPv4(link netlink.Link) (netip.Addr, bool) {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		logger.Error("[Ifconfig] Failed to list addresses on %s: %v", link.Attrs().Name, err)
		return netip.Addr{}, false
	}

	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IPNet.IP.To4()); ok {
			return ip, true
		}
	}
	return netip.Addr{}, false
}
