package routing

import (
	"fmt"
	"net/netip"

	"github.com/hostinger/ipfwd/internal/logger"
	"github.com/vishvananda/netlink"
)

// FromNetlink imports the kernel's IPv4 routes. Routes whose link is not in
// ifaces are left out, the router can only forward through its own ports.
func FromNetlink(ifaces []string) ([]Entry, error) {
	wanted := make(map[string]bool, len(ifaces))
	for _, name := range ifaces {
		wanted[name] = true
	}

	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list kernel routes: %w", err)
	}

	names := make(map[int]string)
	var out []Entry
	for _, r := range routes {
		name, ok := names[r.LinkIndex]
		if !ok {
			link, err := netlink.LinkByIndex(r.LinkIndex)
			if err != nil {
				logger.Debug("[Routing] Skipping route on unknown link index %d: %v", r.LinkIndex, err)
				continue
			}
			name = link.Attrs().Name
			names[r.LinkIndex] = name
		}
		if !wanted[name] {
			continue
		}

		e := Entry{
			Dest:    netip.IPv4Unspecified(),
			Mask:    MaskFromLen(0),
			Gateway: netip.IPv4Unspecified(),
			IfName:  name,
		}
		if r.Dst != nil {
			dst, ok := netip.AddrFromSlice(r.Dst.IP.To4())
			if !ok {
				continue
			}
			ones, _ := r.Dst.Mask.Size()
			e.Dest, e.Mask = dst, MaskFromLen(ones)
		}
		if gw, ok := netip.AddrFromSlice(r.Gw.To4()); ok {
			e.Gateway = gw
		}
		out = append(out, e)
	}

	return out, nil
}
