package iface

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"strings"
)

// Interface is one local router port. Values are never mutated once built.
type Interface struct {
	Name     string
	LinkAddr net.HardwareAddr
	IP       netip.Addr
}

func (i Interface) String() string {
	return fmt.Sprintf("%s (%s, %s)", i.Name, i.LinkAddr, i.IP)
}

// Directory is a read-only set of interfaces. A topology change builds a new
// Directory instead of editing the old one.
type Directory struct {
	byName map[string]Interface
	byIP   map[netip.Addr]Interface
	names  []string
}

func NewDirectory(ifaces []Interface) (*Directory, error) {
	d := &Directory{
		byName: make(map[string]Interface, len(ifaces)),
		byIP:   make(map[netip.Addr]Interface, len(ifaces)),
	}

	for _, i := range ifaces {
		if i.Name == "" {
			return nil, fmt.Errorf("interface with empty name")
		}
		if len(i.LinkAddr) != 6 {
			return nil, fmt.Errorf("interface %s: link address %q is not 6 bytes", i.Name, i.LinkAddr)
		}
		if !i.IP.Is4() {
			return nil, fmt.Errorf("interface %s: %s is not an IPv4 address", i.Name, i.IP)
		}
		if _, dup := d.byName[i.Name]; dup {
			return nil, fmt.Errorf("duplicate interface %s", i.Name)
		}
		if other, dup := d.byIP[i.IP]; dup {
			return nil, fmt.Errorf("interface %s: address %s already assigned to %s", i.Name, i.IP, other.Name)
		}

		// keep our own copy of the link address
		i.LinkAddr = append(net.HardwareAddr(nil), i.LinkAddr...)
		d.byName[i.Name] = i
		d.byIP[i.IP] = i
		d.names = append(d.names, i.Name)
	}
	sort.Strings(d.names)

	return d, nil
}

func (d *Directory) ByName(name string) (Interface, bool) {
	i, ok := d.byName[name]
	return i, ok
}

func (d *Directory) ByIP(ip netip.Addr) (Interface, bool) {
	i, ok := d.byIP[ip]
	return i, ok
}

func (d *Directory) ByLinkAddr(addr net.HardwareAddr) (Interface, bool) {
	for _, name := range d.names {
		if i := d.byName[name]; bytes.Equal(i.LinkAddr, addr) {
			return i, true
		}
	}
	return Interface{}, false
}

// All returns the interfaces sorted by name.
func (d *Directory) All() []Interface {
	out := make([]Interface, 0, len(d.names))
	for _, name := range d.names {
		out = append(out, d.byName[name])
	}
	return out
}

func (d *Directory) Len() int {
	return len(d.names)
}

// LoadIfconfig parses an IP configuration file with one "<iface> <ipv4>"
// pair per line.
func LoadIfconfig(r io.Reader) (map[string]netip.Addr, error) {
	out := make(map[string]netip.Addr)
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("ifconfig line %d: expected \"<iface> <ip>\", got %q", lineNo, line)
		}

		ip, err := netip.ParseAddr(fields[1])
		if err != nil || !ip.Is4() {
			return nil, fmt.Errorf("ifconfig line %d: invalid IP address %q for interface %q", lineNo, fields[1], fields[0])
		}
		out[fields[0]] = ip
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ifconfig: %w", err)
	}

	return out, nil
}
