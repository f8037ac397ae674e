package iface

import (
	"net"
	"net/netip"
	"strings"
	"testing"
)

func parseMAC(s string) net.HardwareAddr {
	mac, _ := net.ParseMAC(s)
	return mac
}

func testDirectory(t *testing.T) *Directory {
	d, err := NewDirectory([]Interface{
		{Name: "eth1", LinkAddr: parseMAC("00:00:00:00:00:01"), IP: netip.MustParseAddr("10.0.1.1")},
		{Name: "eth0", LinkAddr: parseMAC("00:00:00:00:00:02"), IP: netip.MustParseAddr("10.0.0.1")},
	})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	return d
}

func TestDirectoryLookups(t *testing.T) {
	d := testDirectory(t)

	if i, ok := d.ByName("eth0"); !ok || i.IP != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("ByName(eth0) = %v, %v", i, ok)
	}
	if i, ok := d.ByIP(netip.MustParseAddr("10.0.1.1")); !ok || i.Name != "eth1" {
		t.Errorf("ByIP(10.0.1.1) = %v, %v", i, ok)
	}
	if i, ok := d.ByLinkAddr(parseMAC("00:00:00:00:00:02")); !ok || i.Name != "eth0" {
		t.Errorf("ByLinkAddr = %v, %v", i, ok)
	}
	if _, ok := d.ByName("eth9"); ok {
		t.Errorf("Expected eth9 to be unknown")
	}
	if _, ok := d.ByIP(netip.MustParseAddr("192.0.2.1")); ok {
		t.Errorf("Expected 192.0.2.1 to be unknown")
	}

	all := d.All()
	if len(all) != 2 || all[0].Name != "eth0" || all[1].Name != "eth1" {
		t.Errorf("Expected interfaces sorted by name, got %v", all)
	}
}

func TestDirectoryCopiesLinkAddr(t *testing.T) {
	mac := parseMAC("00:00:00:00:00:0a")
	d, err := NewDirectory([]Interface{{Name: "eth0", LinkAddr: mac, IP: netip.MustParseAddr("10.0.0.1")}})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	mac[5] = 0xff

	i, _ := d.ByName("eth0")
	if i.LinkAddr[5] != 0x0a {
		t.Errorf("Directory shares the caller's link address buffer")
	}
}

func TestNewDirectoryRejectsBadInput(t *testing.T) {
	cases := map[string][]Interface{
		"empty name": {{LinkAddr: parseMAC("00:00:00:00:00:01"), IP: netip.MustParseAddr("10.0.0.1")}},
		"short mac":  {{Name: "eth0", LinkAddr: net.HardwareAddr{1, 2}, IP: netip.MustParseAddr("10.0.0.1")}},
		"ipv6":       {{Name: "eth0", LinkAddr: parseMAC("00:00:00:00:00:01"), IP: netip.MustParseAddr("2001:db8::1")}},
		"duplicate": {
			{Name: "eth0", LinkAddr: parseMAC("00:00:00:00:00:01"), IP: netip.MustParseAddr("10.0.0.1")},
			{Name: "eth0", LinkAddr: parseMAC("00:00:00:00:00:02"), IP: netip.MustParseAddr("10.0.0.2")},
		},
		"duplicate ip": {
			{Name: "eth0", LinkAddr: parseMAC("00:00:00:00:00:01"), IP: netip.MustParseAddr("10.0.0.1")},
			{Name: "eth1", LinkAddr: parseMAC("00:00:00:00:00:02"), IP: netip.MustParseAddr("10.0.0.1")},
		},
	}

	for name, ifaces := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewDirectory(ifaces); err == nil {
				t.Errorf("Expected error, got nil")
			}
		})
	}
}

func TestLoadIfconfig(t *testing.T) {
	in := `
# router ports
sw0-eth1 192.168.2.1
sw0-eth2 172.64.3.1
`
	m, err := LoadIfconfig(strings.NewReader(in))
	if err != nil {
		t.Fatalf("LoadIfconfig: %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(m))
	}
	if m["sw0-eth2"] != netip.MustParseAddr("172.64.3.1") {
		t.Errorf("Unexpected address for sw0-eth2: %s", m["sw0-eth2"])
	}
}

func TestLoadIfconfigInvalidIP(t *testing.T) {
	if _, err := LoadIfconfig(strings.NewReader("eth0 not-an-ip\n")); err == nil {
		t.Errorf("Expected error, got nil")
	}
	if _, err := LoadIfconfig(strings.NewReader("eth0\n")); err == nil {
		t.Errorf("Expected error for missing address, got nil")
	}
}
