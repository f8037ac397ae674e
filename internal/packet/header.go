package packet

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
)

const (
	EthernetHeaderLen = 14
	IPv4MinHeaderLen  = 20
	ICMPHeaderLen     = 8

	// DefaultTTL is written into packets the router originates.
	DefaultTTL = 64
)

// Ethernet is a view over the first 14 bytes of a frame.
type Ethernet []byte

func (e Ethernet) DstAddr() net.HardwareAddr { return net.HardwareAddr(e[0:6]) }
func (e Ethernet) SrcAddr() net.HardwareAddr { return net.HardwareAddr(e[6:12]) }

func (e Ethernet) Type() layers.EthernetType {
	return layers.EthernetType(binary.BigEndian.Uint16(e[12:14]))
}

func (e Ethernet) SetDstAddr(a net.HardwareAddr) { copy(e[0:6], a) }
func (e Ethernet) SetSrcAddr(a net.HardwareAddr) { copy(e[6:12], a) }

// IPv4 is a view starting at the first byte of an IPv4 header.
type IPv4 []byte

func (ip IPv4) HeaderLength() int { return int(ip[0]&0x0f) * 4 }
func (ip IPv4) TotalLength() int { return int(binary.BigEndian.Uint16(ip[2:4])) }
func (ip IPv4) TTL() uint8 { return ip[8] }
func (ip IPv4) SetTTL(ttl uint8) { ip[8] = ttl }
func (ip IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(ip[10:12]) }
func (ip IPv4) SetChecksum(v uint16) { binary.BigEndian.PutUint16(ip[10:12], v) }

func (ip IPv4) Protocol() layers.IPProtocol { return layers.IPProtocol(ip[9]) }

func (ip IPv4) SrcAddr() netip.Addr { return netip.AddrFrom4([4]byte(ip[12:16])) }
func (ip IPv4) DstAddr() netip.Addr { return netip.AddrFrom4([4]byte(ip[16:20])) }

func (ip IPv4) SetSrcAddr(a netip.Addr) {
	b := a.As4()
	copy(ip[12:16], b[:])
}

func (ip IPv4) SetDstAddr(a netip.Addr) {
	b := a.As4()
	copy(ip[16:20], b[:])
}

// CalculateChecksum returns the header checksum with the checksum field
// taken as zero. The stored field is left untouched. A header length that
// does not fit the buffer falls back to the 20 byte minimum.
func (ip IPv4) CalculateChecksum() uint16 {
	if len(ip) < IPv4MinHeaderLen {
		return 0
	}
	hdr := ip[:IPv4MinHeaderLen]
	if hl := ip.HeaderLength(); hl > IPv4MinHeaderLen && hl <= len(ip) {
		hdr = ip[:hl]
	}
	xsum := Checksum(hdr[:10], 0)
	xsum = Checksum(hdr[12:], xsum)
	return ^xsum
}

// IsChecksumValid reports false for headers whose length field is out of
// range, they can never be verified.
func (ip IPv4) IsChecksumValid() bool {
	if hl := ip.HeaderLength(); len(ip) < IPv4MinHeaderLen || hl < IPv4MinHeaderLen || hl > len(ip) {
		return false
	}
	return ip.Checksum() == ip.CalculateChecksum()
}

// ICMP is a view over an ICMP message: 8 byte header plus data.
type ICMP []byte

func (c ICMP) Type() uint8 { return c[0] }
func (c ICMP) Code() uint8 { return c[1] }
func (c ICMP) SetType(t uint8) { c[0] = t }
func (c ICMP) SetCode(code uint8) { c[1] = code }
func (c ICMP) Checksum() uint16 { return binary.BigEndian.Uint16(c[2:4]) }
func (c ICMP) SetChecksum(v uint16) { binary.BigEndian.PutUint16(c[2:4], v) }

// CalculateChecksum covers the header and the data, checksum field as zero.
func (c ICMP) CalculateChecksum() uint16 {
	xsum := Checksum(c[:2], 0)
	xsum = Checksum(c[4:], xsum)
	return ^xsum
}

func (c ICMP) IsChecksumValid() bool {
	return c.Checksum() == c.CalculateChecksum()
}

// Frame is a whole Ethernet frame. The helpers below assume the caller has
// already checked the lengths, Validate does that.
type Frame []byte

func (f Frame) Ethernet() Ethernet { return Ethernet(f[:EthernetHeaderLen]) }
func (f Frame) IPv4() IPv4 { return IPv4(f[EthernetHeaderLen:]) }

func (f Frame) ICMP() ICMP {
	return ICMP(f[EthernetHeaderLen+f.IPv4().HeaderLength():])
}

// Clone returns a copy that shares nothing with f.
func (f Frame) Clone() Frame {
	return append(Frame(nil), f...)
}
