package packet

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
)

var (
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrNotForUs            = errors.New("frame not addressed to this router")
	ErrTTLExpired          = errors.New("ttl expired")
	ErrUnsupportedProtocol = errors.New("unsupported protocol for local delivery")
	ErrNotEchoRequest      = errors.New("icmp message is not an echo request")
)

// Reason maps a discard error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, ErrNotForUs):
		return "not_for_us"
	case errors.Is(err, ErrTTLExpired):
		return "ttl_expired"
	case errors.Is(err, ErrUnsupportedProtocol):
		return "unsupported_protocol"
	case errors.Is(err, ErrNotEchoRequest):
		return "not_echo_request"
	default:
		return "other"
	}
}

// Validate runs the ingress checks on an IPv4 frame received on an interface
// with link address ingress. On success the TTL has been decremented and the
// header checksum rewritten in place. On failure f may have been partially
// modified and must be dropped.
func Validate(f Frame, ingress net.HardwareAddr) error {
	if len(f) < EthernetHeaderLen {
		return fmt.Errorf("%w: %d bytes is shorter than an ethernet header", ErrMalformedFrame, len(f))
	}

	eth := f.Ethernet()
	if t := eth.Type(); t != layers.EthernetTypeIPv4 {
		return fmt.Errorf("%w: ethertype %s is not IPv4", ErrMalformedFrame, t)
	}

	if dst := eth.DstAddr(); !bytes.Equal(dst, layers.EthernetBroadcast) && !bytes.Equal(dst, ingress) {
		return fmt.Errorf("%w: destination %s", ErrNotForUs, dst)
	}

	if len(f) < EthernetHeaderLen+IPv4MinHeaderLen {
		return fmt.Errorf("%w: truncated IPv4 header", ErrMalformedFrame)
	}

	ip := f.IPv4()
	if ip.TotalLength() < IPv4MinHeaderLen {
		return fmt.Errorf("%w: total length %d below minimum", ErrMalformedFrame, ip.TotalLength())
	}
	if hl := ip.HeaderLength(); hl < IPv4MinHeaderLen || len(ip) < hl {
		return fmt.Errorf("%w: bad header length %d", ErrMalformedFrame, hl)
	}

	if want, got := ip.CalculateChecksum(), ip.Checksum(); want != got {
		return fmt.Errorf("%w: ip checksum %#04x, expected %#04x", ErrMalformedFrame, got, want)
	}

	ttl := ip.TTL()
	if ttl <= 1 {
		return fmt.Errorf("%w: arrived with ttl %d", ErrTTLExpired, ttl)
	}
	ip.SetTTL(ttl - 1)
	ip.SetChecksum(ip.CalculateChecksum())

	return nil
}

// EchoReply turns a validated echo request addressed to the router into its
// reply, in place. The reply's destination is the original sender.
func EchoReply(f Frame) error {
	ip := f.IPv4()
	if ip.Protocol() != layers.IPProtocolICMPv4 {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, ip.Protocol())
	}

	if len(f) < EthernetHeaderLen+ip.HeaderLength()+ICMPHeaderLen {
		return fmt.Errorf("%w: truncated ICMP header", ErrMalformedFrame)
	}

	icmp := f.ICMP()
	if icmp.Type() != layers.ICMPv4TypeEchoRequest {
		return fmt.Errorf("%w: type %d", ErrNotEchoRequest, icmp.Type())
	}
	if want, got := icmp.CalculateChecksum(), icmp.Checksum(); want != got {
		return fmt.Errorf("%w: icmp checksum %#04x, expected %#04x", ErrMalformedFrame, got, want)
	}

	icmp.SetType(layers.ICMPv4TypeEchoReply)
	icmp.SetCode(0)
	icmp.SetChecksum(icmp.CalculateChecksum())

	src, dst := ip.SrcAddr(), ip.DstAddr()
	ip.SetSrcAddr(dst)
	ip.SetDstAddr(src)
	ip.SetTTL(DefaultTTL)
	ip.SetChecksum(ip.CalculateChecksum())

	return nil
}
