package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ARP is the decoded subset of an Ethernet/IPv4 ARP message the router uses.
type ARP struct {
	Operation uint16
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// DecodeARP parses an Ethernet frame carrying an ARP message.
func DecodeARP(frame []byte) (*ARP, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if eth.EthernetType != layers.EthernetTypeARP {
		return nil, fmt.Errorf("%w: ethertype %s is not ARP", ErrMalformedFrame, eth.EthernetType)
	}

	var arp layers.ARP
	if err := arp.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if arp.AddrType != layers.LinkTypeEthernet || arp.Protocol != layers.EthernetTypeIPv4 ||
		arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 {
		return nil, fmt.Errorf("%w: ARP for hardware %s protocol %s", ErrMalformedFrame, arp.AddrType, arp.Protocol)
	}

	return &ARP{
		Operation: arp.Operation,
		SenderMAC: append(net.HardwareAddr(nil), arp.SourceHwAddress...),
		SenderIP:  netip.AddrFrom4([4]byte(arp.SourceProtAddress)),
		TargetMAC: append(net.HardwareAddr(nil), arp.DstHwAddress...),
		TargetIP:  netip.AddrFrom4([4]byte(arp.DstProtAddress)),
	}, nil
}

// NewARPRequest builds a broadcast who-has for target, sent from srcMAC/srcIP.
func NewARPRequest(srcMAC net.HardwareAddr, srcIP, target netip.Addr) ([]byte, error) {
	return serializeARP(layers.ARPRequest, srcMAC, srcIP, layers.EthernetBroadcast,
		make(net.HardwareAddr, 6), target)
}

// NewARPReply answers a request from dstMAC/dstIP with srcMAC/srcIP.
func NewARPReply(srcMAC net.HardwareAddr, srcIP netip.Addr, dstMAC net.HardwareAddr, dstIP netip.Addr) ([]byte, error) {
	return serializeARP(layers.ARPReply, srcMAC, srcIP, dstMAC, dstMAC, dstIP)
}

func serializeARP(op uint16, srcMAC net.HardwareAddr, srcIP netip.Addr, ethDst, arpDst net.HardwareAddr, dstIP netip.Addr) ([]byte, error) {
	src4, dst4 := srcIP.As4(), dstIP.As4()

	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       ethDst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: src4[:],
		DstHwAddress:      arpDst,
		DstProtAddress:    dst4[:],
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, &arp); err != nil {
		return nil, fmt.Errorf("serializing ARP: %w", err)
	}
	return buf.Bytes(), nil
}

// Describe renders a one line summary of a frame for debug logs.
func Describe(frame []byte) string {
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	summary := ""
	for i, l := range p.Layers() {
		if i > 0 {
			summary += "/"
		}
		summary += l.LayerType().String()
	}

	if ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		summary += fmt.Sprintf(" %s > %s ttl %d", ip.SrcIP, ip.DstIP, ip.TTL)
	} else if arp, ok := p.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		summary += fmt.Sprintf(" op %d %s > %s", arp.Operation, net.IP(arp.SourceProtAddress), net.IP(arp.DstProtAddress))
	}

	return fmt.Sprintf("%s len %d", summary, len(frame))
}
