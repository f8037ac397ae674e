package router

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hostinger/ipfwd/internal/iface"
	"github.com/hostinger/ipfwd/internal/metrics"
	"github.com/hostinger/ipfwd/internal/neighbor"
	"github.com/hostinger/ipfwd/internal/packet"
	"github.com/hostinger/ipfwd/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type sent struct {
	frame packet.Frame
	iface string
}

type fakeTx struct {
	mu     sync.Mutex
	frames []sent
}

func (f *fakeTx) Transmit(frame []byte, ifName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sent{frame: packet.Frame(frame).Clone(), iface: ifName})
	return nil
}

func (f *fakeTx) take() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

var (
	eth0MAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	eth1MAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	eth0IP  = netip.MustParseAddr("10.0.0.1")
	eth1IP  = netip.MustParseAddr("192.168.1.1")

	clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xaa}
	clientIP  = netip.MustParseAddr("10.0.0.2")
	serverIP  = netip.MustParseAddr("192.168.1.50")
	serverMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xbb}
	gwIP      = netip.MustParseAddr("10.0.0.254")
)

type harness struct {
	r   *Router
	tx  *fakeTx
	m   *metrics.Metrics
	now time.Time
	mu  sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, routes ...routing.Entry) *harness {
	t.Helper()

	h := &harness{tx: &fakeTx{}, now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.m = metrics.New(prometheus.NewRegistry())

	r, err := New(routing.NewTable(routes...), h.tx, neighbor.DefaultConfig(), h.m, neighbor.WithClock(h.clock))
	require.NoError(t, err)
	require.NoError(t, r.Reset([]iface.Interface{
		{Name: "eth0", LinkAddr: eth0MAC, IP: eth0IP},
		{Name: "eth1", LinkAddr: eth1MAC, IP: eth1IP},
	}))
	h.r = r
	return h
}

func serverRoute() routing.Entry {
	return routing.Entry{
		Dest:    netip.MustParseAddr("192.168.1.0"),
		Mask:    routing.MaskFromLen(24),
		Gateway: netip.IPv4Unspecified(),
		IfName:  "eth1",
	}
}

func ipFrame(t *testing.T, dstMAC net.HardwareAddr, src, dst netip.Addr, ttl uint8, l4 ...gopacket.SerializableLayer) []byte {
	t.Helper()

	proto := layers.IPProtocolUDP
	if len(l4) > 0 {
		if _, ok := l4[0].(*layers.ICMPv4); ok {
			proto = layers.IPProtocolICMPv4
		}
	}

	ls := []gopacket.SerializableLayer{
		&layers.Ethernet{SrcMAC: clientMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4},
		&layers.IPv4{Version: 4, IHL: 5, TTL: ttl, Protocol: proto, SrcIP: src.AsSlice(), DstIP: dst.AsSlice()},
	}
	ls = append(ls, l4...)
	ls = append(ls, gopacket.Payload([]byte("ping payload 0123456789")))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func echoRequest(t *testing.T, dstMAC net.HardwareAddr, dst netip.Addr, ttl uint8) []byte {
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 42, Seq: 1}
	return ipFrame(t, dstMAC, clientIP, dst, ttl, icmp)
}

func arpFrames(frames []sent) (arps, others []sent) {
	for _, s := range frames {
		if s.frame.Ethernet().Type() == layers.EthernetTypeARP {
			arps = append(arps, s)
		} else {
			others = append(others, s)
		}
	}
	return arps, others
}

func TestEchoRequestToRouterIsAnsweredOnIngress(t *testing.T) {
	h := newHarness(t)

	h.r.HandleFrame(echoRequest(t, eth0MAC, eth0IP, 64), "eth0")

	out := h.tx.take()
	require.Len(t, out, 1)
	require.Equal(t, "eth0", out[0].iface)

	f := out[0].frame
	require.Equal(t, eth0MAC, f.Ethernet().SrcAddr())
	require.Equal(t, clientMAC, f.Ethernet().DstAddr())

	ip := f.IPv4()
	require.Equal(t, eth0IP, ip.SrcAddr())
	require.Equal(t, clientIP, ip.DstAddr())
	require.Equal(t, uint8(64), ip.TTL())
	require.True(t, ip.IsChecksumValid())
	require.True(t, f.ICMP().IsChecksumValid())
	require.Equal(t, uint8(layers.ICMPv4TypeEchoReply), f.ICMP().Type())
}

func TestEchoReplyWithRouteGoesThroughARP(t *testing.T) {
	h := newHarness(t, routing.Entry{
		Dest:    netip.MustParseAddr("10.0.0.0"),
		Mask:    routing.MaskFromLen(24),
		Gateway: netip.IPv4Unspecified(),
		IfName:  "eth0",
	})

	h.r.HandleFrame(echoRequest(t, eth0MAC, eth1IP, 64), "eth0")

	arps, others := arpFrames(h.tx.take())
	require.Empty(t, others)
	require.Len(t, arps, 1)

	a, err := packet.DecodeARP(arps[0].frame)
	require.NoError(t, err)
	require.Equal(t, clientIP, a.TargetIP)

	h.r.Neighbors().HandleReply(clientIP, clientMAC)
	_, others = arpFrames(h.tx.take())
	require.Len(t, others, 1)
	require.Equal(t, eth1IP, others[0].frame.IPv4().SrcAddr())
	require.Equal(t, clientMAC, others[0].frame.Ethernet().DstAddr())
}

func TestTransitToUnresolvedNextHop(t *testing.T) {
	h := newHarness(t, serverRoute())
	in := ipFrame(t, eth0MAC, clientIP, serverIP, 10)

	h.r.HandleFrame(in, "eth0")

	arps, others := arpFrames(h.tx.take())
	require.Empty(t, others, "nothing may be forwarded before resolution")
	require.Len(t, arps, 1)
	require.Equal(t, "eth1", arps[0].iface)
	require.Equal(t, layers.EthernetBroadcast, arps[0].frame.Ethernet().DstAddr())

	a, err := packet.DecodeARP(arps[0].frame)
	require.NoError(t, err)
	require.Equal(t, serverIP, a.TargetIP)
	require.Equal(t, eth1IP, a.SenderIP)
	require.Equal(t, eth1MAC, a.SenderMAC)

	reply, err := packet.NewARPReply(serverMAC, serverIP, eth1MAC, eth1IP)
	require.NoError(t, err)
	h.r.HandleFrame(reply, "eth1")

	_, others = arpFrames(h.tx.take())
	require.Len(t, others, 1)
	require.Equal(t, "eth1", others[0].iface)

	want := packet.Frame(in).Clone()
	want.Ethernet().SetSrcAddr(eth1MAC)
	want.Ethernet().SetDstAddr(serverMAC)
	want.IPv4().SetTTL(9)
	want.IPv4().SetChecksum(want.IPv4().CalculateChecksum())
	require.Equal(t, want, others[0].frame)

	// the next frame goes straight out
	h.r.HandleFrame(ipFrame(t, eth0MAC, clientIP, serverIP, 10), "eth0")
	arps, others = arpFrames(h.tx.take())
	require.Empty(t, arps)
	require.Len(t, others, 1)
}

func TestCallerKeepsFrameOwnership(t *testing.T) {
	h := newHarness(t, serverRoute())
	in := ipFrame(t, eth0MAC, clientIP, serverIP, 10)
	orig := append([]byte(nil), in...)

	h.r.HandleFrame(in, "eth0")
	require.Equal(t, orig, in)
}

func TestDiscards(t *testing.T) {
	testCases := []struct {
		name   string
		frame  func(t *testing.T) []byte
		iface  string
		reason string
	}{
		{"not for us", func(t *testing.T) []byte { return ipFrame(t, serverMAC, clientIP, serverIP, 10) }, "eth0", "not_for_us"},
		{"ttl expired", func(t *testing.T) []byte { return ipFrame(t, eth0MAC, clientIP, serverIP, 1) }, "eth0", "ttl_expired"},
		{"no route", func(t *testing.T) []byte { return ipFrame(t, eth0MAC, clientIP, netip.MustParseAddr("8.8.8.8"), 10) }, "eth0", "no_route"},
		{"unknown ingress", func(t *testing.T) []byte { return ipFrame(t, eth0MAC, clientIP, serverIP, 10) }, "eth9", "unknown_interface"},
		{"udp to router", func(t *testing.T) []byte { return ipFrame(t, eth0MAC, clientIP, eth0IP, 10) }, "eth0", "unsupported_protocol"},
		{"bad checksum", func(t *testing.T) []byte {
			f := packet.Frame(ipFrame(t, eth0MAC, clientIP, serverIP, 10))
			f.IPv4().SetChecksum(f.IPv4().Checksum() ^ 0x0100)
			return f
		}, "eth0", "malformed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, serverRoute())

			h.r.HandleFrame(tc.frame(t), tc.iface)

			require.Empty(t, h.tx.take(), "a discarded frame must have no side effects")
			require.Empty(t, h.r.Neighbors().ListPending())
			require.Equal(t, 1.0, testutil.ToFloat64(h.m.FramesDiscarded.WithLabelValues(tc.reason)))
		})
	}
}

func TestUnknownEgressInterface(t *testing.T) {
	h := newHarness(t, routing.Entry{
		Dest:    netip.MustParseAddr("192.168.1.0"),
		Mask:    routing.MaskFromLen(24),
		Gateway: netip.IPv4Unspecified(),
		IfName:  "eth7",
	})

	h.r.HandleFrame(ipFrame(t, eth0MAC, clientIP, serverIP, 10), "eth0")
	require.Empty(t, h.tx.take())
	require.Equal(t, 1.0, testutil.ToFloat64(h.m.FramesDiscarded.WithLabelValues("unknown_egress_interface")))
}

func TestARPRequestForRouterIsAnswered(t *testing.T) {
	h := newHarness(t)

	req, err := packet.NewARPRequest(clientMAC, clientIP, eth0IP)
	require.NoError(t, err)
	h.r.HandleFrame(req, "eth0")

	out := h.tx.take()
	require.Len(t, out, 1)
	require.Equal(t, "eth0", out[0].iface)

	a, err := packet.DecodeARP(out[0].frame)
	require.NoError(t, err)
	require.Equal(t, uint16(layers.ARPReply), a.Operation)
	require.Equal(t, eth0MAC, a.SenderMAC)
	require.Equal(t, eth0IP, a.SenderIP)
	require.Equal(t, clientMAC, a.TargetMAC)
	require.Equal(t, clientIP, a.TargetIP)

	mac, ok := h.r.Neighbors().Lookup(clientIP)
	require.True(t, ok)
	require.Equal(t, clientMAC, mac)
}

func TestARPRequestForOtherHostIgnored(t *testing.T) {
	h := newHarness(t)

	req, err := packet.NewARPRequest(clientMAC, clientIP, gwIP)
	require.NoError(t, err)
	h.r.HandleFrame(req, "eth0")

	require.Empty(t, h.tx.take())
}

func TestARPProbeIsNotLearned(t *testing.T) {
	for name, sender := range map[string]netip.Addr{
		"unspecified sender": netip.IPv4Unspecified(),
		"own address":        eth0IP,
		"other interface":    eth1IP,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)

			req, err := packet.NewARPRequest(clientMAC, sender, eth0IP)
			require.NoError(t, err)
			h.r.HandleFrame(req, "eth0")

			require.Empty(t, h.tx.take())
			require.Empty(t, h.r.Neighbors().ListNeighbors())
		})
	}
}

func TestUnresolvedNextHopIsDropped(t *testing.T) {
	h := newHarness(t, routing.Entry{
		Dest:    netip.IPv4Unspecified(),
		Mask:    routing.MaskFromLen(0),
		Gateway: gwIP,
		IfName:  "eth0",
	})

	h.r.HandleFrame(ipFrame(t, eth1MAC, serverIP, netip.MustParseAddr("8.8.8.8"), 10), "eth1")

	cfg := neighbor.DefaultConfig()
	for i := 0; i <= cfg.MaxAttempts; i++ {
		h.advance(cfg.RetryInterval)
		h.r.Neighbors().Tick()
	}

	arps, others := arpFrames(h.tx.take())
	require.Empty(t, others)
	require.Len(t, arps, cfg.MaxAttempts)
	require.Empty(t, h.r.Neighbors().ListPending())
	require.Equal(t, 1.0, testutil.ToFloat64(h.m.FramesDiscarded.WithLabelValues("arp_unresolved")))

	reply, err := packet.NewARPReply(clientMAC, gwIP, eth0MAC, eth0IP)
	require.NoError(t, err)
	h.r.HandleFrame(reply, "eth0")
	require.Empty(t, h.tx.take())
}

func TestResetClearsNeighborState(t *testing.T) {
	h := newHarness(t, serverRoute())
	h.r.HandleFrame(ipFrame(t, eth0MAC, clientIP, serverIP, 10), "eth0")
	h.r.Neighbors().HandleReply(gwIP, clientMAC)
	require.Len(t, h.r.Neighbors().ListPending(), 1)

	require.NoError(t, h.r.Reset([]iface.Interface{{Name: "eth2", LinkAddr: eth0MAC, IP: eth0IP}}))

	require.Empty(t, h.r.Neighbors().ListPending())
	require.Empty(t, h.r.Neighbors().ListNeighbors())
	_, ok := h.r.ByName("eth1")
	require.False(t, ok)
	require.Len(t, h.r.Interfaces(), 1)
}

func TestConcurrentFramesToSameNextHop(t *testing.T) {
	h := newHarness(t, serverRoute())

	frame := ipFrame(t, eth0MAC, clientIP, serverIP, 10)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.r.HandleFrame(frame, "eth0")
		}()
	}
	wg.Wait()

	require.Len(t, h.r.Neighbors().ListPending(), 1)
	require.Equal(t, 32, h.r.Neighbors().QueuedFrames(serverIP))

	arps, _ := arpFrames(h.tx.take())
	require.Len(t, arps, 1)
}
