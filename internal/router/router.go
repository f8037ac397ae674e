package router

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket/layers"
	"github.com/hostinger/ipfwd/internal/iface"
	"github.com/hostinger/ipfwd/internal/logger"
	"github.com/hostinger/ipfwd/internal/metrics"
	"github.com/hostinger/ipfwd/internal/neighbor"
	"github.com/hostinger/ipfwd/internal/packet"
	"github.com/hostinger/ipfwd/internal/routing"
)

var (
	ErrUnknownInterface       = errors.New("frame received on unknown interface")
	ErrNoRoute                = errors.New("no route to destination")
	ErrUnknownEgressInterface = errors.New("route points at unknown interface")
)

// Router forwards IPv4 frames between its interfaces.
type Router struct {
	// mu is held for reading while a frame is processed and for writing
	// while the topology is reset.
	mu        sync.RWMutex
	dir       atomic.Pointer[iface.Directory]
	table     *routing.Table
	neighbors *neighbor.NeighborManager
	tx        neighbor.Transmitter
	metrics   *metrics.Metrics
}

func New(table *routing.Table, tx neighbor.Transmitter, cfg neighbor.Config, m *metrics.Metrics, opts ...neighbor.Option) (*Router, error) {
	if table == nil {
		return nil, fmt.Errorf("router needs a routing table")
	}

	r := &Router{table: table, tx: tx, metrics: m}
	empty, _ := iface.NewDirectory(nil)
	r.dir.Store(empty)

	opts = append([]neighbor.Option{neighbor.WithMetrics(m)}, opts...)
	nm, err := neighbor.NewNeighborManager(cfg, tx, r, opts...)
	if err != nil {
		return nil, err
	}
	r.neighbors = nm

	return r, nil
}

// Reset installs a new interface set. Cached and pending ARP state is dropped
// in the same critical section so no frame resolves against the old set.
func (r *Router) Reset(ifaces []iface.Interface) error {
	dir, err := iface.NewDirectory(ifaces)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	logger.Info("Resetting router with %d interface(s)", dir.Len())
	r.dir.Store(dir)
	r.neighbors.Clear()
	for _, i := range dir.All() {
		logger.Info("  %s", i)
	}
	return nil
}

// ByName resolves one of the router's interfaces.
func (r *Router) ByName(name string) (iface.Interface, bool) {
	return r.dir.Load().ByName(name)
}

func (r *Router) Interfaces() []iface.Interface {
	return r.dir.Load().All()
}

func (r *Router) Table() *routing.Table {
	return r.table
}

func (r *Router) Neighbors() *neighbor.NeighborManager {
	return r.neighbors
}

// HandleFrame processes one frame received on inIface. The caller keeps
// ownership of frame; every outcome is a side effect.
func (r *Router) HandleFrame(frame []byte, inIface string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dir := r.dir.Load()
	in, ok := dir.ByName(inIface)
	if !ok {
		r.discard(fmt.Errorf("%w: %s", ErrUnknownInterface, inIface), inIface, frame)
		return
	}
	r.metrics.Received(inIface)

	if logger.DebugEnabled() {
		logger.Debug("[Forward] Got %s on %s", packet.Describe(frame), inIface)
	}

	f := packet.Frame(frame).Clone()
	if len(f) >= packet.EthernetHeaderLen && f.Ethernet().Type() == layers.EthernetTypeARP {
		r.handleARP(dir, f, in)
		return
	}

	if err := packet.Validate(f, in.LinkAddr); err != nil {
		r.discard(err, inIface, f)
		return
	}

	if _, local := dir.ByIP(f.IPv4().DstAddr()); !local {
		if err := r.forward(dir, f); err != nil {
			r.discard(err, inIface, f)
		}
		return
	}

	requester := append(net.HardwareAddr(nil), f.Ethernet().SrcAddr()...)
	if err := packet.EchoReply(f); err != nil {
		r.discard(err, inIface, f)
		return
	}

	err := r.forward(dir, f)
	if errors.Is(err, ErrNoRoute) {
		// the requester reached us directly, answer on the same link
		f.Ethernet().SetSrcAddr(in.LinkAddr)
		f.Ethernet().SetDstAddr(requester)
		r.transmit(f, in.Name)
		return
	}
	if err != nil {
		r.discard(err, inIface, f)
	}
}

// forward picks the egress interface and next hop for f and hands it to the
// ARP subsystem, which owns f afterwards.
func (r *Router) forward(dir *iface.Directory, f packet.Frame) error {
	dst := f.IPv4().DstAddr()

	route, ok := r.table.Lookup(dst)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, dst)
	}

	out, ok := dir.ByName(route.IfName)
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrUnknownEgressInterface, route.IfName, dst)
	}

	f.Ethernet().SetSrcAddr(out.LinkAddr)
	nextHop := route.NextHop(dst)
	logger.Debug("[Forward] %s via %s on %s", dst, nextHop, out.Name)
	r.neighbors.ResolveOrQueue(nextHop, f, out.Name)
	return nil
}

func (r *Router) handleARP(dir *iface.Directory, f packet.Frame, in iface.Interface) {
	if dst := f.Ethernet().DstAddr(); !bytes.Equal(dst, layers.EthernetBroadcast) && !bytes.Equal(dst, in.LinkAddr) {
		r.discard(fmt.Errorf("%w: destination %s", packet.ErrNotForUs, dst), in.Name, f)
		return
	}

	a, err := packet.DecodeARP(f)
	if err != nil {
		r.discard(err, in.Name, f)
		return
	}

	switch a.Operation {
	case layers.ARPRequest:
		if a.TargetIP != in.IP {
			logger.Debug("[ARP] Ignoring request for %s on %s", a.TargetIP, in.Name)
			return
		}
		// address probes carry no usable sender mapping
		if _, ours := dir.ByIP(a.SenderIP); ours || a.SenderIP.IsUnspecified() {
			logger.Debug("[ARP] Ignoring probe from %s (%s) on %s", a.SenderIP, a.SenderMAC, in.Name)
			return
		}
		reply, err := packet.NewARPReply(in.LinkAddr, in.IP, a.SenderMAC, a.SenderIP)
		if err != nil {
			logger.Error("[ARP] Failed to build reply to %s: %v", a.SenderIP, err)
			return
		}
		logger.Debug("[ARP] Answering %s (%s) on %s", a.SenderIP, a.SenderMAC, in.Name)
		r.transmit(reply, in.Name)
		r.neighbors.HandleReply(a.SenderIP, a.SenderMAC)

	case layers.ARPReply:
		if a.TargetIP != in.IP {
			logger.Debug("[ARP] Ignoring reply for %s on %s", a.TargetIP, in.Name)
			return
		}
		r.neighbors.HandleReply(a.SenderIP, a.SenderMAC)

	default:
		r.discard(fmt.Errorf("%w: ARP operation %d", packet.ErrMalformedFrame, a.Operation), in.Name, f)
	}
}

func (r *Router) transmit(frame []byte, ifName string) {
	if err := r.tx.Transmit(frame, ifName); err != nil {
		logger.Error("[Forward] Failed to transmit on %s: %v", ifName, err)
		r.metrics.Discarded("transmit_error", 1)
		return
	}
	r.metrics.Transmitted(ifName)
}

func (r *Router) discard(err error, inIface string, frame []byte) {
	reason := Reason(err)
	r.metrics.Discarded(reason, 1)
	logger.Info("[Forward] Dropping frame from %s (%d bytes): %v", inIface, len(frame), err)
}

// Reason extends packet.Reason with the forwarding failures.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownInterface):
		return "unknown_interface"
	case errors.Is(err, ErrNoRoute):
		return "no_route"
	case errors.Is(err, ErrUnknownEgressInterface):
		return "unknown_egress_interface"
	default:
		return packet.Reason(err)
	}
}
