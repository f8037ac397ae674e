package neighbor

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/hostinger/ipfwd/internal/logger"
	"github.com/hostinger/ipfwd/internal/metrics"
	"github.com/hostinger/ipfwd/internal/packet"
)

type Option func(*NeighborManager)

// WithClock replaces time.Now, tests drive expiry with it.
func WithClock(now func() time.Time) Option {
	return func(nm *NeighborManager) { nm.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(nm *NeighborManager) { nm.metrics = m }
}

func NewNeighborManager(cfg Config, tx Transmitter, ifaces InterfaceLookup, opts ...Option) (*NeighborManager, error) {
	if tx == nil || ifaces == nil {
		return nil, fmt.Errorf("neighbor manager needs a transmitter and an interface lookup")
	}
	if cfg.CacheTTL <= 0 || cfg.RetryInterval <= 0 || cfg.TickInterval <= 0 || cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("invalid ARP policy %+v", cfg)
	}
	if cfg.TickInterval > cfg.RetryInterval {
		return nil, fmt.Errorf("tick interval %v exceeds retry interval %v", cfg.TickInterval, cfg.RetryInterval)
	}

	nm := &NeighborManager{
		ReachableNeighbors: make(map[netip.Addr]Neighbor),
		PendingRequests:    make(map[netip.Addr]*PendingRequest),
		cfg:                cfg,
		tx:                 tx,
		ifaces:             ifaces,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(nm)
	}
	return nm, nil
}

// Lookup consults the cache only. Expired entries are dropped on sight.
func (nm *NeighborManager) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.lookupLocked(ip, nm.now())
}

func (nm *NeighborManager) lookupLocked(ip netip.Addr, now time.Time) (net.HardwareAddr, bool) {
	n, ok := nm.ReachableNeighbors[ip]
	if !ok {
		return nil, false
	}
	if nm.expired(n, now) {
		delete(nm.ReachableNeighbors, ip)
		return nil, false
	}
	return n.HardwareAddr, true
}

func (nm *NeighborManager) expired(n Neighbor, now time.Time) bool {
	return now.Sub(n.CreatedAt) >= nm.cfg.CacheTTL
}

// ResolveOrQueue sends frame to ip on ifName when its link address is known,
// otherwise queues it behind the pending request for ip. The manager owns
// frame from here on.
func (nm *NeighborManager) ResolveOrQueue(ip netip.Addr, frame []byte, ifName string) {
	now := nm.now()

	nm.mu.Lock()
	if mac, ok := nm.lookupLocked(ip, now); ok {
		nm.mu.Unlock()
		nm.send(frame, mac, ifName)
		return
	}

	req, exists := nm.PendingRequests[ip]
	if !exists {
		req = &PendingRequest{
			IP:        ip,
			Interface: ifName,
			Attempts:  1,
			CreatedAt: now,
			LastSent:  now,
		}
		nm.PendingRequests[ip] = req
	}
	req.Frames = append(req.Frames, QueuedFrame{Frame: frame, Interface: ifName})
	queued := len(req.Frames)
	nm.updateGaugesLocked()
	nm.mu.Unlock()

	logger.Debug("[ARP] Queued frame for %s on %s (%d waiting)", ip, ifName, queued)
	if !exists {
		nm.sendRequest(ip, ifName)
	}
}

// HandleReply records ip → mac and flushes every frame queued for ip, in the
// order they were queued. Frames for ip arriving during the flush join the
// end of the queue, so the cache entry only appears once it is empty.
func (nm *NeighborManager) HandleReply(ip netip.Addr, mac net.HardwareAddr) {
	mac = append(net.HardwareAddr(nil), mac...)
	now := nm.now()

	nm.mu.Lock()
	req := nm.PendingRequests[ip]
	if req == nil {
		nm.ReachableNeighbors[ip] = Neighbor{IP: ip, HardwareAddr: mac, CreatedAt: now}
		nm.updateGaugesLocked()
		nm.mu.Unlock()
		logger.Debug("[ARP] Learned %s → %s", ip, mac)
		return
	}

	req.mac = mac
	req.resolvedAt = now
	if req.flushing {
		nm.mu.Unlock()
		return
	}
	req.flushing = true
	queued := len(req.Frames)
	nm.mu.Unlock()

	logger.Info("[ARP] Resolved %s → %s, flushing %d queued frame(s)", ip, mac, queued)
	nm.flush(req)
}

// flush drains req batch by batch outside the lock.
func (nm *NeighborManager) flush(req *PendingRequest) {
	for {
		nm.mu.Lock()
		if nm.PendingRequests[req.IP] != req {
			// cleared by a topology reset
			nm.mu.Unlock()
			return
		}

		batch, mac := req.Frames, req.mac
		req.Frames = nil
		if len(batch) == 0 {
			delete(nm.PendingRequests, req.IP)
			nm.ReachableNeighbors[req.IP] = Neighbor{IP: req.IP, HardwareAddr: mac, CreatedAt: req.resolvedAt}
			nm.updateGaugesLocked()
			nm.mu.Unlock()
			return
		}
		nm.mu.Unlock()

		for _, q := range batch {
			nm.send(q.Frame, mac, q.Interface)
		}
	}
}

// Tick expires cache entries and retries or abandons pending requests. A
// request is abandoned once MaxAttempts × RetryInterval has passed since it
// was created.
func (nm *NeighborManager) Tick() {
	now := nm.now()

	var retries []*PendingRequest
	var failed []*PendingRequest

	nm.mu.Lock()
	for ip, n := range nm.ReachableNeighbors {
		if nm.expired(n, now) {
			logger.Debug("[ARP] Removing expired entry for %s (age: %v)", ip, now.Sub(n.CreatedAt))
			delete(nm.ReachableNeighbors, ip)
		}
	}

	for ip, req := range nm.PendingRequests {
		switch {
		case req.flushing:
		case now.Sub(req.CreatedAt) >= nm.giveUpAfter():
			delete(nm.PendingRequests, ip)
			failed = append(failed, req)
		case req.Attempts < nm.cfg.MaxAttempts && now.Sub(req.LastSent) >= nm.cfg.RetryInterval-nm.retrySlack():
			req.Attempts++
			req.LastSent = now
			retries = append(retries, &PendingRequest{IP: req.IP, Interface: req.Interface, Attempts: req.Attempts})
		}
	}
	nm.updateGaugesLocked()
	nm.mu.Unlock()

	for _, req := range failed {
		logger.Warn("[ARP] No reply for %s after %d request(s), dropping %d queued frame(s)", req.IP, req.Attempts, len(req.Frames))
		nm.metrics.ARPFailure()
		nm.metrics.Discarded("arp_unresolved", len(req.Frames))
	}
	for _, req := range retries {
		logger.Debug("[ARP] Retrying %s on %s (attempt %d)", req.IP, req.Interface, req.Attempts)
		nm.sendRequest(req.IP, req.Interface)
	}
}

func (nm *NeighborManager) giveUpAfter() time.Duration {
	return time.Duration(nm.cfg.MaxAttempts) * nm.cfg.RetryInterval
}

// retrySlack absorbs ticker jitter so a tick arriving just short of the
// retry interval does not push the retry a whole tick later.
func (nm *NeighborManager) retrySlack() time.Duration {
	return nm.cfg.TickInterval / 10
}

// nextTick is one TickInterval, shortened when a pending request reaches its
// give-up deadline sooner.
func (nm *NeighborManager) nextTick() time.Duration {
	now := nm.now()
	wait := nm.cfg.TickInterval

	nm.mu.Lock()
	for _, req := range nm.PendingRequests {
		if req.flushing {
			continue
		}
		if d := req.CreatedAt.Add(nm.giveUpAfter()).Sub(now); d < wait {
			wait = d
		}
	}
	nm.mu.Unlock()

	if wait < 0 {
		wait = 0
	}
	return wait
}

// Run ticks until ctx is cancelled, waking early for give-up deadlines.
func (nm *NeighborManager) Run(ctx context.Context) {
	timer := time.NewTimer(nm.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[ARP] Stopping resolver ticks")
			return
		case <-timer.C:
			nm.Tick()
			timer.Reset(nm.nextTick())
		}
	}
}

// Clear drops all cached and pending state, queued frames included.
func (nm *NeighborManager) Clear() {
	nm.mu.Lock()
	dropped := 0
	for _, req := range nm.PendingRequests {
		dropped += len(req.Frames)
	}
	nm.ReachableNeighbors = make(map[netip.Addr]Neighbor)
	nm.PendingRequests = make(map[netip.Addr]*PendingRequest)
	nm.updateGaugesLocked()
	nm.mu.Unlock()

	nm.metrics.Discarded("topology_reset", dropped)
	logger.Info("[ARP] Cleared neighbor state, dropped %d queued frame(s)", dropped)
}

func (nm *NeighborManager) ListNeighbors() []Neighbor {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	now := nm.now()
	out := make([]Neighbor, 0, len(nm.ReachableNeighbors))
	for _, n := range nm.ReachableNeighbors {
		if !nm.expired(n, now) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// ListPending returns copies of the pending requests without their frames.
func (nm *NeighborManager) ListPending() []PendingRequest {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	out := make([]PendingRequest, 0, len(nm.PendingRequests))
	for _, req := range nm.PendingRequests {
		cp := *req
		cp.Frames = nil
		cp.mac = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// QueuedFrames reports how many frames wait on ip.
func (nm *NeighborManager) QueuedFrames(ip netip.Addr) int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if req, ok := nm.PendingRequests[ip]; ok {
		return len(req.Frames)
	}
	return 0
}

func (nm *NeighborManager) updateGaugesLocked() {
	nm.metrics.ARPTableSize(len(nm.ReachableNeighbors), len(nm.PendingRequests))
}

func (nm *NeighborManager) send(frame []byte, mac net.HardwareAddr, ifName string) {
	packet.Frame(frame).Ethernet().SetDstAddr(mac)
	if err := nm.tx.Transmit(frame, ifName); err != nil {
		logger.Error("[ARP] Failed to transmit frame on %s: %v", ifName, err)
		nm.metrics.Discarded("transmit_error", 1)
		return
	}
	nm.metrics.Transmitted(ifName)
}

func (nm *NeighborManager) sendRequest(ip netip.Addr, ifName string) {
	out, ok := nm.ifaces.ByName(ifName)
	if !ok {
		logger.Error("[ARP] Cannot send request for %s: unknown interface %s", ip, ifName)
		return
	}

	frame, err := packet.NewARPRequest(out.LinkAddr, out.IP, ip)
	if err != nil {
		logger.Error("[ARP] Failed to build request for %s: %v", ip, err)
		return
	}
	if err := nm.tx.Transmit(frame, ifName); err != nil {
		logger.Error("[ARP] Failed to send request for %s on %s: %v", ip, ifName, err)
		return
	}
	nm.metrics.ARPRequest()
}
