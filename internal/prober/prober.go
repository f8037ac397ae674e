package prober

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/go-ping/ping"
	"github.com/hostinger/ipfwd/internal/logger"
)

// Result is the outcome of the last probe of one gateway.
type Result struct {
	Gateway    netip.Addr    `json:"gateway"`
	Sent       int           `json:"sent"`
	Received   int           `json:"received"`
	PacketLoss float64       `json:"packet_loss"`
	AvgRtt     time.Duration `json:"avg_rtt"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// PingFunc pings addr count times and reports the statistics.
type PingFunc func(ctx context.Context, addr netip.Addr, count int, timeout time.Duration) (*ping.Statistics, error)

// Prober pings the routing table's gateways on a fixed interval.
type Prober struct {
	Interval time.Duration
	Count    int
	Timeout  time.Duration

	gateways func() []netip.Addr
	ping     PingFunc

	mu      sync.Mutex
	results map[netip.Addr]Result
}

func New(gateways func() []netip.Addr, interval time.Duration, count int) *Prober {
	return &Prober{
		Interval: interval,
		Count:    count,
		Timeout:  5 * time.Second,
		gateways: gateways,
		ping:     icmpPing,
		results:  make(map[netip.Addr]Result),
	}
}

func icmpPing(ctx context.Context, addr netip.Addr, count int, timeout time.Duration) (*ping.Statistics, error) {
	pinger, err := ping.NewPinger(addr.String())
	if err != nil {
		return nil, err
	}
	pinger.Count = count
	pinger.Timeout = timeout
	pinger.SetPrivileged(true)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return nil, err
	}
	return pinger.Statistics(), nil
}

// ProbeOnce pings every gateway once, sequentially.
func (p *Prober) ProbeOnce(ctx context.Context) {
	for _, gw := range p.gateways() {
		if ctx.Err() != nil {
			return
		}

		res := Result{Gateway: gw, Sent: p.Count, CheckedAt: time.Now()}
		stats, err := p.ping(ctx, gw, p.Count, p.Timeout)
		if err != nil {
			res.Error = err.Error()
			logger.Error("[Probe] Failed to ping gateway %s: %v", gw, err)
		} else {
			res.Sent = stats.PacketsSent
			res.Received = stats.PacketsRecv
			res.PacketLoss = stats.PacketLoss
			res.AvgRtt = stats.AvgRtt
			if stats.PacketsRecv == 0 {
				logger.Warn("[Probe] Gateway %s is unreachable (%d sent)", gw, stats.PacketsSent)
			} else {
				logger.Debug("[Probe] Gateway %s: %.0f%% loss, avg rtt %v", gw, stats.PacketLoss, stats.AvgRtt)
			}
		}

		p.mu.Lock()
		p.results[gw] = res
		p.mu.Unlock()
	}
}

func (p *Prober) Run(ctx context.Context) {
	logger.Info("Starting gateway prober, interval %v", p.Interval)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) Results() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Result, 0, len(p.results))
	for _, r := range p.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gateway.Less(out[j].Gateway) })
	return out
}
