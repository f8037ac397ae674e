package neighbor

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/hostinger/ipfwd/internal/iface"
	"github.com/hostinger/ipfwd/internal/metrics"
)

// Transmitter hands a complete frame to the link layer.
type Transmitter interface {
	Transmit(frame []byte, ifName string) error
}

// InterfaceLookup resolves the egress interface used as ARP request source.
type InterfaceLookup interface {
	ByName(name string) (iface.Interface, bool)
}

type Config struct {
	// CacheTTL is how long a resolved entry stays valid.
	CacheTTL time.Duration
	// RetryInterval is the minimum gap between two requests for one IP.
	RetryInterval time.Duration
	// MaxAttempts is the number of requests sent before giving up.
	MaxAttempts int
	// TickInterval drives retries and expiry. It must not exceed
	// RetryInterval.
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:      30 * time.Second,
		RetryInterval: time.Second,
		MaxAttempts:   5,
		TickInterval:  time.Second,
	}
}

// NeighborManager owns the ARP cache and the pending request table. Both are
// guarded by mu; no IP is ever present in both.
type NeighborManager struct {
	mu                 sync.Mutex
	ReachableNeighbors map[netip.Addr]Neighbor
	PendingRequests    map[netip.Addr]*PendingRequest

	cfg     Config
	tx      Transmitter
	ifaces  InterfaceLookup
	metrics *metrics.Metrics
	now     func() time.Time
}

type Neighbor struct {
	IP           netip.Addr
	HardwareAddr net.HardwareAddr
	CreatedAt    time.Time
}

// PendingRequest queues frames waiting for IP to resolve. Once a reply
// arrives the request stays in place, flushing, until its queue is drained.
type PendingRequest struct {
	IP        netip.Addr
	Interface string
	Frames    []QueuedFrame
	Attempts  int
	CreatedAt time.Time
	LastSent  time.Time

	flushing   bool
	mac        net.HardwareAddr
	resolvedAt time.Time
}

type QueuedFrame struct {
	Frame     []byte
	Interface string
}
