package sniffer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/hostinger/ipfwd/internal/logger"
	"github.com/vishvananda/netlink"
)

// FrameHandler receives every captured frame with its ingress interface.
type FrameHandler func(frame []byte, ifName string)

// Handle is the part of a pcap handle the link uses.
type Handle interface {
	WritePacketData(data []byte) error
	Close()
}

type SnifferInfo struct {
	CancelFunc context.CancelFunc
	StartedAt  time.Time
	handle     Handle
	gen        uint64
}

// Link captures on the router's interfaces and transmits through the same
// pcap handles.
type Link struct {
	mu       sync.Mutex
	sniffers map[string]SnifferInfo
	handler  FrameHandler
	gen      uint64

	// open and waitUp are replaced in tests.
	open   func(ifName string) (Handle, gopacket.PacketDataSource, error)
	waitUp func(ctx context.Context, ifName string)
}

func NewLink(handler FrameHandler) *Link {
	return &Link{
		sniffers: make(map[string]SnifferInfo),
		handler:  handler,
		open:     openLive,
		waitUp:   waitForLink,
	}
}

func openLive(ifName string) (Handle, gopacket.PacketDataSource, error) {
	handle, err := pcap.OpenLive(ifName, 1600, true, pcap.BlockForever)
	if err != nil {
		return nil, nil, err
	}
	if err := handle.SetDirection(pcap.DirectionIn); err != nil {
		logger.Warn("[Sniffer-Event] Could not restrict %s to inbound frames: %v", ifName, err)
	}
	return handle, handle, nil
}

func (l *Link) ListActiveSniffers() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make(map[string]time.Time)
	for ifName, info := range l.sniffers {
		result[ifName] = info.StartedAt
	}
	return result
}

// Transmit writes frame out of ifName.
func (l *Link) Transmit(frame []byte, ifName string) error {
	l.mu.Lock()
	info, ok := l.sniffers[ifName]
	l.mu.Unlock()

	if !ok || info.handle == nil {
		return fmt.Errorf("no open handle for interface %s", ifName)
	}
	return info.handle.WritePacketData(frame)
}

// Start opens ifName and delivers its frames until ctx is done or Stop is
// called for it.
func (l *Link) Start(ctx context.Context, ifName string) error {
	ctx, cancel := context.WithCancel(ctx)

	// the slot is reserved before opening so concurrent starts open once
	l.mu.Lock()
	if _, exists := l.sniffers[ifName]; exists {
		l.mu.Unlock()
		cancel()
		return nil
	}
	l.gen++
	gen := l.gen
	l.sniffers[ifName] = SnifferInfo{CancelFunc: cancel, StartedAt: time.Now(), gen: gen}
	l.mu.Unlock()

	l.waitUp(ctx, ifName)

	handle, src, err := l.open(ifName)
	if err != nil {
		l.release(ifName, gen, cancel)
		return fmt.Errorf("error opening interface %s: %w", ifName, err)
	}

	l.mu.Lock()
	info, ok := l.sniffers[ifName]
	ok = ok && info.gen == gen
	if ok {
		info.handle = handle
		l.sniffers[ifName] = info
	}
	l.mu.Unlock()
	if !ok {
		// stopped while opening
		cancel()
		handle.Close()
		return nil
	}

	logger.Info("[Sniffer-Event] Listening for frames on %s", ifName)
	go l.capture(ctx, ifName, handle, src)
	return nil
}

// release drops the reservation made by Start if it is still the current one.
func (l *Link) release(ifName string, gen uint64, cancel context.CancelFunc) {
	cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, ok := l.sniffers[ifName]; ok && info.gen == gen {
		delete(l.sniffers, ifName)
	}
}

func (l *Link) Stop(ifName string) {
	l.mu.Lock()
	info, ok := l.sniffers[ifName]
	delete(l.sniffers, ifName)
	l.mu.Unlock()

	if ok {
		logger.Info("[Sniffer-Event] Stopping sniffer on %s", ifName)
		info.CancelFunc()
	}
}

func (l *Link) StopAll() {
	for ifName := range l.ListActiveSniffers() {
		l.Stop(ifName)
	}
}

func (l *Link) capture(ctx context.Context, ifName string, handle Handle, src gopacket.PacketDataSource) {
	defer handle.Close()

	packetSource := gopacket.NewPacketSource(src, layers.LinkTypeEthernet)
	packetSource.NoCopy = false
	packetChan := packetSource.Packets()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packetChan:
			if !ok || pkt == nil {
				logger.Info("[Sniffer-Event] Capture on %s ended", ifName)
				l.Stop(ifName)
				return
			}
			l.handler(pkt.Data(), ifName)
		}
	}
}

func waitForLink(ctx context.Context, ifName string) {
	for attempt := 0; attempt < 10; attempt++ {
		link, err := netlink.LinkByName(ifName)
		if err == nil && (link.Attrs().Flags&net.FlagUp) != 0 {
			return
		}
		logger.Info("[Sniffer-Event] Waiting for %s to become UP... (%d/10)", ifName, attempt+1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
	}
}
