package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the router's counters. A nil *Metrics is valid and records
// nothing, which keeps the packet path free of nil checks.
type Metrics struct {
	FramesReceived       *prometheus.CounterVec
	FramesDiscarded      *prometheus.CounterVec
	FramesTransmitted    *prometheus.CounterVec
	ARPRequestsSent      prometheus.Counter
	ARPResolutionFailure prometheus.Counter
	ARPCacheEntries      prometheus.Gauge
	ARPPendingRequests   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipfwd_frames_received_total",
			Help: "Frames delivered to the router, by ingress interface.",
		}, []string{"iface"}),
		FramesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipfwd_frames_discarded_total",
			Help: "Frames dropped, by reason.",
		}, []string{"reason"}),
		FramesTransmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipfwd_frames_transmitted_total",
			Help: "Frames handed to the link layer, by egress interface.",
		}, []string{"iface"}),
		ARPRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipfwd_arp_requests_sent_total",
			Help: "ARP requests broadcast, including retries.",
		}),
		ARPResolutionFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipfwd_arp_resolution_failures_total",
			Help: "Pending ARP requests given up after the retry limit.",
		}),
		ARPCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipfwd_arp_cache_entries",
			Help: "Resolved entries in the ARP cache.",
		}),
		ARPPendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipfwd_arp_pending_requests",
			Help: "Outstanding ARP resolutions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.FramesDiscarded,
			m.FramesTransmitted,
			m.ARPRequestsSent,
			m.ARPResolutionFailure,
			m.ARPCacheEntries,
			m.ARPPendingRequests,
		)
	}
	return m
}

func (m *Metrics) Received(iface string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(iface).Inc()
	}
}

func (m *Metrics) Discarded(reason string, n int) {
	if m != nil && n > 0 {
		m.FramesDiscarded.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) Transmitted(iface string) {
	if m != nil {
		m.FramesTransmitted.WithLabelValues(iface).Inc()
	}
}

func (m *Metrics) ARPRequest() {
	if m != nil {
		m.ARPRequestsSent.Inc()
	}
}

func (m *Metrics) ARPFailure() {
	if m != nil {
		m.ARPResolutionFailure.Inc()
	}
}

func (m *Metrics) ARPTableSize(cache, pending int) {
	if m != nil {
		m.ARPCacheEntries.Set(float64(cache))
		m.ARPPendingRequests.Set(float64(pending))
	}
}
