// Package metrics exports session feedback counters and reception
// statistics to Prometheus.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
)

// Direction of a feedback counter.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

type counterKey struct {
	direction Direction
	ssrc      uint32
}

// PacketTypeCollector keeps the latest packet-type counters of a session
// and exposes them as Prometheus counters labelled by direction and SSRC.
//
// A session reports sent counters under the remote SSRC and received
// counters under its own SSRC, so the collector needs the local SSRC to
// tell them apart.
type PacketTypeCollector struct {
	localSSRC func() uint32

	mu       sync.Mutex
	counters map[counterKey]rtcpfb.PacketTypeCounter

	nackPackets  *prometheus.Desc
	firPackets   *prometheus.Desc
	pliPackets   *prometheus.Desc
	nackRequests *prometheus.Desc
	uniqueNacks  *prometheus.Desc
	uniqueRatio  *prometheus.Desc
}

var _ rtcpfb.PacketTypeCounterObserver = (*PacketTypeCollector)(nil)
var _ prometheus.Collector = (*PacketTypeCollector)(nil)

// NewPacketTypeCollector creates a collector. localSSRC is consulted on
// every update; a nil func treats every counter as sent.
func NewPacketTypeCollector(namespace string, localSSRC func() uint32) *PacketTypeCollector {
	labels := []string{"direction", "ssrc"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "rtcp", name), help, labels, nil)
	}
	return &PacketTypeCollector{
		localSSRC:    localSSRC,
		counters:     make(map[counterKey]rtcpfb.PacketTypeCounter),
		nackPackets:  desc("nack_packets_total", "Generic NACK packets."),
		firPackets:   desc("fir_packets_total", "FIR packets."),
		pliPackets:   desc("pli_packets_total", "PLI packets."),
		nackRequests: desc("nack_requests_total", "Sequence numbers requested by NACK."),
		uniqueNacks:  desc("unique_nack_requests_total", "Sequence numbers requested by NACK for the first time."),
		uniqueRatio:  desc("unique_nack_requests_percent", "Share of NACK requests that were unique."),
	}
}

// RtcpPacketTypesCounterUpdated implements rtcpfb.PacketTypeCounterObserver.
func (c *PacketTypeCollector) RtcpPacketTypesCounterUpdated(ssrc uint32, counter rtcpfb.PacketTypeCounter) {
	direction := Sent
	if c.localSSRC != nil && ssrc == c.localSSRC() {
		direction = Received
	}
	c.mu.Lock()
	c.counters[counterKey{direction: direction, ssrc: ssrc}] = counter
	c.mu.Unlock()
}

// Counter returns the latest counter stored for direction and ssrc.
func (c *PacketTypeCollector) Counter(direction Direction, ssrc uint32) (rtcpfb.PacketTypeCounter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counter, ok := c.counters[counterKey{direction: direction, ssrc: ssrc}]
	return counter, ok
}

// Describe implements prometheus.Collector.
func (c *PacketTypeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nackPackets
	ch <- c.firPackets
	ch <- c.pliPackets
	ch <- c.nackRequests
	ch <- c.uniqueNacks
	ch <- c.uniqueRatio
}

// Collect implements prometheus.Collector.
func (c *PacketTypeCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, counter := range c.counters {
		labels := []string{string(key.direction), strconv.FormatUint(uint64(key.ssrc), 10)}
		ch <- prometheus.MustNewConstMetric(c.nackPackets, prometheus.CounterValue, float64(counter.NackPackets), labels...)
		ch <- prometheus.MustNewConstMetric(c.firPackets, prometheus.CounterValue, float64(counter.FirPackets), labels...)
		ch <- prometheus.MustNewConstMetric(c.pliPackets, prometheus.CounterValue, float64(counter.PliPackets), labels...)
		ch <- prometheus.MustNewConstMetric(c.nackRequests, prometheus.CounterValue, float64(counter.NackRequests), labels...)
		ch <- prometheus.MustNewConstMetric(c.uniqueNacks, prometheus.CounterValue, float64(counter.UniqueNackRequests), labels...)
		ch <- prometheus.MustNewConstMetric(c.uniqueRatio, prometheus.GaugeValue, float64(counter.UniqueNackRequestsInPercent()), labels...)
	}
}
