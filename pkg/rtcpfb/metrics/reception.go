package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/rtcpfb/pkg/rtcpfb"
)

// ReceptionCollector exposes the reception statistics a session reports
// and receives. It implements rtcpfb.StatisticsCallback.
type ReceptionCollector struct {
	mu     sync.Mutex
	stats  map[uint32]rtcpfb.RtcpStatistics
	cnames map[uint32]string

	fractionLost *prometheus.Desc
	packetsLost  *prometheus.Desc
	highestSeq   *prometheus.Desc
	jitter       *prometheus.Desc
	cname        *prometheus.Desc
}

var _ rtcpfb.StatisticsCallback = (*ReceptionCollector)(nil)
var _ prometheus.Collector = (*ReceptionCollector)(nil)

func NewReceptionCollector(namespace string) *ReceptionCollector {
	labels := []string{"ssrc"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "reception", name), help, labels, nil)
	}
	return &ReceptionCollector{
		stats:        make(map[uint32]rtcpfb.RtcpStatistics),
		cnames:       make(map[uint32]string),
		fractionLost: desc("fraction_lost", "Fraction of packets lost since the previous report, in 1/256.", labels),
		packetsLost:  desc("packets_lost", "Cumulative number of packets lost.", labels),
		highestSeq:   desc("extended_highest_sequence", "Extended highest sequence number received.", labels),
		jitter:       desc("jitter", "Interarrival jitter in RTP timestamp units.", labels),
		cname:        desc("cname_info", "CNAME announced for an SSRC.", []string{"ssrc", "cname"}),
	}
}

// StatisticsUpdated implements rtcpfb.StatisticsCallback.
func (c *ReceptionCollector) StatisticsUpdated(stats rtcpfb.RtcpStatistics, ssrc uint32) {
	c.mu.Lock()
	c.stats[ssrc] = stats
	c.mu.Unlock()
}

// CNameChanged implements rtcpfb.StatisticsCallback.
func (c *ReceptionCollector) CNameChanged(cname string, ssrc uint32) {
	c.mu.Lock()
	c.cnames[ssrc] = cname
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *ReceptionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.fractionLost
	ch <- c.packetsLost
	ch <- c.highestSeq
	ch <- c.jitter
	ch <- c.cname
}

// Collect implements prometheus.Collector.
func (c *ReceptionCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ssrc, s := range c.stats {
		label := strconv.FormatUint(uint64(ssrc), 10)
		ch <- prometheus.MustNewConstMetric(c.fractionLost, prometheus.GaugeValue, float64(s.FractionLost), label)
		ch <- prometheus.MustNewConstMetric(c.packetsLost, prometheus.GaugeValue, float64(s.PacketsLost), label)
		ch <- prometheus.MustNewConstMetric(c.highestSeq, prometheus.GaugeValue, float64(s.ExtendedHighSeq), label)
		ch <- prometheus.MustNewConstMetric(c.jitter, prometheus.GaugeValue, float64(s.Jitter), label)
	}
	for ssrc, cname := range c.cnames {
		ch <- prometheus.MustNewConstMetric(c.cname, prometheus.GaugeValue, 1, strconv.FormatUint(uint64(ssrc), 10), cname)
	}
}
