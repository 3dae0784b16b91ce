package quality

import (
	"math"

	"github.com/babelcloud/adaptive-stream/internal/netquality"
)

const (
	defaultMetricsSize = 1000

	// SmoothingWindow is how many recent samples the moving average spans.
	SmoothingWindow = 10
)

// MetricsRecord is one reported sample together with the level that was
// active when it arrived.
type MetricsRecord struct {
	netquality.Sample
	Quality Level `json:"current_quality"`
}

// MetricsSummary aggregates every record a MetricsLog still holds.
type MetricsSummary struct {
	MetricsCount        int            `json:"metrics_count"`
	QualityChangesCount int            `json:"quality_changes_count"`
	AvgBandwidth        float64        `json:"avg_bandwidth"`
	MaxBandwidth        float64        `json:"max_bandwidth"`
	MinBandwidth        float64        `json:"min_bandwidth"`
	AvgLatency          float64        `json:"avg_latency"`
	MaxLatency          float64        `json:"max_latency"`
	MinLatency          float64        `json:"min_latency"`
	AvgPacketLoss       float64        `json:"avg_packet_loss"`
	MaxPacketLoss       float64        `json:"max_packet_loss"`
	QualityDistribution map[string]int `json:"quality_distribution"`
}

// MetricsLog is a bounded in-memory log of reported samples. Once full the
// oldest record is overwritten.
type MetricsLog struct {
	size    int
	records []MetricsRecord
	next    int
}

func NewMetricsLog(size int) *MetricsLog {
	if size <= 0 {
		size = defaultMetricsSize
	}
	return &MetricsLog{size: size}
}

func (m *MetricsLog) Add(r MetricsRecord) {
	if len(m.records) < m.size {
		m.records = append(m.records, r)
		return
	}
	m.records[m.next] = r
	m.next = (m.next + 1) % m.size
}

func (m *MetricsLog) Len() int {
	return len(m.records)
}

// Recent returns up to limit records, oldest first. A non-positive limit
// returns everything kept.
func (m *MetricsLog) Recent(limit int) []MetricsRecord {
	n := len(m.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]MetricsRecord, 0, limit)
	for i := n - limit; i < n; i++ {
		out = append(out, m.at(i))
	}
	return out
}

// at returns the i-th record in arrival order.
func (m *MetricsLog) at(i int) MetricsRecord {
	if len(m.records) < m.size {
		return m.records[i]
	}
	return m.records[(m.next+i)%m.size]
}

// Smoothed returns the moving average of the last SmoothingWindow samples,
// rounded to two decimals. The timestamp is the newest sample's.
func (m *MetricsLog) Smoothed() (netquality.Sample, bool) {
	recent := m.Recent(SmoothingWindow)
	if len(recent) == 0 {
		return netquality.Sample{}, false
	}
	var out netquality.Sample
	for _, r := range recent {
		out.BandwidthMbps += r.BandwidthMbps
		out.LatencyMs += r.LatencyMs
		out.PacketLossPct += r.PacketLossPct
		out.Degraded = out.Degraded || r.Degraded
	}
	n := float64(len(recent))
	out.BandwidthMbps = round2(out.BandwidthMbps / n)
	out.LatencyMs = round2(out.LatencyMs / n)
	out.PacketLossPct = round2(out.PacketLossPct / n)
	out.TimestampMs = recent[len(recent)-1].TimestampMs
	return out, true
}

// Summary aggregates the kept records. changes is the number of level
// changes to report alongside. An empty log yields zero values.
func (m *MetricsLog) Summary(changes int) MetricsSummary {
	s := MetricsSummary{
		MetricsCount:        len(m.records),
		QualityChangesCount: changes,
		QualityDistribution: map[string]int{},
	}
	for _, l := range Levels() {
		s.QualityDistribution[l.String()] = 0
	}
	if len(m.records) == 0 {
		return s
	}

	first := m.records[0]
	s.MinBandwidth, s.MaxBandwidth = first.BandwidthMbps, first.BandwidthMbps
	s.MinLatency, s.MaxLatency = first.LatencyMs, first.LatencyMs
	for _, r := range m.records {
		s.AvgBandwidth += r.BandwidthMbps
		s.AvgLatency += r.LatencyMs
		s.AvgPacketLoss += r.PacketLossPct
		s.MinBandwidth = math.Min(s.MinBandwidth, r.BandwidthMbps)
		s.MaxBandwidth = math.Max(s.MaxBandwidth, r.BandwidthMbps)
		s.MinLatency = math.Min(s.MinLatency, r.LatencyMs)
		s.MaxLatency = math.Max(s.MaxLatency, r.LatencyMs)
		s.MaxPacketLoss = math.Max(s.MaxPacketLoss, r.PacketLossPct)
		if r.Quality.Valid() {
			s.QualityDistribution[r.Quality.String()]++
		}
	}
	n := float64(len(m.records))
	s.AvgBandwidth /= n
	s.AvgLatency /= n
	s.AvgPacketLoss /= n
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
