package netquality

import "time"

// Sample is one best-effort measurement of the network path. Samples are
// values: a newer sample supersedes an older one, it never updates it.
type Sample struct {
	TimestampMs   int64   `json:"timestamp_ms"`
	BandwidthMbps float64 `json:"bandwidth"`
	LatencyMs     float64 `json:"latency"`
	PacketLossPct float64 `json:"packet_loss"`

	// Degraded is set when at least one sub-measurement failed and a
	// default value was substituted.
	Degraded bool `json:"degraded,omitempty"`
}

// Time returns the sample timestamp.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// AtLeastAsGoodAs reports whether every metric of s is at least as good as
// the corresponding metric of other.
func (s Sample) AtLeastAsGoodAs(other Sample) bool {
	return s.BandwidthMbps >= other.BandwidthMbps &&
		s.LatencyMs <= other.LatencyMs &&
		s.PacketLossPct <= other.PacketLossPct
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
