package quality

import "github.com/babelcloud/adaptive-stream/internal/netquality"

// Thresholds classify each metric independently into a level.
type Thresholds struct {
	HighBandwidthMbps   float64 `mapstructure:"high_bandwidth"`
	MediumBandwidthMbps float64 `mapstructure:"medium_bandwidth"`
	HighLatencyMs       float64 `mapstructure:"high_latency"`
	MediumLatencyMs     float64 `mapstructure:"medium_latency"`
	HighLossPct         float64 `mapstructure:"high_packet_loss"`
	MediumLossPct       float64 `mapstructure:"medium_packet_loss"`
}

// DefaultThresholds returns the reference thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighBandwidthMbps:   5,
		MediumBandwidthMbps: 2,
		HighLatencyMs:       100,
		MediumLatencyMs:     200,
		HighLossPct:         2,
		MediumLossPct:       5,
	}
}

func (t Thresholds) BandwidthLevel(mbps float64) Level {
	switch {
	case mbps >= t.HighBandwidthMbps:
		return High
	case mbps >= t.MediumBandwidthMbps:
		return Medium
	default:
		return Low
	}
}

func (t Thresholds) LatencyLevel(ms float64) Level {
	switch {
	case ms <= t.HighLatencyMs:
		return High
	case ms <= t.MediumLatencyMs:
		return Medium
	default:
		return Low
	}
}

func (t Thresholds) LossLevel(pct float64) Level {
	switch {
	case pct <= t.HighLossPct:
		return High
	case pct <= t.MediumLossPct:
		return Medium
	default:
		return Low
	}
}

// Classify returns the level a sample supports: the worst of the three
// per-metric levels.
func (t Thresholds) Classify(s netquality.Sample) Level {
	return Min(
		t.BandwidthLevel(s.BandwidthMbps),
		t.LatencyLevel(s.LatencyMs),
		t.LossLevel(s.PacketLossPct),
	)
}

// Decide maps a sample to a level under the given mode. In Manual mode the
// sample is ignored and current is returned unchanged.
func Decide(t Thresholds, s netquality.Sample, mode Mode, current Level) Level {
	if mode != Adaptive {
		return current
	}
	return t.Classify(s)
}
