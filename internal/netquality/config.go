package netquality

import "time"

const (
	PingPath      = "/api/ping"
	BandwidthPath = "/api/bandwidth-probe"
)

// Config controls how samples are taken. Zero fields fall back to the
// defaults from DefaultConfig.
type Config struct {
	Interval             time.Duration `mapstructure:"interval"`
	Timeout              time.Duration `mapstructure:"timeout"`
	PayloadBytes         int           `mapstructure:"payload_bytes"`
	LossProbes           int           `mapstructure:"loss_probes"`
	FallbackLatency      time.Duration `mapstructure:"fallback_latency"`
	// DefaultBandwidthMbps replaces transfers faster than MinElapsed, which
	// are cache artifacts. Failed probes report MinBandwidthMbps instead.
	DefaultBandwidthMbps float64 `mapstructure:"default_bandwidth"`
	MinBandwidthMbps     float64 `mapstructure:"min_bandwidth"`
	MaxBandwidthMbps     float64       `mapstructure:"max_bandwidth"`
	MinElapsed           time.Duration `mapstructure:"min_elapsed"`
}

func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Second,
		Timeout:              3 * time.Second,
		PayloadBytes:         1 << 20,
		LossProbes:           10,
		FallbackLatency:      200 * time.Millisecond,
		DefaultBandwidthMbps: 10,
		MinBandwidthMbps:     0.5,
		MaxBandwidthMbps:     100,
		MinElapsed:           100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PayloadBytes <= 0 {
		c.PayloadBytes = d.PayloadBytes
	}
	if c.LossProbes <= 0 {
		c.LossProbes = d.LossProbes
	}
	if c.FallbackLatency <= 0 {
		c.FallbackLatency = d.FallbackLatency
	}
	if c.DefaultBandwidthMbps <= 0 {
		c.DefaultBandwidthMbps = d.DefaultBandwidthMbps
	}
	if c.MinBandwidthMbps <= 0 {
		c.MinBandwidthMbps = d.MinBandwidthMbps
	}
	if c.MaxBandwidthMbps <= c.MinBandwidthMbps {
		c.MaxBandwidthMbps = d.MaxBandwidthMbps
	}
	if c.MinElapsed <= 0 {
		c.MinElapsed = d.MinElapsed
	}
	return c
}
