package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/server"
	"github.com/babelcloud/adaptive-stream/internal/session"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/babelcloud/adaptive-stream/internal/stream"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables: ASTREAM_SERVER_ADDR, ASTREAM_SAMPLER_INTERVAL, ...
	v.SetEnvPrefix("astream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("server.addr", "ASTREAM_ADDR", "ASTREAM_SERVER_ADDR")
	v.BindEnv("viewer.server_url", "ASTREAM_URL", "ASTREAM_VIEWER_SERVER_URL")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "astream"),
		"/etc/astream",
	}

	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

func setDefaults(v *viper.Viper) {
	engine := stream.DefaultConfig()
	sampler := netquality.DefaultConfig()
	controller := quality.DefaultOptions()
	th := controller.Thresholds

	v.SetDefault("server.addr", "127.0.0.1:5000")
	v.SetDefault("server.proxy_protocol", false)

	v.SetDefault("stream.fps", engine.FPS)
	v.SetDefault("stream.quality", engine.DefaultQuality.String())
	v.SetDefault("stream.control_mode", engine.DefaultMode.String())
	v.SetDefault("stream.source", engine.Source.String())
	v.SetDefault("stream.video_frames", engine.VideoFrames)
	v.SetDefault("stream.info_interval", engine.InfoInterval)
	v.SetDefault("stream.history_size", 100)
	v.SetDefault("stream.metrics_size", 1000)

	v.SetDefault("quality.stability_period", controller.StabilityPeriod)
	v.SetDefault("quality.thresholds.high_bandwidth", th.HighBandwidthMbps)
	v.SetDefault("quality.thresholds.medium_bandwidth", th.MediumBandwidthMbps)
	v.SetDefault("quality.thresholds.high_latency", th.HighLatencyMs)
	v.SetDefault("quality.thresholds.medium_latency", th.MediumLatencyMs)
	v.SetDefault("quality.thresholds.high_packet_loss", th.HighLossPct)
	v.SetDefault("quality.thresholds.medium_packet_loss", th.MediumLossPct)

	v.SetDefault("sampler.interval", sampler.Interval)
	v.SetDefault("sampler.timeout", sampler.Timeout)
	v.SetDefault("sampler.payload_bytes", sampler.PayloadBytes)
	v.SetDefault("sampler.loss_probes", sampler.LossProbes)
	v.SetDefault("sampler.fallback_latency", sampler.FallbackLatency)
	v.SetDefault("sampler.default_bandwidth", sampler.DefaultBandwidthMbps)
	v.SetDefault("sampler.min_bandwidth", sampler.MinBandwidthMbps)
	v.SetDefault("sampler.max_bandwidth", sampler.MaxBandwidthMbps)
	v.SetDefault("sampler.min_elapsed", sampler.MinElapsed)

	v.SetDefault("viewer.server_url", "http://127.0.0.1:5000")
	v.SetDefault("viewer.buffer_capacity", playback.DefaultCapacity)
	v.SetDefault("viewer.render_tick", 5*time.Millisecond)

	v.SetDefault("webrtc.stun_urls", signaling.DefaultConfig().STUNURLs)
}

// UseConfigFile reads the given file instead of the searched config paths.
func UseConfigFile(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}

// ConfigFileUsed returns the config file that was loaded, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}

// Set overrides a key for the rest of the process, typically from a flag.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

// AllSettings returns the effective configuration as a nested map.
func AllSettings() map[string]interface{} {
	return v.AllSettings()
}

// GetServerAddr returns the listen address of the stream server
func GetServerAddr() string {
	return v.GetString("server.addr")
}

// GetViewerURL returns the stream server URL the viewer connects to
func GetViewerURL() string {
	return v.GetString("viewer.server_url")
}

// GetThresholds returns the adaptive quality thresholds.
func GetThresholds() quality.Thresholds {
	return quality.Thresholds{
		HighBandwidthMbps:   v.GetFloat64("quality.thresholds.high_bandwidth"),
		MediumBandwidthMbps: v.GetFloat64("quality.thresholds.medium_bandwidth"),
		HighLatencyMs:       v.GetFloat64("quality.thresholds.high_latency"),
		MediumLatencyMs:     v.GetFloat64("quality.thresholds.medium_latency"),
		HighLossPct:         v.GetFloat64("quality.thresholds.high_packet_loss"),
		MediumLossPct:       v.GetFloat64("quality.thresholds.medium_packet_loss"),
	}
}

// GetSamplerConfig returns the network sampler settings.
func GetSamplerConfig() netquality.Config {
	return netquality.Config{
		Interval:             v.GetDuration("sampler.interval"),
		Timeout:              v.GetDuration("sampler.timeout"),
		PayloadBytes:         v.GetInt("sampler.payload_bytes"),
		LossProbes:           v.GetInt("sampler.loss_probes"),
		FallbackLatency:      v.GetDuration("sampler.fallback_latency"),
		DefaultBandwidthMbps: v.GetFloat64("sampler.default_bandwidth"),
		MinBandwidthMbps:     v.GetFloat64("sampler.min_bandwidth"),
		MaxBandwidthMbps:     v.GetFloat64("sampler.max_bandwidth"),
		MinElapsed:           v.GetDuration("sampler.min_elapsed"),
	}
}

// GetWebRTCConfig returns the ICE settings shared by server and viewer.
func GetWebRTCConfig() signaling.Config {
	return signaling.Config{STUNURLs: v.GetStringSlice("webrtc.stun_urls")}
}

// GetEngineConfig returns the stream engine settings.
func GetEngineConfig() (stream.Config, error) {
	c := stream.DefaultConfig()

	level, err := quality.ParseLevel(v.GetString("stream.quality"))
	if err != nil {
		return c, errors.Wrap(err, "invalid stream.quality")
	}
	mode, err := quality.ParseMode(v.GetString("stream.control_mode"))
	if err != nil {
		return c, errors.Wrap(err, "invalid stream.control_mode")
	}
	src, err := source.ParseKind(v.GetString("stream.source"))
	if err != nil {
		return c, errors.Wrap(err, "invalid stream.source")
	}

	c.FPS = v.GetInt("stream.fps")
	c.DefaultQuality = level
	c.DefaultMode = mode
	c.Source = src
	c.VideoFrames = v.GetInt("stream.video_frames")
	c.InfoInterval = v.GetDuration("stream.info_interval")
	c.HistorySize = v.GetInt("stream.history_size")
	c.MetricsSize = v.GetInt("stream.metrics_size")
	c.Thresholds = GetThresholds()
	return c, nil
}

// GetServerConfig returns the full stream server configuration.
func GetServerConfig() (server.Config, error) {
	engine, err := GetEngineConfig()
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:          GetServerAddr(),
		ProxyProtocol: v.GetBool("server.proxy_protocol"),
		Engine:        engine,
		WebRTC:        GetWebRTCConfig(),
	}, nil
}

// GetSessionConfig returns the viewer session settings. The viewer starts
// from the same quality and mode defaults as the server.
func GetSessionConfig() (session.Config, error) {
	c := session.DefaultConfig()

	engine, err := GetEngineConfig()
	if err != nil {
		return c, err
	}
	c.SampleInterval = v.GetDuration("sampler.interval")
	c.RenderTick = v.GetDuration("viewer.render_tick")
	c.BufferCapacity = v.GetInt("viewer.buffer_capacity")
	c.FPS = engine.FPS
	c.Source = engine.Source
	c.WebRTC = GetWebRTCConfig()

	c.Controller.Thresholds = engine.Thresholds
	c.Controller.StabilityPeriod = v.GetDuration("quality.stability_period")
	c.Controller.InitialLevel = engine.DefaultQuality
	c.Controller.InitialMode = engine.DefaultMode
	return c, nil
}
