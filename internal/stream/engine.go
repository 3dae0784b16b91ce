package stream

import (
	"context"
	"sync"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Config configures the stream engine.
type Config struct {
	FPS            int
	DefaultQuality quality.Level
	DefaultMode    quality.Mode
	Source         source.Kind
	VideoFrames    int
	InfoInterval   time.Duration
	HistorySize    int
	MetricsSize    int
	Thresholds     quality.Thresholds
}

func DefaultConfig() Config {
	return Config{
		FPS:            playback.DefaultFPS,
		DefaultQuality: quality.Medium,
		DefaultMode:    quality.Manual,
		Source:         source.Video,
		VideoFrames:    source.DefaultVideoFrames,
		InfoInterval:   250 * time.Millisecond,
		Thresholds:     quality.DefaultThresholds(),
	}
}

// Frame is one encoded frame as published to viewers.
type Frame struct {
	Seq     uint64
	JPEG    []byte
	Source  source.Kind
	Quality quality.Level
}

// Engine is the upstream producer. A single loop reads the active source at
// the target rate and publishes frames and status snapshots. Commands from
// any number of clients are applied under one lock.
type Engine struct {
	cfg   Config
	clock clock.WithTicker

	mu         sync.RWMutex
	camera     *source.CameraSource
	video      *source.VideoSource
	active     source.Kind
	level      quality.Level
	mode       quality.Mode
	metrics    *quality.MetricsLog
	history    *quality.History
	seq        uint64
	running    bool

	frames *Broadcaster[Frame]
	infos  *Broadcaster[channel.VideoInfo]
}

func NewEngine(cfg Config, clk clock.WithTicker) *Engine {
	d := DefaultConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = d.FPS
	}
	if !cfg.DefaultQuality.Valid() {
		cfg.DefaultQuality = d.DefaultQuality
	}
	if !cfg.DefaultMode.Valid() {
		cfg.DefaultMode = d.DefaultMode
	}
	if cfg.VideoFrames <= 0 {
		cfg.VideoFrames = d.VideoFrames
	}
	if cfg.InfoInterval <= 0 {
		cfg.InfoInterval = d.InfoInterval
	}
	if cfg.Thresholds == (quality.Thresholds{}) {
		cfg.Thresholds = d.Thresholds
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Engine{
		cfg:     cfg,
		clock:   clk,
		camera:  source.NewCamera(cfg.FPS, cfg.DefaultQuality),
		video:   source.NewVideo(cfg.FPS, cfg.VideoFrames, cfg.DefaultQuality),
		active:  cfg.Source,
		level:   cfg.DefaultQuality,
		mode:    cfg.DefaultMode,
		metrics: quality.NewMetricsLog(cfg.MetricsSize),
		history: quality.NewHistory(cfg.HistorySize),
		frames:  NewBroadcaster[Frame]("frames"),
		infos:   NewBroadcaster[channel.VideoInfo]("video_info"),
	}
}

// Run produces frames until ctx is done. The read tick runs at twice the
// target rate so sped-up video keeps its adjusted interval.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("stream engine already running")
	}
	e.running = true
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"fps":     e.cfg.FPS,
		"source":  e.Source().String(),
		"quality": e.Level().String(),
	}).Info("Stream engine started")

	readTicker := e.clock.NewTicker(time.Second / time.Duration(e.cfg.FPS*2))
	defer readTicker.Stop()
	infoTicker := e.clock.NewTicker(e.cfg.InfoInterval)
	defer infoTicker.Stop()

	defer func() {
		e.frames.Close()
		e.infos.Close()
		logrus.Info("Stream engine stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-readTicker.C():
			e.produce(now)
		case <-infoTicker.C():
			e.infos.Broadcast(e.Info())
		}
	}
}

func (e *Engine) produce(now time.Time) {
	e.mu.Lock()
	src := e.activeSource()
	kind, level := e.active, e.level
	e.mu.Unlock()

	jpeg, ok, err := src.Read(now)
	if err != nil {
		logrus.WithError(err).WithField("source", kind.String()).Error("Failed to read frame")
		return
	}
	if !ok {
		return
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	e.frames.Broadcast(Frame{Seq: seq, JPEG: jpeg, Source: kind, Quality: level})
}

func (e *Engine) activeSource() source.Source {
	if e.active == source.Camera {
		return e.camera
	}
	return e.video
}

// SubscribeFrames registers a frame consumer.
func (e *Engine) SubscribeFrames(id string, bufferSize int) <-chan Frame {
	return e.frames.Subscribe(id, bufferSize)
}

func (e *Engine) UnsubscribeFrames(id string) {
	e.frames.Unsubscribe(id)
}

// SubscribeInfo registers a status snapshot consumer.
func (e *Engine) SubscribeInfo(id string) <-chan channel.VideoInfo {
	return e.infos.Subscribe(id, 4)
}

func (e *Engine) UnsubscribeInfo(id string) {
	e.infos.Unsubscribe(id)
}

func (e *Engine) Subscribers() int {
	return e.frames.SubscriberCount()
}

func (e *Engine) Level() quality.Level {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.level
}

func (e *Engine) Mode() quality.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

func (e *Engine) Source() source.Kind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// SetQuality applies a tier to both sources. The change is recorded with
// the current control mode as its reason: viewers decide adaptively and
// send the outcome here.
func (e *Engine) SetQuality(l quality.Level) error {
	if !l.Valid() {
		return errors.Wrapf(quality.ErrInvalidLevel, "%d", int(l))
	}

	e.mu.Lock()
	from := e.level
	if from == l {
		e.mu.Unlock()
		return nil
	}
	e.level = l
	reason := quality.ReasonManual
	if e.mode == quality.Adaptive {
		reason = quality.ReasonAdaptive
	}
	e.history.Add(quality.Change{At: e.clock.Now(), From: from, To: l, Reason: reason})
	e.mu.Unlock()

	e.camera.SetQuality(l)
	e.video.SetQuality(l)
	logrus.WithFields(logrus.Fields{"from": from.String(), "to": l.String(), "reason": reason}).Info("Quality changed")
	return nil
}

func (e *Engine) SetControlMode(m quality.Mode) error {
	if !m.Valid() {
		return errors.Wrapf(quality.ErrInvalidMode, "%d", int(m))
	}
	e.mu.Lock()
	from := e.mode
	e.mode = m
	e.mu.Unlock()

	if from != m {
		logrus.WithFields(logrus.Fields{"from": from.String(), "to": m.String()}).Info("Control mode changed")
	}
	return nil
}

// SetSource switches the active source. The cached frame of the previous
// source is discarded.
func (e *Engine) SetSource(k source.Kind) error {
	if k != source.Camera && k != source.Video {
		return errors.Wrapf(source.ErrInvalidKind, "%d", int(k))
	}
	e.mu.Lock()
	from := e.active
	e.active = k
	e.mu.Unlock()

	if from != k {
		e.frames.Reset()
		logrus.WithFields(logrus.Fields{"from": from.String(), "to": k.String()}).Info("Stream source switched")
	}
	return nil
}

func (e *Engine) SetResolution(width, height int) error {
	return e.camera.SetResolution(width, height)
}

func (e *Engine) SetPlaying(playing bool) {
	e.video.SetPlaying(playing)
}

func (e *Engine) SetSpeed(s playback.Speed) error {
	return e.video.SetSpeed(s)
}

func (e *Engine) Seek(position float64) error {
	return e.video.Seek(position)
}

// RecordMetrics logs a sample reported by a viewer against the active level.
func (e *Engine) RecordMetrics(s netquality.Sample) {
	if s.TimestampMs == 0 {
		s.TimestampMs = e.clock.Now().UnixMilli()
	}
	e.mu.Lock()
	e.metrics.Add(quality.MetricsRecord{Sample: s, Quality: e.level})
	e.mu.Unlock()
}

// Metrics returns the latest reported sample.
func (e *Engine) Metrics() (netquality.Sample, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	last := e.metrics.Recent(1)
	if len(last) == 0 {
		return netquality.Sample{}, false
	}
	return last[0].Sample, true
}

// SmoothedMetrics returns the moving average of the recent samples.
func (e *Engine) SmoothedMetrics() (netquality.Sample, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics.Smoothed()
}

func (e *Engine) MetricsHistory(limit int) []quality.MetricsRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics.Recent(limit)
}

func (e *Engine) MetricsSummary() quality.MetricsSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics.Summary(e.history.Len())
}

// SuggestQuality classifies s with the engine thresholds.
func (e *Engine) SuggestQuality(s netquality.Sample) quality.Level {
	return quality.Decide(e.cfg.Thresholds, s, quality.Adaptive, e.Level())
}

func (e *Engine) Thresholds() quality.Thresholds {
	return e.cfg.Thresholds
}

func (e *Engine) History(limit int) []quality.Change {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Recent(limit)
}

// Info builds the current status snapshot.
func (e *Engine) Info() channel.VideoInfo {
	e.mu.RLock()
	src := e.activeSource()
	info := channel.VideoInfo{
		Quality:     e.level.String(),
		ControlMode: e.mode.String(),
		Source:      e.active.String(),
	}
	if m, ok := e.metrics.Smoothed(); ok && e.mode == quality.Adaptive {
		info.NetworkMetrics = &channel.MetricsPayload{
			Latency:    m.LatencyMs,
			PacketLoss: m.PacketLossPct,
			Bandwidth:  m.BandwidthMbps,
		}
	}
	e.mu.RUnlock()

	si := src.Info()
	info.Width, info.Height = si.Width, si.Height
	playing := true
	if pb := si.Playback; pb != nil {
		playing = pb.IsPlaying
		info.CurrentFrame = pb.CurrentFrame
		info.TotalFrames = pb.TotalFrames
		info.PlaybackSpeed = float64(pb.Speed)
	}
	// Live sources have no timeline and are always playing.
	info.IsPlaying = &playing
	return info
}
