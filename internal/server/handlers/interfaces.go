package handlers

import (
	"context"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/babelcloud/adaptive-stream/internal/stream"
	"github.com/pion/webrtc/v4"
)

// ServerService defines the interface for server operations that handlers need
type ServerService interface {
	// Status and info
	IsRunning() bool
	GetAddr() string
	GetUptime() time.Duration
	GetBuildID() string
	GetVersion() string

	// Server lifecycle
	Stop() error
}

// StreamEngine is the producer side the handlers drive.
type StreamEngine interface {
	Level() quality.Level
	Mode() quality.Mode
	Source() source.Kind
	Info() channel.VideoInfo

	SetQuality(l quality.Level) error
	SetControlMode(m quality.Mode) error
	SetSource(k source.Kind) error
	SetResolution(width, height int) error
	SetPlaying(playing bool)
	SetSpeed(s playback.Speed) error
	Seek(position float64) error

	RecordMetrics(s netquality.Sample)
	Metrics() (netquality.Sample, bool)
	SmoothedMetrics() (netquality.Sample, bool)
	MetricsHistory(limit int) []quality.MetricsRecord
	MetricsSummary() quality.MetricsSummary
	SuggestQuality(s netquality.Sample) quality.Level
	History(limit int) []quality.Change

	SubscribeFrames(id string, bufferSize int) <-chan stream.Frame
	UnsubscribeFrames(id string)
	SubscribeInfo(id string) <-chan channel.VideoInfo
	UnsubscribeInfo(id string)
	Subscribers() int
}

// PeerService answers WebRTC offers.
type PeerService interface {
	Answer(ctx context.Context, id string, offer webrtc.SessionDescription, trickle stream.CandidateFunc, onOpen func()) (webrtc.SessionDescription, error)
	AddCandidate(id string, c webrtc.ICECandidateInit) error
	Remove(id string)
	Count() int
}
