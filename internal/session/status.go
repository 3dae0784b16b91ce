package session

import (
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/babelcloud/adaptive-stream/internal/source"
)

// UpdateKind tells observers what changed.
type UpdateKind int

const (
	UpdateConnection UpdateKind = iota
	UpdateMetrics
	UpdateQuality
	UpdatePlayback
	UpdateSignaling
	UpdateError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateConnection:
		return "connection"
	case UpdateMetrics:
		return "metrics"
	case UpdateQuality:
		return "quality"
	case UpdatePlayback:
		return "playback"
	case UpdateSignaling:
		return "signaling"
	case UpdateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a point-in-time copy of a viewer session.
type Status struct {
	ID        string
	Connected bool

	// Quality is what the controller asked for; ActiveQuality is what the
	// upstream last reported.
	Quality       quality.Level
	ActiveQuality quality.Level
	Mode          quality.Mode
	Source        source.Kind

	Playback  playback.State
	BufferLen int
	BufferCap int
	FillLevel float64
	Dropped   uint64
	Rendered  uint64

	Latest    netquality.Sample
	HasSample bool

	Signaling    signaling.State
	SignalingErr string
}

// Update is delivered to observers after every state change.
type Update struct {
	Kind   UpdateKind
	Status Status
	Err    error
}

// Observer receives updates on the session goroutine. It must not block and
// must not call back into the session synchronously.
type Observer func(Update)
