package source

import (
	"time"

	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
)

// Kind identifies a stream source.
type Kind int

const (
	Camera Kind = iota
	Video
)

var ErrInvalidKind = errors.New("invalid stream source")

var kindNames = func() *bimap.BiMap[Kind, string] {
	m := bimap.NewBiMap[Kind, string]()
	m.Insert(Camera, "camera")
	m.Insert(Video, "video")
	m.MakeImmutable()
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames.Get(k); ok {
		return name
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames.Get(k)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidKind, "%d", int(k))
	}
	return []byte(name), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func ParseKind(name string) (Kind, error) {
	k, ok := kindNames.GetInverse(name)
	if !ok {
		return 0, errors.Wrapf(ErrInvalidKind, "%q", name)
	}
	return k, nil
}

// Info describes a source's current output.
type Info struct {
	Width  int
	Height int

	// Playback is nil for live sources.
	Playback *playback.State
}

// Source produces JPEG frames on demand.
type Source interface {
	Kind() Kind
	// Read returns the next frame when one is due at now. ok is false when
	// nothing should be emitted yet (paced, paused).
	Read(now time.Time) (frame []byte, ok bool, err error)
	// SetQuality adopts the resolution and JPEG quality of a tier.
	SetQuality(l quality.Level)
	Info() Info
}

// Player is a source with a seekable timeline.
type Player interface {
	Source
	SetPlaying(playing bool)
	SetSpeed(s playback.Speed) error
	Seek(position float64) error
}

// Resizer is a source that accepts an explicit output resolution.
type Resizer interface {
	Source
	SetResolution(width, height int) error
}

// JPEGQuality returns the encoder quality used for a tier.
func JPEGQuality(l quality.Level) int {
	switch l {
	case quality.Low:
		return 70
	case quality.High:
		return 95
	default:
		return 85
	}
}
