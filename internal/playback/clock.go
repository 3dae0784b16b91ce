package playback

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultFPS = 30

var ErrInvalidSpeed = errors.New("invalid playback speed")

// Speed is a playback rate multiplier.
type Speed float64

var speeds = []Speed{0.5, 1, 1.5, 2}

// Speeds lists the supported rates, slowest first.
func Speeds() []Speed {
	return append([]Speed(nil), speeds...)
}

func (s Speed) Valid() bool {
	for _, v := range speeds {
		if s == v {
			return true
		}
	}
	return false
}

func (s Speed) String() string {
	return strconv.FormatFloat(float64(s), 'g', -1, 64) + "x"
}

func ParseSpeed(v float64) (Speed, error) {
	s := Speed(v)
	if !s.Valid() {
		return 0, errors.Wrapf(ErrInvalidSpeed, "%g", v)
	}
	return s, nil
}

// State is the playback position of the upstream source.
type State struct {
	IsPlaying    bool  `json:"is_playing"`
	CurrentFrame int   `json:"current_frame"`
	TotalFrames  int   `json:"total_frames"`
	Speed        Speed `json:"playback_speed"`
}

// Renderer receives frames popped by the clock.
type Renderer interface {
	Render(f Frame)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(f Frame)

func (fn RendererFunc) Render(f Frame) { fn(f) }

// Clock paces consumption of a Buffer. It holds no goroutine: the owner
// calls Tick from its own loop.
type Clock struct {
	buf      *Buffer
	renderer Renderer
	fps      int
	speed    Speed
	playing  bool
	lastPop  time.Time
	rendered uint64
}

func NewClock(buf *Buffer, fps int, r Renderer) *Clock {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if r == nil {
		r = RendererFunc(func(Frame) {})
	}
	return &Clock{buf: buf, renderer: r, fps: fps, speed: 1, playing: true}
}

// Interval is the time between two rendered frames at the current speed.
func (c *Clock) Interval() time.Duration {
	return time.Duration(float64(time.Second) / float64(c.fps) / float64(c.speed))
}

func (c *Clock) Speed() Speed {
	return c.speed
}

// SetSpeed changes only the consumption interval.
func (c *Clock) SetSpeed(s Speed) error {
	if !s.Valid() {
		return errors.Wrapf(ErrInvalidSpeed, "%g", float64(s))
	}
	if s != c.speed {
		logrus.WithFields(logrus.Fields{
			"from": c.speed.String(),
			"to":   s.String(),
		}).Debug("Playback speed changed")
	}
	c.speed = s
	return nil
}

func (c *Clock) Playing() bool {
	return c.playing
}

func (c *Clock) SetPlaying(playing bool) {
	c.playing = playing
}

// Rendered returns how many frames were handed to the renderer.
func (c *Clock) Rendered() uint64 {
	return c.rendered
}

// Reset forgets the last render time so the next eligible Tick renders
// immediately.
func (c *Clock) Reset() {
	c.lastPop = time.Time{}
}

// Tick renders at most one frame. Nothing happens while paused, while the
// buffer is empty, or before Interval has elapsed since the last render.
//
// Render times advance by exactly one interval so a coarse tick source does
// not stretch the frame period. After a stall of more than one interval the
// schedule restarts at now instead of bursting to catch up.
func (c *Clock) Tick(now time.Time) bool {
	if !c.playing {
		return false
	}
	interval := c.Interval()
	if !c.lastPop.IsZero() && now.Sub(c.lastPop) < interval {
		return false
	}
	f, ok := c.buf.Pop()
	if !ok {
		return false
	}
	if c.lastPop.IsZero() || now.Sub(c.lastPop) >= 2*interval {
		c.lastPop = now
	} else {
		c.lastPop = c.lastPop.Add(interval)
	}
	c.rendered++
	c.renderer.Render(f)
	return true
}
