package source

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultVideoFrames = 900

// VideoSource is a finite clip that loops. Frames are rendered
// synthetically from the frame index.
type VideoSource struct {
	mu       sync.Mutex
	fps      int
	total    int
	index    int
	playing  bool
	speed    playback.Speed
	width    int
	height   int
	jpegQ    int
	last     time.Time
	renderer pattern
}

func NewVideo(fps, totalFrames int, level quality.Level) *VideoSource {
	if fps <= 0 {
		fps = 30
	}
	if totalFrames <= 0 {
		totalFrames = DefaultVideoFrames
	}
	v := &VideoSource{fps: fps, total: totalFrames, playing: true, speed: 1}
	v.SetQuality(level)
	return v
}

func (v *VideoSource) Kind() Kind { return Video }

// Read advances the clip by one frame, plus int((speed-1)*2) skipped frames
// above normal speed. Pacing follows the adjusted interval 1/fps/speed.
func (v *VideoSource) Read(now time.Time) ([]byte, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.playing {
		return nil, false, nil
	}
	interval := time.Duration(float64(time.Second) / float64(v.fps) / float64(v.speed))
	if !v.last.IsZero() && now.Sub(v.last) < interval {
		return nil, false, nil
	}

	v.index += 1 + skipFrames(v.speed)
	if v.index >= v.total {
		v.index = 0
	}
	v.last = now

	frame, err := v.renderer.render(v.width, v.height, v.index, v.total, v.jpegQ)
	if err != nil {
		return nil, false, err
	}
	return frame, true, nil
}

func skipFrames(s playback.Speed) int {
	if s <= 1 {
		return 0
	}
	return int((float64(s) - 1) * 2)
}

func (v *VideoSource) SetQuality(l quality.Level) {
	p := l.Profile()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.width, v.height = p.Width, p.Height
	v.jpegQ = JPEGQuality(l)
}

func (v *VideoSource) SetPlaying(playing bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = playing
	logrus.WithField("is_playing", playing).Debug("Video play state changed")
}

func (v *VideoSource) SetSpeed(s playback.Speed) error {
	if !s.Valid() {
		return errors.Wrapf(playback.ErrInvalidSpeed, "%g", float64(s))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.speed = s
	logrus.WithField("speed", s.String()).Info("Video speed set")
	return nil
}

// Seek jumps to position*total, clamped to the clip.
func (v *VideoSource) Seek(position float64) error {
	if math.IsNaN(position) || position < 0 || position > 1 {
		return errors.Errorf("seek position %g outside [0, 1]", position)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	idx := int(position * float64(v.total))
	if idx > v.total-1 {
		idx = v.total - 1
	}
	v.index = idx
	v.last = time.Time{}
	logrus.WithField("frame", idx).Info("Video seek")
	return nil
}

func (v *VideoSource) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Info{
		Width:  v.width,
		Height: v.height,
		Playback: &playback.State{
			IsPlaying:    v.playing,
			CurrentFrame: v.index,
			TotalFrames:  v.total,
			Speed:        v.speed,
		},
	}
}

func resolution(w, h int) string {
	return fmt.Sprintf("%dx%d", w, h)
}
