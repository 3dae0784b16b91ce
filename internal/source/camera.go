package source

import (
	"sync"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxDimension = 3840

// CameraSource is a live source. It has no timeline; it emits a frame every
// 1/fps and honors explicit resolution requests.
type CameraSource struct {
	mu       sync.Mutex
	fps      int
	width    int
	height   int
	jpegQ    int
	index    int
	last     time.Time
	renderer pattern
}

func NewCamera(fps int, level quality.Level) *CameraSource {
	if fps <= 0 {
		fps = 30
	}
	c := &CameraSource{fps: fps}
	c.SetQuality(level)
	return c
}

func (c *CameraSource) Kind() Kind { return Camera }

func (c *CameraSource) Read(now time.Time) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.last.IsZero() && now.Sub(c.last) < time.Second/time.Duration(c.fps) {
		return nil, false, nil
	}
	c.last = now
	c.index++

	frame, err := c.renderer.render(c.width, c.height, c.index, 0, c.jpegQ)
	if err != nil {
		return nil, false, err
	}
	return frame, true, nil
}

func (c *CameraSource) SetQuality(l quality.Level) {
	p := l.Profile()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.width != p.Width || c.height != p.Height {
		logrus.WithFields(logrus.Fields{
			"quality":    l.String(),
			"resolution": resolution(p.Width, p.Height),
		}).Info("Camera resolution switched")
	}
	c.width, c.height = p.Width, p.Height
	c.jpegQ = JPEGQuality(l)
}

// SetResolution overrides the output size until the next quality change.
func (c *CameraSource) SetResolution(width, height int) error {
	if width <= 0 || height <= 0 || width > maxDimension || height > maxDimension {
		return errors.Errorf("invalid resolution %dx%d", width, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if width == c.width && height == c.height {
		return nil
	}
	c.width, c.height = width, height
	logrus.WithField("resolution", resolution(width, height)).Info("Camera resolution set")
	return nil
}

func (c *CameraSource) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{Width: c.width, Height: c.height}
}
