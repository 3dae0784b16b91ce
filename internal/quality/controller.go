package quality

import (
	"time"

	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// ErrAdaptiveMode is returned when a manual quality command arrives while
// the controller is in Adaptive mode.
var ErrAdaptiveMode = errors.New("quality is controlled adaptively")

const (
	ReasonAdaptive = "adaptive"
	ReasonManual   = "manual"
	ReasonMode     = "mode"
)

// Options configures a Controller.
type Options struct {
	Thresholds      Thresholds
	StabilityPeriod time.Duration
	InitialLevel    Level
	InitialMode     Mode
	HistorySize     int
	Clock           clock.PassiveClock
}

// DefaultOptions returns the reference configuration: medium quality,
// manual mode and a five second stability period.
func DefaultOptions() Options {
	return Options{
		Thresholds:      DefaultThresholds(),
		StabilityPeriod: 5 * time.Second,
		InitialLevel:    Medium,
		InitialMode:     Manual,
	}
}

// Controller turns network samples into a quality level under the
// manual/adaptive mode switch.
//
// A Controller is not safe for concurrent use. It belongs to exactly one
// session loop, which serializes every call.
type Controller struct {
	thresholds Thresholds
	stability  time.Duration
	clock      clock.PassiveClock

	mode       Mode
	level      Level
	latest     netquality.Sample
	hasLatest  bool
	lastChange time.Time
	history    *History
}

func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if !opts.InitialLevel.Valid() {
		opts.InitialLevel = Medium
	}
	if !opts.InitialMode.Valid() {
		opts.InitialMode = Manual
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}

	logrus.WithFields(logrus.Fields{
		"level":     opts.InitialLevel.String(),
		"mode":      opts.InitialMode.String(),
		"stability": opts.StabilityPeriod,
	}).Info("Quality controller initialized")

	return &Controller{
		thresholds: opts.Thresholds,
		stability:  opts.StabilityPeriod,
		clock:      opts.Clock,
		mode:       opts.InitialMode,
		level:      opts.InitialLevel,
		history:    NewHistory(opts.HistorySize),
	}
}

func (c *Controller) Level() Level {
	return c.level
}

func (c *Controller) Mode() Mode {
	return c.mode
}

func (c *Controller) Thresholds() Thresholds {
	return c.thresholds
}

// Latest returns the most recent sample observed, if any.
func (c *Controller) Latest() (netquality.Sample, bool) {
	return c.latest, c.hasLatest
}

// History returns up to limit recent changes, oldest first.
func (c *Controller) History(limit int) []Change {
	return c.history.Recent(limit)
}

// Observe records s as the latest sample and, in Adaptive mode, moves the
// level to the one the sample supports. It reports whether the level
// changed. In Manual mode the level never changes here.
func (c *Controller) Observe(s netquality.Sample) (Level, bool) {
	c.latest = s
	c.hasLatest = true

	if c.mode != Adaptive {
		return c.level, false
	}
	return c.evaluate(false)
}

// SetQuality applies an explicit manual command.
func (c *Controller) SetQuality(l Level) (bool, error) {
	if !l.Valid() {
		return false, errors.Wrapf(ErrInvalidLevel, "%d", int(l))
	}
	if c.mode == Adaptive {
		return false, ErrAdaptiveMode
	}
	if l == c.level {
		return false, nil
	}
	c.change(l, ReasonManual)
	return true, nil
}

// SetMode switches the control mode. Leaving Adaptive freezes the current
// level; entering Adaptive re-evaluates the latest sample immediately,
// bypassing the stability period.
func (c *Controller) SetMode(m Mode) (Level, bool, error) {
	if !m.Valid() {
		return c.level, false, errors.Wrapf(ErrInvalidMode, "%d", int(m))
	}
	if m == c.mode {
		return c.level, false, nil
	}

	logrus.WithFields(logrus.Fields{
		"from": c.mode.String(),
		"to":   m.String(),
	}).Info("Control mode changed")
	c.mode = m

	if m == Adaptive && c.hasLatest {
		level, changed := c.evaluate(true)
		return level, changed, nil
	}
	return c.level, false, nil
}

func (c *Controller) evaluate(force bool) (Level, bool) {
	target := Decide(c.thresholds, c.latest, c.mode, c.level)
	if target == c.level {
		return c.level, false
	}

	if !force && c.stability > 0 && !c.lastChange.IsZero() {
		if since := c.clock.Since(c.lastChange); since < c.stability {
			logrus.WithFields(logrus.Fields{
				"current":   c.level.String(),
				"suggested": target.String(),
				"since":     since,
			}).Debug("Quality change suppressed by stability period")
			return c.level, false
		}
	}

	reason := ReasonAdaptive
	if force {
		reason = ReasonMode
	}
	c.change(target, reason)
	return c.level, true
}

func (c *Controller) change(to Level, reason string) {
	from := c.level
	c.level = to
	c.lastChange = c.clock.Now()
	c.history.Add(Change{At: c.lastChange, From: from, To: to, Reason: reason})

	logrus.WithFields(logrus.Fields{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	}).Info("Quality level changed")
}
