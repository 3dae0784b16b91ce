package quality

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
)

// Level is a discrete stream fidelity tier. Levels are totally ordered,
// Low < Medium < High.
type Level int

const (
	Low Level = iota
	Medium
	High
)

// Mode governs whether the controller output is applied.
type Mode int

const (
	Manual Mode = iota
	Adaptive
)

var (
	ErrInvalidLevel = errors.New("invalid quality level")
	ErrInvalidMode  = errors.New("invalid control mode")
)

var (
	levelNames = newNameMap(map[Level]string{
		Low:    "low",
		Medium: "medium",
		High:   "high",
	})
	modeNames = newNameMap(map[Mode]string{
		Manual:   "manual",
		Adaptive: "adaptive",
	})
)

func newNameMap[K comparable](names map[K]string) *bimap.BiMap[K, string] {
	m := bimap.NewBiMap[K, string]()
	for k, name := range names {
		m.Insert(k, name)
	}
	m.MakeImmutable()
	return m
}

// Profile is the encoder setting bound to a level.
type Profile struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	BitrateKbps int `json:"bitrate"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%dx%d@%dkbps", p.Width, p.Height, p.BitrateKbps)
}

var profiles = map[Level]Profile{
	Low:    {Width: 640, Height: 360, BitrateKbps: 500},
	Medium: {Width: 1280, Height: 720, BitrateKbps: 1500},
	High:   {Width: 1920, Height: 1080, BitrateKbps: 3000},
}

// Levels returns all levels in ascending order.
func Levels() []Level {
	return []Level{Low, Medium, High}
}

func (l Level) String() string {
	if name, ok := levelNames.Get(l); ok {
		return name
	}
	return "unknown"
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames.Get(l)
	return ok
}

// Profile returns the resolution and bitrate bound to l. Unknown levels map
// to the Medium profile.
func (l Level) Profile() Profile {
	if p, ok := profiles[l]; ok {
		return p
	}
	return profiles[Medium]
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, errors.Wrapf(ErrInvalidLevel, "%d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses the wire name of a level ("low", "medium", "high").
func ParseLevel(name string) (Level, error) {
	if l, ok := levelNames.GetInverse(name); ok {
		return l, nil
	}
	return Medium, errors.Wrapf(ErrInvalidLevel, "%q", name)
}

// Min returns the worst of the given levels.
func Min(first Level, rest ...Level) Level {
	m := first
	for _, l := range rest {
		if l < m {
			m = l
		}
	}
	return m
}

func (m Mode) String() string {
	if name, ok := modeNames.Get(m); ok {
		return name
	}
	return "unknown"
}

func (m Mode) Valid() bool {
	_, ok := modeNames.Get(m)
	return ok
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, errors.Wrapf(ErrInvalidMode, "%d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses "manual" or "adaptive".
func ParseMode(name string) (Mode, error) {
	if m, ok := modeNames.GetInverse(name); ok {
		return m, nil
	}
	return Manual, errors.Wrapf(ErrInvalidMode, "%q", name)
}
