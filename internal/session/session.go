package session

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var (
	ErrClosed       = errors.New("viewer session closed")
	ErrDisconnected = errors.New("event channel disconnected")
	ErrNotRunning   = errors.New("viewer session not running")
)

// Sampler takes one network sample. It must not fail; degraded samples
// carry defaults.
type Sampler interface {
	Sample(ctx context.Context) netquality.Sample
}

// PeerFactory creates the offering peer connection; onFrame receives data
// channel payloads.
type PeerFactory func(onFrame func([]byte)) (signaling.PeerConnection, error)

type Config struct {
	SampleInterval time.Duration
	// RenderTick is how often the playback clock is polled.
	RenderTick     time.Duration
	BufferCapacity int
	FPS            int
	Controller     quality.Options
	WebRTC         signaling.Config
	Source         source.Kind
}

func DefaultConfig() Config {
	return Config{
		SampleInterval: netquality.DefaultConfig().Interval,
		RenderTick:     5 * time.Millisecond,
		BufferCapacity: playback.DefaultCapacity,
		FPS:            playback.DefaultFPS,
		Controller:     quality.DefaultOptions(),
		WebRTC:         signaling.DefaultConfig(),
		Source:         source.Video,
	}
}

type Option func(*Session)

func WithClock(c clock.WithTicker) Option {
	return func(s *Session) { s.clock = c }
}

func WithPeerFactory(f PeerFactory) Option {
	return func(s *Session) { s.newPeer = f }
}

type signalingEvent struct {
	session *signaling.Session
	state   signaling.State
	err     error
}

// Session is one viewer. A single goroutine (Run) owns the buffer, the
// playback clock, the controller and the latest sample; every public
// method is posted to that goroutine.
type Session struct {
	id        string
	cfg       Config
	transport channel.Transport
	sampler   Sampler
	renderer  playback.Renderer
	clock     clock.WithTicker
	newPeer   PeerFactory
	log       *logrus.Entry

	// Owned by the loop.
	controller    *quality.Controller
	buffer        *playback.Buffer
	player        *playback.Clock
	playState     playback.State
	source        source.Kind
	activeQuality quality.Level
	seq           uint64
	sampling      bool
	connected     bool
	rtc           *signaling.Session
	rtcState      signaling.State
	rtcErr        string

	cmds      chan func()
	samples   chan netquality.Sample
	rtcFrames chan []byte
	rtcWake   chan struct{}

	// Signaling callbacks fire on pion goroutines and on the loop itself,
	// so updates are queued without bound and drained by the loop.
	rtcMu      sync.Mutex
	rtcPending []signalingEvent

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
}

func New(transport channel.Transport, sampler Sampler, renderer playback.Renderer, cfg Config, opts ...Option) *Session {
	d := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = d.SampleInterval
	}
	if cfg.RenderTick <= 0 {
		cfg.RenderTick = d.RenderTick
	}
	if cfg.FPS <= 0 {
		cfg.FPS = d.FPS
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		transport: transport,
		sampler:   sampler,
		renderer:  renderer,
		clock:     clock.RealClock{},
		buffer:    playback.NewBuffer(cfg.BufferCapacity),
		source:    cfg.Source,
		connected: transport.IsConnected(),
		cmds:      make(chan func()),
		samples:   make(chan netquality.Sample, 1),
		rtcFrames: make(chan []byte, 8),
		rtcWake:   make(chan struct{}, 1),
		observers: make(map[int]Observer),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newPeer == nil {
		webrtcCfg := cfg.WebRTC
		s.newPeer = func(onFrame func([]byte)) (signaling.PeerConnection, error) {
			return signaling.NewOfferer(webrtcCfg, onFrame)
		}
	}

	if cfg.Controller.Clock == nil {
		cfg.Controller.Clock = s.clock
	}
	s.controller = quality.NewController(cfg.Controller)
	s.activeQuality = s.controller.Level()
	s.player = playback.NewClock(s.buffer, cfg.FPS, playback.RendererFunc(s.render))
	s.playState = playback.State{IsPlaying: true, Speed: 1}
	s.log = logrus.WithField("session", s.id)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Subscribe registers fn and returns a function that removes it.
func (s *Session) Subscribe(fn Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

// Run drives the session until ctx is done, Close is called or the event
// channel drops. It returns ErrDisconnected in the last case.
func (s *Session) Run(ctx context.Context) error {
	first := false
	s.startOnce.Do(func() { first = true })
	if !first {
		return errors.New("viewer session already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	close(s.started)
	defer s.teardown(cancel)

	sampleTicker := s.clock.NewTicker(s.cfg.SampleInterval)
	defer sampleTicker.Stop()
	renderTicker := s.clock.NewTicker(s.cfg.RenderTick)
	defer renderTicker.Stop()

	s.log.WithFields(logrus.Fields{
		"quality": s.controller.Level().String(),
		"mode":    s.controller.Mode().String(),
	}).Info("Viewer session started")

	if err := s.send(ctx, channel.EventSetControlMode, channel.ControlModePayload{Mode: s.controller.Mode().String()}); err != nil {
		s.log.WithError(err).Debug("Failed to announce control mode")
	}
	s.startSample(ctx)

	incoming := s.transport.Incoming()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				s.connected = false
				s.notify(UpdateConnection, ErrDisconnected)
				return ErrDisconnected
			}
			s.handle(ctx, msg)
		case <-sampleTicker.C():
			s.startSample(ctx)
		case sample := <-s.samples:
			s.sampling = false
			s.onSample(ctx, sample)
		case now := <-renderTicker.C():
			s.player.Tick(now)
		case fn := <-s.cmds:
			fn()
		case payload := <-s.rtcFrames:
			s.pushFrame(payload)
		case <-s.rtcWake:
			for _, ev := range s.takeSignaling() {
				s.onSignaling(ev)
			}
		}
	}
}

// Started is closed once Run has begun; commands are accepted from then on.
func (s *Session) Started() <-chan struct{} {
	return s.started
}

// Done is closed after teardown.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the session and waits for teardown. Safe to call more than
// once, and before Run.
func (s *Session) Close() error {
	s.cancelMu.Lock()
	cancel := s.cancel
	s.cancelMu.Unlock()
	if cancel == nil {
		return s.transport.Close()
	}
	cancel()
	<-s.done
	return nil
}

func (s *Session) teardown(cancel context.CancelFunc) {
	cancel()
	if s.rtc != nil {
		_ = s.rtc.Close()
	}
	_ = s.transport.Close()
	wasConnected := s.connected
	s.connected = false
	s.buffer.Clear()
	close(s.done)
	if wasConnected {
		s.notify(UpdateConnection, nil)
	}
	s.log.Info("Viewer session closed")
}

// startSample runs one probe round off the loop. Only one round is in
// flight at a time; results arriving after teardown are dropped.
func (s *Session) startSample(ctx context.Context) {
	if s.sampling || s.sampler == nil {
		return
	}
	s.sampling = true
	go func() {
		sample := s.sampler.Sample(ctx)
		select {
		case s.samples <- sample:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) onSample(ctx context.Context, sample netquality.Sample) {
	level, changed := s.controller.Observe(sample)

	if err := s.send(ctx, channel.EventNetworkMetrics, channel.MetricsPayload{
		Latency:    sample.LatencyMs,
		PacketLoss: sample.PacketLossPct,
		Bandwidth:  sample.BandwidthMbps,
	}); err != nil {
		s.log.WithError(err).Debug("Failed to report network metrics")
	}
	s.notify(UpdateMetrics, nil)

	if changed {
		s.requestQuality(ctx, level)
	}
}

func (s *Session) requestQuality(ctx context.Context, level quality.Level) {
	if err := s.send(ctx, channel.EventSetQuality, channel.QualityPayload{Quality: level.String()}); err != nil {
		s.log.WithError(err).Warn("Failed to request quality change")
	}
	s.notify(UpdateQuality, nil)
}

func (s *Session) handle(ctx context.Context, msg channel.Message) {
	switch msg.Event {
	case channel.EventImage:
		payload, err := channel.DecodeImage(msg.Data)
		if err != nil {
			s.log.WithError(err).Debug("Dropping malformed image")
			return
		}
		s.pushFrame(payload)
	case channel.EventVideoInfo:
		s.reconcile(channel.ParseVideoInfo(msg.Data))
	case channel.EventWebRTCAnswer:
		var answer webrtc.SessionDescription
		if err := msg.Decode(&answer); err != nil || s.rtc == nil {
			return
		}
		if err := s.rtc.HandleAnswer(answer); err != nil {
			s.log.WithError(err).Warn("Failed to apply WebRTC answer")
		}
	case channel.EventICECandidate:
		var c webrtc.ICECandidateInit
		if err := msg.Decode(&c); err != nil || s.rtc == nil {
			return
		}
		if err := s.rtc.HandleRemoteCandidate(c); err != nil {
			s.log.WithError(err).Debug("Failed to add remote candidate")
		}
	case channel.EventError:
		var p channel.ErrorPayload
		_ = msg.Decode(&p)
		s.notify(UpdateError, errors.Errorf("upstream: %s", p.Message))
	default:
		s.log.WithField("event", msg.Event).Debug("Ignoring event")
	}
}

func (s *Session) pushFrame(payload []byte) {
	s.seq++
	s.buffer.Push(playback.Frame{Seq: s.seq, Payload: payload})
}

func (s *Session) render(f playback.Frame) {
	if s.renderer != nil {
		s.renderer.Render(f)
	}
}

// reconcile applies an upstream snapshot, last writer wins. Missing
// counters and is_playing read as zero and false; missing speed, quality
// and source keep their local value.
func (s *Session) reconcile(u channel.VideoInfoUpdate) {
	s.playState.CurrentFrame = u.CurrentFrame
	s.playState.TotalFrames = u.TotalFrames

	// A snapshot without is_playing reads as paused.
	s.playState.IsPlaying = u.IsPlaying
	s.player.SetPlaying(u.IsPlaying)
	if u.HasSpeed {
		if sp, err := playback.ParseSpeed(u.PlaybackSpeed); err == nil {
			s.playState.Speed = sp
			_ = s.player.SetSpeed(sp)
		}
	}
	if u.HasQuality {
		if l, err := quality.ParseLevel(u.Quality); err == nil {
			s.activeQuality = l
		}
	}
	if u.HasSource {
		if k, err := source.ParseKind(u.Source); err == nil && k != s.source {
			s.switchSource(k)
		}
	}
	s.notify(UpdatePlayback, nil)
}

func (s *Session) switchSource(k source.Kind) {
	s.log.WithFields(logrus.Fields{
		"from": s.source.String(),
		"to":   k.String(),
	}).Info("Stream source changed, clearing buffer")
	s.buffer.Clear()
	s.player.Reset()
	s.source = k
}

// queueSignaling never blocks and never drops an update.
func (s *Session) queueSignaling(ev signalingEvent) {
	s.rtcMu.Lock()
	s.rtcPending = append(s.rtcPending, ev)
	s.rtcMu.Unlock()
	select {
	case s.rtcWake <- struct{}{}:
	default:
	}
}

func (s *Session) takeSignaling() []signalingEvent {
	s.rtcMu.Lock()
	defer s.rtcMu.Unlock()
	evs := s.rtcPending
	s.rtcPending = nil
	return evs
}

func (s *Session) onSignaling(ev signalingEvent) {
	if ev.session != s.rtc {
		return
	}
	s.rtcState = ev.state
	s.rtcErr = ""
	if ev.err != nil {
		s.rtcErr = ev.err.Error()
	}
	s.notify(UpdateSignaling, ev.err)
}

func (s *Session) send(ctx context.Context, event string, data interface{}) error {
	if !s.transport.IsConnected() {
		return channel.ErrClosed
	}
	return s.transport.Send(ctx, event, data)
}

func (s *Session) status() Status {
	st := Status{
		ID:            s.id,
		Connected:     s.connected && s.transport.IsConnected(),
		Quality:       s.controller.Level(),
		ActiveQuality: s.activeQuality,
		Mode:          s.controller.Mode(),
		Source:        s.source,
		Playback:      s.playState,
		BufferLen:     s.buffer.Len(),
		BufferCap:     s.buffer.Cap(),
		FillLevel:     s.buffer.FillLevel(),
		Dropped:       s.buffer.Dropped(),
		Rendered:      s.player.Rendered(),
		Signaling:     s.rtcState,
		SignalingErr:  s.rtcErr,
	}
	st.Latest, st.HasSample = s.controller.Latest()
	return st
}

func (s *Session) notify(kind UpdateKind, err error) {
	s.obsMu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.obsMu.Unlock()
	if len(observers) == 0 {
		return
	}

	u := Update{Kind: kind, Status: s.status(), Err: err}
	for _, o := range observers {
		o(u)
	}
}

// do runs fn on the session goroutine and returns its error.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-s.started:
	case <-s.done:
		return ErrClosed
	default:
		return ErrNotRunning
	}

	result := make(chan error, 1)
	cmd := func() { result <- fn(ctx) }
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Snapshot returns the current status.
func (s *Session) Snapshot(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func(context.Context) error {
		st = s.status()
		return nil
	})
	return st, err
}

// SetQuality applies a manual quality command. It fails with
// quality.ErrAdaptiveMode while the controller is adaptive.
func (s *Session) SetQuality(ctx context.Context, l quality.Level) error {
	return s.do(ctx, func(ctx context.Context) error {
		changed, err := s.controller.SetQuality(l)
		if err != nil {
			return err
		}
		if changed {
			s.requestQuality(ctx, l)
		}
		return nil
	})
}

// SetControlMode switches between manual and adaptive control.
func (s *Session) SetControlMode(ctx context.Context, m quality.Mode) error {
	return s.do(ctx, func(ctx context.Context) error {
		level, changed, err := s.controller.SetMode(m)
		if err != nil {
			return err
		}
		if err := s.send(ctx, channel.EventSetControlMode, channel.ControlModePayload{Mode: m.String()}); err != nil {
			return err
		}
		if changed {
			s.requestQuality(ctx, level)
		} else {
			s.notify(UpdateQuality, nil)
		}
		return nil
	})
}

// SetSource switches the upstream source. The local buffer is cleared
// first so frames of the old source are never rendered after the switch.
func (s *Session) SetSource(ctx context.Context, k source.Kind) error {
	if _, err := k.MarshalText(); err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		if k != s.source {
			s.switchSource(k)
		}
		return s.send(ctx, channel.EventSetSource, channel.SourcePayload{Source: k.String()})
	})
}

// SetSpeed changes the local consumption rate and asks the upstream to
// produce at the same rate.
func (s *Session) SetSpeed(ctx context.Context, sp playback.Speed) error {
	if !sp.Valid() {
		return errors.Wrapf(playback.ErrInvalidSpeed, "%g", float64(sp))
	}
	return s.do(ctx, func(ctx context.Context) error {
		_ = s.player.SetSpeed(sp)
		s.playState.Speed = sp
		s.notify(UpdatePlayback, nil)
		return s.send(ctx, channel.EventSetSpeed, channel.SpeedPayload{Speed: float64(sp)})
	})
}

func (s *Session) PlayPause(ctx context.Context, playing bool) error {
	return s.do(ctx, func(ctx context.Context) error {
		s.player.SetPlaying(playing)
		s.playState.IsPlaying = playing
		s.notify(UpdatePlayback, nil)
		return s.send(ctx, channel.EventPlayPause, channel.PlayPausePayload{IsPlaying: playing})
	})
}

// Seek asks the upstream to jump to position in [0, 1]. Buffered frames
// predate the jump and are discarded.
func (s *Session) Seek(ctx context.Context, position float64) error {
	if math.IsNaN(position) || position < 0 || position > 1 {
		return errors.Errorf("seek position %g outside [0, 1]", position)
	}
	return s.do(ctx, func(ctx context.Context) error {
		s.buffer.Clear()
		s.player.Reset()
		return s.send(ctx, channel.EventSeek, channel.SeekPayload{Position: position})
	})
}

func (s *Session) SetResolution(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("invalid resolution %dx%d", width, height)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.send(ctx, channel.EventSetResolution, channel.ResolutionPayload{Width: width, Height: height})
	})
}

// StartWebRTC negotiates the data channel transport. A nil signaler trickles
// over the event channel. The exchange runs in the background; progress is
// reported as UpdateSignaling.
func (s *Session) StartWebRTC(ctx context.Context, sig signaling.Signaler) error {
	return s.do(ctx, func(context.Context) error {
		if s.rtc != nil && !s.rtc.State().Terminal() {
			return errors.New("webrtc session already active")
		}
		if s.rtc != nil {
			_ = s.rtc.Close()
		}
		if sig == nil {
			sig = signaling.ChannelSignaler{Transport: s.transport}
		}

		pc, err := s.newPeer(s.onDataChannelFrame)
		if err != nil {
			return errors.Wrap(err, "failed to create peer connection")
		}

		var rtc *signaling.Session
		rtc = signaling.NewSession(pc, sig, func(state signaling.State, err error) {
			s.queueSignaling(signalingEvent{session: rtc, state: state, err: err})
		})
		s.rtc = rtc
		s.rtcState = signaling.StateNew
		s.rtcErr = ""

		go func() {
			if err := rtc.Start(context.Background()); err != nil {
				s.log.WithError(err).Warn("WebRTC negotiation failed")
			}
		}()
		return nil
	})
}

func (s *Session) onDataChannelFrame(payload []byte) {
	frame := append([]byte(nil), payload...)
	select {
	case s.rtcFrames <- frame:
	case <-s.done:
	default:
		s.log.Debug("Data channel frame dropped, session busy")
	}
}
