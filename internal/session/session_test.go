package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []channel.Message
	in        chan channel.Message
	connected atomic.Bool
	once      sync.Once
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{in: make(chan channel.Message, 64)}
	t.connected.Store(true)
	return t
}

func (f *fakeTransport) Send(_ context.Context, event string, data interface{}) error {
	msg, err := channel.NewMessage(event, data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Incoming() <-chan channel.Message { return f.in }

func (f *fakeTransport) IsConnected() bool { return f.connected.Load() }

func (f *fakeTransport) Close() error {
	f.once.Do(func() {
		f.connected.Store(false)
		close(f.in)
	})
	return nil
}

func (f *fakeTransport) push(t *testing.T, event string, data interface{}) {
	t.Helper()
	msg, err := channel.NewMessage(event, data)
	require.NoError(t, err)
	f.in <- msg
}

func (f *fakeTransport) pushRaw(event, raw string) {
	f.in <- channel.Message{Event: event, Data: json.RawMessage(raw)}
}

func (f *fakeTransport) events(event string) []channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []channel.Message
	for _, m := range f.sent {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type fixedSampler struct {
	sample netquality.Sample
	calls  atomic.Int32
}

func (f *fixedSampler) Sample(context.Context) netquality.Sample {
	f.calls.Add(1)
	return f.sample
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recorder) Render(f playback.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, f.Seq)
}

func (r *recorder) rendered() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

type harness struct {
	t       *testing.T
	tr      *fakeTransport
	clk     *testingclock.FakeClock
	sampler *fixedSampler
	rec     *recorder
	s       *Session
	runErr  chan error
}

func start(t *testing.T, cfg Config, sample netquality.Sample, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		tr:      newFakeTransport(),
		clk:     testingclock.NewFakeClock(time.Unix(1000, 0)),
		sampler: &fixedSampler{sample: sample},
		rec:     &recorder{},
		runErr:  make(chan error, 1),
	}
	opts = append([]Option{WithClock(h.clk)}, opts...)
	h.s = New(h.tr, h.sampler, h.rec, cfg, opts...)

	go func() { h.runErr <- h.s.Run(context.Background()) }()
	require.Eventually(t, h.clk.HasWaiters, waitFor, tick)
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

func (h *harness) snapshot() Status {
	h.t.Helper()
	st, err := h.s.Snapshot(context.Background())
	require.NoError(h.t, err)
	return st
}

func image(b byte) string {
	return channel.EncodeImage([]byte{0xff, 0xd8, b})
}

var (
	goodSample = netquality.Sample{BandwidthMbps: 6, LatencyMs: 50, PacketLossPct: 0.5}
	poorSample = netquality.Sample{BandwidthMbps: 1, LatencyMs: 250, PacketLossPct: 8}
)

func manualConfig(level quality.Level) Config {
	cfg := DefaultConfig()
	cfg.Controller = quality.Options{InitialLevel: level, InitialMode: quality.Manual}
	return cfg
}

func adaptiveConfig(level quality.Level) Config {
	cfg := DefaultConfig()
	cfg.Controller = quality.Options{InitialLevel: level, InitialMode: quality.Adaptive, StabilityPeriod: 5 * time.Second}
	return cfg
}

func TestRendersFramesInOrder(t *testing.T) {
	h := start(t, manualConfig(quality.Medium), goodSample)

	for i := byte(1); i <= 3; i++ {
		h.tr.push(t, channel.EventImage, image(i))
	}
	require.Eventually(t, func() bool { return h.snapshot().BufferLen == 3 }, waitFor, tick)

	for want := 1; want <= 3; want++ {
		h.clk.Step(40 * time.Millisecond)
		require.Eventually(t, func() bool { return len(h.rec.rendered()) == want }, waitFor, tick)
	}
	assert.Equal(t, []uint64{1, 2, 3}, h.rec.rendered())
	assert.Equal(t, 0, h.snapshot().BufferLen)
}

func TestPausedSessionDoesNotRender(t *testing.T) {
	h := start(t, manualConfig(quality.Medium), goodSample)

	require.NoError(t, h.s.PlayPause(context.Background(), false))
	h.tr.push(t, channel.EventImage, image(1))
	require.Eventually(t, func() bool { return h.snapshot().BufferLen == 1 }, waitFor, tick)

	h.clk.Step(time.Second)
	st := h.snapshot()
	assert.Equal(t, 1, st.BufferLen)
	assert.Empty(t, h.rec.rendered())
	assert.False(t, st.Playback.IsPlaying)

	msgs := h.tr.events(channel.EventPlayPause)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"is_playing":false}`, string(msgs[0].Data))
}

func TestAdaptiveSampleRequestsQuality(t *testing.T) {
	h := start(t, adaptiveConfig(quality.Medium), goodSample)

	require.Eventually(t, func() bool { return len(h.tr.events(channel.EventSetQuality)) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"quality":"high"}`, string(h.tr.events(channel.EventSetQuality)[0].Data))

	metrics := h.tr.events(channel.EventNetworkMetrics)
	require.NotEmpty(t, metrics)
	assert.JSONEq(t, `{"latency":50,"packet_loss":0.5,"bandwidth":6}`, string(metrics[0].Data))

	modes := h.tr.events(channel.EventSetControlMode)
	require.NotEmpty(t, modes)
	assert.JSONEq(t, `{"mode":"adaptive"}`, string(modes[0].Data))

	st := h.snapshot()
	assert.Equal(t, quality.High, st.Quality)
	assert.True(t, st.HasSample)

	err := h.s.SetQuality(context.Background(), quality.Low)
	assert.ErrorIs(t, err, quality.ErrAdaptiveMode)
}

func TestManualModeIgnoresSamples(t *testing.T) {
	h := start(t, manualConfig(quality.High), poorSample)

	require.Eventually(t, func() bool { return len(h.tr.events(channel.EventNetworkMetrics)) >= 1 }, waitFor, tick)
	h.clk.Step(5 * time.Second)
	require.Eventually(t, func() bool { return h.sampler.calls.Load() >= 2 }, waitFor, tick)

	assert.Empty(t, h.tr.events(channel.EventSetQuality))
	assert.Equal(t, quality.High, h.snapshot().Quality)

	ctx := context.Background()
	require.NoError(t, h.s.SetQuality(ctx, quality.Low))
	require.Len(t, h.tr.events(channel.EventSetQuality), 1)
	assert.Equal(t, quality.Low, h.snapshot().Quality)

	// Switching to adaptive re-evaluates the poor sample, which keeps Low.
	require.NoError(t, h.s.SetControlMode(ctx, quality.Adaptive))
	assert.Equal(t, quality.Adaptive, h.snapshot().Mode)
	assert.Len(t, h.tr.events(channel.EventSetQuality), 1)
	modes := h.tr.events(channel.EventSetControlMode)
	assert.JSONEq(t, `{"mode":"adaptive"}`, string(modes[len(modes)-1].Data))
}

func TestReconcileVideoInfo(t *testing.T) {
	h := start(t, manualConfig(quality.Medium), goodSample)

	h.tr.push(t, channel.EventImage, image(1))
	h.tr.push(t, channel.EventImage, image(2))
	require.Eventually(t, func() bool { return h.snapshot().BufferLen == 2 }, waitFor, tick)

	// A camera snapshot carries no timeline; the switch clears the buffer.
	h.tr.pushRaw(channel.EventVideoInfo, `{"source":"camera","is_playing":true,"quality":"low","control_mode":"manual","width":640,"height":360}`)
	require.Eventually(t, func() bool { return h.snapshot().Source == source.Camera }, waitFor, tick)
	st := h.snapshot()
	assert.Equal(t, 0, st.BufferLen)
	assert.True(t, st.Playback.IsPlaying)
	assert.Equal(t, quality.Low, st.ActiveQuality)
	assert.Equal(t, quality.Medium, st.Quality)

	h.tr.pushRaw(channel.EventVideoInfo, `{"source":"video","current_frame":5,"total_frames":10,"is_playing":false,"playback_speed":2}`)
	require.Eventually(t, func() bool { return h.snapshot().Source == source.Video }, waitFor, tick)
	st = h.snapshot()
	assert.False(t, st.Playback.IsPlaying)
	assert.Equal(t, playback.Speed(2), st.Playback.Speed)
	assert.Equal(t, 5, st.Playback.CurrentFrame)
	assert.Equal(t, 10, st.Playback.TotalFrames)

	// A partial snapshot without is_playing reads as paused.
	h.tr.pushRaw(channel.EventVideoInfo, `{"is_playing":true}`)
	require.Eventually(t, func() bool { return h.snapshot().Playback.IsPlaying }, waitFor, tick)
	h.tr.pushRaw(channel.EventVideoInfo, `{"current_frame":7}`)
	require.Eventually(t, func() bool { return h.snapshot().Playback.CurrentFrame == 7 }, waitFor, tick)
	assert.False(t, h.snapshot().Playback.IsPlaying)
	assert.Equal(t, source.Video, h.snapshot().Source)

	// Garbage never breaks the session.
	h.tr.pushRaw(channel.EventVideoInfo, `not json`)
	require.Eventually(t, func() bool { return h.snapshot().Playback.TotalFrames == 0 }, waitFor, tick)
	assert.False(t, h.snapshot().Playback.IsPlaying)
}

func TestSeekAndSourceSwitchClearBuffer(t *testing.T) {
	h := start(t, manualConfig(quality.Medium), goodSample)
	ctx := context.Background()

	h.tr.push(t, channel.EventImage, image(1))
	h.tr.push(t, channel.EventImage, image(2))
	require.Eventually(t, func() bool { return h.snapshot().BufferLen == 2 }, waitFor, tick)

	require.NoError(t, h.s.Seek(ctx, 0.5))
	assert.Equal(t, 0, h.snapshot().BufferLen)
	require.Len(t, h.tr.events(channel.EventSeek), 1)
	assert.JSONEq(t, `{"position":0.5}`, string(h.tr.events(channel.EventSeek)[0].Data))
	assert.Error(t, h.s.Seek(ctx, 1.5))

	h.tr.push(t, channel.EventImage, image(3))
	require.Eventually(t, func() bool { return h.snapshot().BufferLen == 1 }, waitFor, tick)
	require.NoError(t, h.s.SetSource(ctx, source.Camera))
	assert.Equal(t, 0, h.snapshot().BufferLen)
	assert.JSONEq(t, `{"source":"camera"}`, string(h.tr.events(channel.EventSetSource)[0].Data))

	require.NoError(t, h.s.SetSpeed(ctx, 1.5))
	assert.Equal(t, playback.Speed(1.5), h.snapshot().Playback.Speed)
	assert.ErrorIs(t, h.s.SetSpeed(ctx, 3), playback.ErrInvalidSpeed)

	require.NoError(t, h.s.SetResolution(ctx, 1280, 720))
	assert.JSONEq(t, `{"width":1280,"height":720}`, string(h.tr.events(channel.EventSetResolution)[0].Data))
}

func TestBufferOverflowIsSilent(t *testing.T) {
	cfg := manualConfig(quality.Medium)
	cfg.BufferCapacity = 2
	h := start(t, cfg, goodSample)

	for i := byte(1); i <= 4; i++ {
		h.tr.push(t, channel.EventImage, image(i))
	}
	require.Eventually(t, func() bool { return h.snapshot().Dropped == 2 }, waitFor, tick)
	st := h.snapshot()
	assert.Equal(t, 2, st.BufferLen)
	assert.Equal(t, 100.0, st.FillLevel)
}

func TestDisconnectNotifiesObservers(t *testing.T) {
	h := start(t, manualConfig(quality.Medium), goodSample)

	var mu sync.Mutex
	var updates []Update
	unsubscribe := h.s.Subscribe(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})
	defer unsubscribe()

	_ = h.tr.Close()
	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	var conn []Update
	for _, u := range updates {
		if u.Kind == UpdateConnection {
			conn = append(conn, u)
		}
	}
	require.Len(t, conn, 1)
	assert.False(t, conn[0].Status.Connected)
	assert.ErrorIs(t, conn[0].Err, ErrDisconnected)

	assert.ErrorIs(t, h.s.PlayPause(context.Background(), true), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := start(t, manualConfig(quality.Medium), goodSample)

	calls := 0
	unsubscribe := h.s.Subscribe(func(Update) { calls++ })
	unsubscribe()

	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())
	assert.NoError(t, <-h.runErr)
	assert.False(t, h.tr.IsConnected())
	assert.Zero(t, calls)

	_, err := h.s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Error(t, h.s.Run(context.Background()))
}

func TestCommandsBeforeRun(t *testing.T) {
	s := New(newFakeTransport(), nil, nil, DefaultConfig())
	assert.ErrorIs(t, s.Seek(context.Background(), 0.1), ErrNotRunning)
	assert.NoError(t, s.Close())
}

type fakePeer struct {
	mu      sync.Mutex
	remote  *webrtc.SessionDescription
	onState func(webrtc.PeerConnectionState)
	closed  bool
}

func (f *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}
func (f *fakePeer) SetLocalDescription(webrtc.SessionDescription) error { return nil }
func (f *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	return nil
}
func (f *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error               { return nil }
func (f *fakePeer) OnICECandidate(func(*webrtc.ICECandidate))                   {}
func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }
func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestWebRTCOverEventChannel(t *testing.T) {
	pc := &fakePeer{}
	var onFrame func([]byte)
	factory := func(fn func([]byte)) (signaling.PeerConnection, error) {
		onFrame = fn
		return pc, nil
	}
	h := start(t, manualConfig(quality.Medium), goodSample, WithPeerFactory(factory))

	var mu sync.Mutex
	var states []signaling.State
	h.s.Subscribe(func(u Update) {
		if u.Kind != UpdateSignaling {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		states = append(states, u.Status.Signaling)
	})

	ctx := context.Background()
	require.NoError(t, h.s.StartWebRTC(ctx, nil))
	require.Eventually(t, func() bool { return len(h.tr.events(channel.EventWebRTCOffer)) == 1 }, waitFor, tick)
	assert.Contains(t, string(h.tr.events(channel.EventWebRTCOffer)[0].Data), `"type":"offer"`)
	require.Eventually(t, func() bool { return h.snapshot().Signaling == signaling.StateAwaitingAnswer }, waitFor, tick)

	assert.Error(t, h.s.StartWebRTC(ctx, nil))

	h.tr.pushRaw(channel.EventWebRTCAnswer, `{"type":"answer","sdp":"v=0 answer"}`)
	require.Eventually(t, func() bool { return h.snapshot().Signaling == signaling.StateConnected }, waitFor, tick)

	// Data channel frames join the same buffer and sequence.
	h.tr.push(t, channel.EventImage, image(1))
	onFrame([]byte{0xff, 0xd8, 0x02})
	require.Eventually(t, func() bool { return h.snapshot().BufferLen == 2 }, waitFor, tick)

	require.NoError(t, h.s.Close())
	pc.mu.Lock()
	assert.True(t, pc.closed)
	pc.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, signaling.StateConnected)
}

func TestSignalingUpdatesAreNeverDropped(t *testing.T) {
	s := New(newFakeTransport(), &fixedSampler{}, nil, manualConfig(quality.Medium))

	// Far more updates than the loop could take before draining, ending
	// in a terminal failure.
	for i := 0; i < 50; i++ {
		s.queueSignaling(signalingEvent{state: signaling.StateAwaitingAnswer})
	}
	s.queueSignaling(signalingEvent{state: signaling.StateFailed, err: signaling.ErrInvalidState})

	assert.Len(t, s.rtcWake, 1)
	evs := s.takeSignaling()
	require.Len(t, evs, 51)
	assert.Equal(t, signaling.StateFailed, evs[50].state)
	assert.ErrorIs(t, evs[50].err, signaling.ErrInvalidState)
	assert.Empty(t, s.takeSignaling())
}
