package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu          sync.Mutex
	offerErr    error
	remoteErr   error
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	added       []string
	closed      int
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
}

func (f *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &d
	return nil
}

func (f *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	return nil
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Adding a candidate without a remote description is an error in pion.
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.added = append(f.added, c.Candidate)
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onCandidate = fn }

func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type fakeSignaler struct {
	mu         sync.Mutex
	answer     *webrtc.SessionDescription
	offerErr   error
	offers     int
	candidates []string
	block      bool

	// beforeReturn runs inside SendOffer, as a remote answer racing the
	// offer write would.
	beforeReturn func()
}

func (f *fakeSignaler) SendOffer(ctx context.Context, _ webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	f.offers++
	f.mu.Unlock()
	return f.answer, f.offerErr
}

func (f *fakeSignaler) SendCandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

type stateLog struct {
	mu     sync.Mutex
	states []State
	err    error
}

func (l *stateLog) record(s State, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
	if err != nil {
		l.err = err
	}
}

func hostCandidate(port uint16) *webrtc.ICECandidate {
	return &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "127.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

var answer = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}

func TestSessionAsyncExchange(t *testing.T) {
	pc := &fakePeer{}
	sig := &fakeSignaler{}
	log := &stateLog{}
	s := NewSession(pc, sig, log.record)
	assert.Equal(t, StateNew, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateAwaitingAnswer, s.State())

	// Remote candidates before the answer are held back.
	require.NoError(t, s.HandleRemoteCandidate(webrtc.ICECandidateInit{Candidate: "r1"}))
	require.NoError(t, s.HandleRemoteCandidate(webrtc.ICECandidateInit{Candidate: "r2"}))
	assert.Equal(t, 2, s.PendingRemote())
	assert.Empty(t, pc.added)

	require.NoError(t, s.HandleAnswer(*answer))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{"r1", "r2"}, pc.added)
	assert.Equal(t, 0, s.PendingRemote())

	require.NoError(t, s.HandleRemoteCandidate(webrtc.ICECandidateInit{Candidate: "r3"}))
	assert.Equal(t, []string{"r1", "r2", "r3"}, pc.added)

	assert.Equal(t, []State{StateOffering, StateAwaitingAnswer, StateConnected}, log.states)
}

func TestSessionSynchronousAnswer(t *testing.T) {
	pc := &fakePeer{}
	s := NewSession(pc, &fakeSignaler{answer: answer}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	require.NotNil(t, pc.remote)
	assert.Equal(t, "v=0 answer", pc.remote.SDP)
}

func TestSessionBuffersEarlyLocalCandidates(t *testing.T) {
	pc := &fakePeer{}
	sig := &fakeSignaler{}
	s := NewSession(pc, sig, nil)

	pc.onCandidate(hostCandidate(1000))
	pc.onCandidate(hostCandidate(1001))
	pc.onCandidate(nil)
	assert.Empty(t, sig.candidates)

	require.NoError(t, s.Start(context.Background()))
	require.Len(t, sig.candidates, 2)
	assert.Contains(t, sig.candidates[0], "1000")
	assert.Contains(t, sig.candidates[1], "1001")

	pc.onCandidate(hostCandidate(1002))
	require.Len(t, sig.candidates, 3)
}

func TestSessionFailures(t *testing.T) {
	t.Run("offer creation", func(t *testing.T) {
		log := &stateLog{}
		s := NewSession(&fakePeer{offerErr: errors.New("boom")}, &fakeSignaler{}, log.record)
		assert.Error(t, s.Start(context.Background()))
		assert.Equal(t, StateFailed, s.State())
		assert.Contains(t, s.Err().Error(), "create offer")
		assert.Error(t, log.err)
	})

	t.Run("signaling transport", func(t *testing.T) {
		s := NewSession(&fakePeer{}, &fakeSignaler{offerErr: errors.New("unreachable")}, nil)
		assert.Error(t, s.Start(context.Background()))
		assert.Equal(t, StateFailed, s.State())
	})

	t.Run("bad answer", func(t *testing.T) {
		s := NewSession(&fakePeer{remoteErr: errors.New("bad sdp")}, &fakeSignaler{}, nil)
		require.NoError(t, s.Start(context.Background()))
		assert.Error(t, s.HandleAnswer(*answer))
		assert.Equal(t, StateFailed, s.State())
	})

	t.Run("ice failure", func(t *testing.T) {
		pc := &fakePeer{}
		s := NewSession(pc, &fakeSignaler{answer: answer}, nil)
		require.NoError(t, s.Start(context.Background()))
		pc.onState(webrtc.PeerConnectionStateFailed)
		assert.Equal(t, StateFailed, s.State())
		assert.Contains(t, s.Err().Error(), "peer connection failed")
	})

	t.Run("answer before offer", func(t *testing.T) {
		s := NewSession(&fakePeer{}, &fakeSignaler{}, nil)
		assert.ErrorIs(t, s.HandleAnswer(*answer), ErrInvalidState)
	})
}

func TestSessionAcceptsAnswerDuringSendOffer(t *testing.T) {
	pc := &fakePeer{}
	sig := &fakeSignaler{}
	log := &stateLog{}
	s := NewSession(pc, sig, log.record)

	var answerErr error
	sig.beforeReturn = func() {
		require.NoError(t, s.HandleRemoteCandidate(webrtc.ICECandidateInit{Candidate: "r1"}))
		answerErr = s.HandleAnswer(*answer)
	}
	pc.onCandidate(hostCandidate(1000))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, answerErr)
	assert.Equal(t, StateConnected, s.State())
	require.NotNil(t, pc.remote)
	assert.Equal(t, []string{"r1"}, pc.added)
	// The local candidate still goes out after the offer.
	require.Len(t, sig.candidates, 1)
	assert.Equal(t, []State{StateOffering, StateAwaitingAnswer, StateConnected}, log.states)
}

func TestSessionConnectedByConnectionState(t *testing.T) {
	pc := &fakePeer{}
	s := NewSession(pc, &fakeSignaler{}, nil)
	require.NoError(t, s.Start(context.Background()))

	pc.onState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, s.State())

	pc.onState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, StateConnected, s.State())
}

func TestSessionCloseIdempotent(t *testing.T) {
	pc := &fakePeer{}
	log := &stateLog{}
	s := NewSession(pc, &fakeSignaler{}, log.record)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.HandleRemoteCandidate(webrtc.ICECandidateInit{Candidate: "r1"}))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, pc.closed)
	assert.Equal(t, 0, s.PendingRemote())

	assert.ErrorIs(t, s.HandleAnswer(*answer), ErrClosed)
	assert.ErrorIs(t, s.HandleRemoteCandidate(webrtc.ICECandidateInit{Candidate: "r2"}), ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)

	// Connection state noise after teardown is ignored.
	pc.onState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, StateClosed, log.states[len(log.states)-1])
}

func TestSessionCloseCancelsPendingOffer(t *testing.T) {
	s := NewSession(&fakePeer{}, &fakeSignaler{block: true}, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == StateAwaitingAnswer }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Equal(t, StateClosed, s.State())
}

func TestHTTPSignaler(t *testing.T) {
	var gotCandidate webrtc.ICECandidateInit
	mux := http.NewServeMux()
	mux.HandleFunc(OfferPath, func(w http.ResponseWriter, r *http.Request) {
		var offer webrtc.SessionDescription
		require.NoError(t, json.NewDecoder(r.Body).Decode(&offer))
		assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
		_ = json.NewEncoder(w).Encode(Answer{SessionDescription: *answer, PeerID: "peer-1"})
	})
	mux.HandleFunc(CandidatePath+"peer-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotCandidate)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sig, err := NewHTTPSignaler(srv.URL+"/", srv.Client())
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, sig.SendCandidate(ctx, webrtc.ICECandidateInit{Candidate: "early"}))

	got, err := sig.SendOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})
	require.NoError(t, err)
	assert.Equal(t, answer.SDP, got.SDP)

	require.NoError(t, sig.SendCandidate(ctx, webrtc.ICECandidateInit{Candidate: "c1"}))
	assert.Equal(t, "c1", gotCandidate.Candidate)
}

func TestHTTPSignalerRejectsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no peers allowed", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sig, err := NewHTTPSignaler(srv.URL, srv.Client())
	require.NoError(t, err)
	_, err = sig.SendOffer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
