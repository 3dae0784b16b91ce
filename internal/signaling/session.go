package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State of a signaling session.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAwaitingAnswer
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

var (
	ErrClosed       = errors.New("signaling session closed")
	ErrInvalidState = errors.New("invalid signaling state")
)

// PeerConnection is the part of *webrtc.PeerConnection the session drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Signaler carries offers and candidates to the remote peer. SendOffer
// returns the answer when the exchange is synchronous, or nil when the
// answer arrives later through HandleAnswer.
type Signaler interface {
	SendOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
}

// StateFunc observes state transitions. err is set when entering StateFailed.
type StateFunc func(state State, err error)

// Session runs one offer/answer/ICE exchange as the offering side. Remote
// candidates that arrive before the answer is applied, and local candidates
// gathered before the offer went out, are buffered and flushed in order.
type Session struct {
	id      string
	pc      PeerConnection
	sig     Signaler
	onState StateFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	err           error
	offerSent     bool
	remoteSet     bool
	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
}

func NewSession(pc PeerConnection, sig Signaler, onState StateFunc) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		pc:      pc,
		sig:     sig,
		onState: onState,
		ctx:     ctx,
		cancel:  cancel,
	}
	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure reason once the session is in StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// PendingRemote returns how many remote candidates wait for the answer.
func (s *Session) PendingRemote() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingRemote)
}

// Start creates the offer and sends it. When the signaler answers
// synchronously the answer is applied before Start returns. Local
// candidates are held back until SendOffer returned.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transition(StateNew, StateOffering); err != nil {
		return err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return s.fail(errors.Wrap(err, "failed to create offer"))
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return s.fail(errors.Wrap(err, "failed to set local description"))
	}

	ctx, stop := s.bind(ctx)
	defer stop()

	// The answer may come back through HandleAnswer while SendOffer is
	// still writing, so the session waits for it before sending.
	if err := s.transition(StateOffering, StateAwaitingAnswer); err != nil {
		return err
	}

	answer, err := s.sig.SendOffer(ctx, offer)
	if err != nil {
		if s.State() == StateClosed {
			return ErrClosed
		}
		return s.fail(errors.Wrap(err, "failed to send offer"))
	}

	s.mu.Lock()
	s.offerSent = true
	local := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()

	for _, c := range local {
		s.sendCandidate(c)
	}

	if answer != nil {
		return s.HandleAnswer(*answer)
	}
	return nil
}

// HandleAnswer applies the remote answer and flushes buffered remote
// candidates.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case s.state != StateAwaitingAnswer:
		state := s.state
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "answer received in state %s", state)
	}
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return s.fail(errors.Wrap(err, "failed to set remote description"))
	}

	s.mu.Lock()
	s.remoteSet = true
	remote := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	for _, c := range remote {
		s.addRemote(c)
	}

	// The connection state callback may already have moved us on.
	_ = s.transition(StateAwaitingAnswer, StateConnected)
	return nil
}

// HandleRemoteCandidate adds a remote ICE candidate, buffering it until the
// remote description is set.
func (s *Session) HandleRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.addRemote(c)
	return nil
}

// Close tears the session down from any state. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.pendingLocal = nil
	s.pendingRemote = nil
	s.mu.Unlock()

	s.cancel()
	err := s.pc.Close()
	s.notify(StateClosed, nil)
	logrus.WithField("session", s.id).Debug("Signaling session closed")
	return err
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if !s.offerSent {
		s.pendingLocal = append(s.pendingLocal, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sendCandidate(init)
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	logrus.WithFields(logrus.Fields{
		"session": s.id,
		"state":   state.String(),
	}).Debug("Peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.state.Terminal() || s.state == StateConnected {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.mu.Unlock()
		s.notify(StateConnected, nil)
	case webrtc.PeerConnectionStateFailed:
		_ = s.fail(errors.New("peer connection failed: ICE could not establish a path"))
	}
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	if err := s.sig.SendCandidate(s.ctx, c); err != nil {
		logrus.WithError(err).WithField("session", s.id).Warn("Failed to send ICE candidate")
	}
}

func (s *Session) addRemote(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		logrus.WithError(err).WithField("session", s.id).Warn("Failed to add remote ICE candidate")
	}
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	if s.state != from {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return ErrClosed
		}
		return errors.Wrapf(ErrInvalidState, "cannot move from %s to %s", state, to)
	}
	s.state = to
	s.mu.Unlock()
	s.notify(to, nil)
	return nil
}

// fail moves to StateFailed unless already terminal, and returns err.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return err
	}
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()

	logrus.WithError(err).WithField("session", s.id).Warn("Signaling failed")
	s.notify(StateFailed, err)
	return err
}

func (s *Session) notify(state State, err error) {
	if s.onState != nil {
		s.onState(state, err)
	}
}

// bind returns a context cancelled by either ctx or Close.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
