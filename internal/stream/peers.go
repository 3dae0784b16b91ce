package stream

import (
	"context"
	"sync"

	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/keymutex"
)

// maxBufferedAmount bounds how much a data channel may queue before frames
// are skipped for that peer.
const maxBufferedAmount = 1 << 20

var ErrPeerNotFound = errors.New("peer not found")

// CandidateFunc receives local ICE candidates for trickle signaling.
type CandidateFunc func(webrtc.ICECandidateInit)

type peer struct {
	id   string
	pc   *webrtc.PeerConnection
	stop chan struct{}
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.stop)
		if err := p.pc.Close(); err != nil {
			logrus.WithError(err).WithField("peer", p.id).Warn("Failed to close peer connection")
		}
	})
}

// PeerManager answers WebRTC offers and streams frames to each peer over
// its frames data channel.
type PeerManager struct {
	engine *Engine
	cfg    signaling.Config
	locks  keymutex.KeyMutex

	mu    sync.RWMutex
	peers map[string]*peer
}

func NewPeerManager(engine *Engine, cfg signaling.Config) *PeerManager {
	return &PeerManager{
		engine: engine,
		cfg:    cfg,
		locks:  keymutex.NewHashed(0),
		peers:  make(map[string]*peer),
	}
}

// Answer negotiates the peer id for offer, replacing any previous peer with
// the same id. With a trickle func, local candidates are delivered through
// it; without one, Answer waits for gathering so the returned description
// carries every candidate. onOpen, if set, runs when the frames channel
// opens.
func (m *PeerManager) Answer(ctx context.Context, id string, offer webrtc.SessionDescription, trickle CandidateFunc, onOpen func()) (webrtc.SessionDescription, error) {
	m.locks.LockKey(id)
	defer m.locks.UnlockKey(id)

	logger := logrus.WithField("peer", id)
	m.remove(id)

	pc, err := signaling.NewPeerConnection(m.cfg)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	p := &peer{id: id, pc: pc, stop: make(chan struct{})}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != signaling.FramesLabel {
			logger.WithField("label", dc.Label()).Debug("Ignoring data channel")
			return
		}
		dc.OnOpen(func() {
			logger.Info("Frames data channel open")
			if onOpen != nil {
				onOpen()
			}
			go m.pump(p, dc)
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.WithField("state", s.String()).Info("Peer connection state changed")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			go m.removePeer(p)
		}
	})

	if trickle != nil {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c != nil {
				trickle(c.ToJSON())
			}
		})
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		p.close()
		return webrtc.SessionDescription{}, errors.Wrap(err, "failed to set remote description")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.close()
		return webrtc.SessionDescription{}, errors.Wrap(err, "failed to create answer")
	}

	var gathered <-chan struct{}
	if trickle == nil {
		gathered = webrtc.GatheringCompletePromise(pc)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		p.close()
		return webrtc.SessionDescription{}, errors.Wrap(err, "failed to set local description")
	}
	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			p.close()
			return webrtc.SessionDescription{}, errors.Wrap(ctx.Err(), "ICE gathering did not complete")
		}
	}

	m.mu.Lock()
	m.peers[id] = p
	m.mu.Unlock()

	logger.WithField("trickle", trickle != nil).Info("WebRTC peer answered")
	return *pc.LocalDescription(), nil
}

// AddCandidate adds a remote candidate to peer id.
func (m *PeerManager) AddCandidate(id string, c webrtc.ICECandidateInit) error {
	m.locks.LockKey(id)
	defer m.locks.UnlockKey(id)

	m.mu.RLock()
	p, ok := m.peers[id]
	m.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrPeerNotFound, id)
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return errors.Wrap(err, "failed to add ICE candidate")
	}
	return nil
}

// Remove closes and forgets peer id.
func (m *PeerManager) Remove(id string) {
	m.locks.LockKey(id)
	defer m.locks.UnlockKey(id)
	m.remove(id)
}

// removePeer removes p only if it is still the peer registered under its id.
func (m *PeerManager) removePeer(p *peer) {
	m.locks.LockKey(p.id)
	defer m.locks.UnlockKey(p.id)

	m.mu.RLock()
	current := m.peers[p.id]
	m.mu.RUnlock()
	if current == p {
		m.remove(p.id)
		return
	}
	p.close()
}

func (m *PeerManager) remove(id string) {
	m.mu.Lock()
	p, ok := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()

	if ok {
		p.close()
		logrus.WithField("peer", id).Info("WebRTC peer removed")
	}
}

func (m *PeerManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Close removes every peer.
func (m *PeerManager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Remove(id)
	}
}

func (m *PeerManager) pump(p *peer, dc *webrtc.DataChannel) {
	subID := "webrtc-" + p.id
	frames := m.engine.SubscribeFrames(subID, 2)
	defer m.engine.UnsubscribeFrames(subID)

	for {
		select {
		case <-p.stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if dc.BufferedAmount() > maxBufferedAmount {
				continue
			}
			if err := dc.Send(f.JPEG); err != nil {
				logrus.WithError(err).WithField("peer", p.id).Debug("Frames data channel send failed")
				return
			}
		}
	}
}
