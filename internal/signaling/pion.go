package signaling

import (
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FramesLabel names the data channel that carries JPEG frames.
const FramesLabel = "frames"

// Config holds the ICE settings shared by both peers.
type Config struct {
	STUNURLs []string `mapstructure:"stun_urls"`
}

func DefaultConfig() Config {
	return Config{STUNURLs: []string{"stun:stun.l.google.com:19302"}}
}

// WebRTCConfiguration converts c into a pion configuration.
func (c Config) WebRTCConfiguration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.STUNURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.STUNURLs}}
	}
	return cfg
}

// NewPeerConnection creates a pion peer connection with c's ICE servers.
func NewPeerConnection(c Config) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(c.WebRTCConfiguration())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		logrus.WithField("state", s.String()).Debug("ICE connection state changed")
	})
	return pc, nil
}

// FramesChannelInit configures the frames data channel: delivery stays in
// send order, and a lost frame is never retransmitted.
func FramesChannelInit() *webrtc.DataChannelInit {
	ordered := true
	var retransmits uint16
	return &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits}
}

// NewOfferer creates the viewer side peer connection together with the
// frames data channel. Every message received on it is passed to onFrame.
func NewOfferer(c Config, onFrame func([]byte)) (*webrtc.PeerConnection, error) {
	pc, err := NewPeerConnection(c)
	if err != nil {
		return nil, err
	}

	dc, err := pc.CreateDataChannel(FramesLabel, FramesChannelInit())
	if err != nil {
		_ = pc.Close()
		return nil, errors.Wrap(err, "failed to create frames data channel")
	}
	dc.OnOpen(func() {
		logrus.WithField("label", dc.Label()).Info("Frames data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString || len(msg.Data) == 0 {
			return
		}
		onFrame(msg.Data)
	})
	return pc, nil
}
