package handlers

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/playback"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// channelFrameSlots is the per-client frame queue. Slow clients skip frames
// instead of queueing them.
const channelFrameSlots = 2

// ChannelHandlers serves the WebSocket event channel.
type ChannelHandlers struct {
	engine   StreamEngine
	webrtc   *WebRTCHandlers
	peers    PeerService
	upgrader websocket.Upgrader
}

func NewChannelHandlers(engine StreamEngine, peers PeerService) *ChannelHandlers {
	return &ChannelHandlers{
		engine: engine,
		webrtc: NewWebRTCHandlers(peers),
		peers:  peers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
}

// channelClient is the per-connection state of one event channel.
type channelClient struct {
	id         string
	conn       *channel.Conn
	usedWebRTC bool

	// rtcOpen is set once the client's frames data channel is open; image
	// events stop from then on.
	rtcOpen atomic.Bool
}

// HandleEvents upgrades to the event channel and relays frames and
// video_info snapshots until the client goes away.
func (h *ChannelHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade event channel: %v", err)
		return
	}

	c := &channelClient{id: uuid.NewString(), conn: channel.NewConn(ws)}
	defer c.conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subID := "ws-" + c.id
	frames := h.engine.SubscribeFrames(subID, channelFrameSlots)
	defer h.engine.UnsubscribeFrames(subID)
	infos := h.engine.SubscribeInfo(subID)
	defer h.engine.UnsubscribeInfo(subID)

	log.Printf("Event channel connection established: client=%s remote=%s", c.id, r.RemoteAddr)
	defer func() {
		if c.usedWebRTC {
			h.peers.Remove(c.id)
		}
		log.Printf("Event channel closed: client=%s", c.id)
	}()

	h.sendInfo(ctx, c)

	incoming := c.conn.Incoming()
	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			h.handleEvent(ctx, c, msg)
		case f, ok := <-frames:
			if !ok {
				return
			}
			if c.rtcOpen.Load() {
				continue
			}
			if err := c.conn.Send(ctx, channel.EventImage, channel.EncodeImage(f.JPEG)); err != nil {
				log.Printf("Failed to send frame to client %s: %v", c.id, err)
				return
			}
		case info, ok := <-infos:
			if !ok {
				return
			}
			if err := c.conn.Send(ctx, channel.EventVideoInfo, info); err != nil {
				return
			}
		}
	}
}

func (h *ChannelHandlers) sendInfo(ctx context.Context, c *channelClient) {
	if err := c.conn.Send(ctx, channel.EventVideoInfo, h.engine.Info()); err != nil {
		log.Printf("Failed to send video_info to client %s: %v", c.id, err)
	}
}

func (h *ChannelHandlers) handleEvent(ctx context.Context, c *channelClient, msg channel.Message) {
	var err error
	switch msg.Event {
	case channel.EventSeek:
		var p channel.SeekPayload
		if err = msg.Decode(&p); err == nil {
			err = h.engine.Seek(p.Position)
		}

	case channel.EventPlayPause:
		var p channel.PlayPausePayload
		if err = msg.Decode(&p); err == nil {
			h.engine.SetPlaying(p.IsPlaying)
		}

	case channel.EventSetSpeed:
		var p channel.SpeedPayload
		if err = msg.Decode(&p); err == nil {
			var sp playback.Speed
			if sp, err = playback.ParseSpeed(p.Speed); err == nil {
				err = h.engine.SetSpeed(sp)
			}
		}

	case channel.EventSetSource:
		var p channel.SourcePayload
		if err = msg.Decode(&p); err == nil {
			var k source.Kind
			if k, err = source.ParseKind(p.Source); err == nil {
				err = h.engine.SetSource(k)
			}
		}

	case channel.EventSetResolution:
		var p channel.ResolutionPayload
		if err = msg.Decode(&p); err == nil {
			err = h.engine.SetResolution(p.Width, p.Height)
		}

	case channel.EventSetQuality:
		var p channel.QualityPayload
		if err = msg.Decode(&p); err == nil {
			var l quality.Level
			if l, err = quality.ParseLevel(p.Quality); err == nil {
				err = h.engine.SetQuality(l)
			}
		}

	case channel.EventSetControlMode:
		var p channel.ControlModePayload
		if err = msg.Decode(&p); err == nil {
			var m quality.Mode
			if m, err = quality.ParseMode(p.Mode); err == nil {
				err = h.engine.SetControlMode(m)
			}
		}

	case channel.EventNetworkMetrics:
		var p channel.MetricsPayload
		if err = msg.Decode(&p); err == nil {
			h.engine.RecordMetrics(netquality.Sample{
				BandwidthMbps: p.Bandwidth,
				LatencyMs:     p.Latency,
				PacketLossPct: p.PacketLoss,
			})
		}
		// Metrics do not change what the client sees.
		if err == nil {
			return
		}

	case channel.EventWebRTCOffer:
		var offer webrtc.SessionDescription
		if err = msg.Decode(&offer); err == nil {
			c.usedWebRTC = true
			c.rtcOpen.Store(false)
			h.webrtc.HandleChannelOffer(ctx, c.conn, c.id, offer, func() { c.rtcOpen.Store(true) })
			return
		}

	case channel.EventICECandidate:
		var cand webrtc.ICECandidateInit
		if err = msg.Decode(&cand); err == nil {
			h.webrtc.HandleChannelCandidate(ctx, c.conn, c.id, cand)
			return
		}

	default:
		log.Printf("Unknown event from client %s: %s", c.id, msg.Event)
		return
	}

	if err != nil {
		log.Printf("Event %s from client %s rejected: %v", msg.Event, c.id, err)
		sendError(ctx, c.conn, errors.Wrap(err, msg.Event).Error())
		return
	}
	h.sendInfo(ctx, c)
}
