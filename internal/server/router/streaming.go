package router

import (
	"net/http"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/server/handlers"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
)

// StreamingRouter handles frame delivery, the event channel, WebRTC
// signaling and the network probes.
type StreamingRouter struct {
	handlers *handlers.StreamingHandlers
	channel  *handlers.ChannelHandlers
	webrtc   *handlers.WebRTCHandlers
}

// RegisterRoutes registers all streaming routes
func (r *StreamingRouter) RegisterRoutes(mux *http.ServeMux, svc Services) {
	r.handlers = handlers.NewStreamingHandlers(svc.Engine)
	r.channel = handlers.NewChannelHandlers(svc.Engine, svc.Peers)
	r.webrtc = handlers.NewWebRTCHandlers(svc.Peers)

	mux.HandleFunc(handlers.VideoFeedPath, r.handlers.HandleVideoFeed)
	mux.HandleFunc("/api/stream/info", r.handlers.HandleStreamInfo)

	// Event channel and HTTP offer
	mux.HandleFunc(channel.Path, r.channel.HandleEvents)
	mux.HandleFunc(signaling.OfferPath, r.webrtc.HandleOffer)

	// Probes used by the viewer's network sampler
	mux.Handle(netquality.PingPath, netquality.PingHandler())
	mux.Handle(netquality.BandwidthPath, netquality.BandwidthHandler())
}

// GetPathPrefix returns the path prefix for this router
func (r *StreamingRouter) GetPathPrefix() string {
	return "/"
}
