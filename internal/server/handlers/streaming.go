package handlers

import (
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/dchest/uniuri"
)

const (
	VideoFeedPath  = "/video_feed"
	mjpegBoundary  = "frame"
	mjpegFrameSlot = 2
)

// StreamingHandlers contains handlers for streaming routes
type StreamingHandlers struct {
	engine StreamEngine
}

// NewStreamingHandlers creates a new streaming handlers instance
func NewStreamingHandlers(engine StreamEngine) *StreamingHandlers {
	return &StreamingHandlers{engine: engine}
}

// HandleVideoFeed serves the engine output as multipart/x-mixed-replace
// MJPEG. An optional quality parameter is applied before the first frame;
// the t parameter is a cache buster and ignored.
func (h *StreamingHandlers) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if q := r.URL.Query().Get("quality"); q != "" {
		level, err := quality.ParseLevel(q)
		if err != nil {
			http.Error(w, "Invalid quality level", http.StatusBadRequest)
			return
		}
		if err := h.engine.SetQuality(level); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id := "mjpeg-" + uniuri.New()
	frames := h.engine.SubscribeFrames(id, mjpegFrameSlot)
	defer h.engine.UnsubscribeFrames(id)

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Printf("MJPEG viewer connected: %s from %s", id, r.RemoteAddr)
	defer log.Printf("MJPEG viewer disconnected: %s", id)

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(f.JPEG))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(f.JPEG); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleStreamInfo lists the endpoints a viewer can use.
func (h *StreamingHandlers) HandleStreamInfo(w http.ResponseWriter, r *http.Request) {
	feed := url.Values{}
	feed.Set("quality", h.engine.Level().String())
	feed.Set("t", uniuri.New())

	response := map[string]interface{}{
		"source":       h.engine.Source().String(),
		"quality":      h.engine.Level().String(),
		"control_mode": h.engine.Mode().String(),
		"qualities":    quality.Levels(),
		"endpoints": map[string]string{
			"video_feed":      VideoFeedPath + "?" + feed.Encode(),
			"events":          channel.Path,
			"offer":           signaling.OfferPath,
			"ice_candidate":   signaling.CandidatePath + "{peer_id}",
			"ping":            netquality.PingPath,
			"bandwidth_probe": netquality.BandwidthPath,
		},
	}

	RespondJSON(w, http.StatusOK, response)
}
