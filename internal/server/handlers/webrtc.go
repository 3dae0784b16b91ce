package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/babelcloud/adaptive-stream/internal/stream"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// answerTimeout bounds ICE gathering for non-trickle offers.
const answerTimeout = 10 * time.Second

// WebRTCHandlers handles WebRTC signaling operations
type WebRTCHandlers struct {
	peers PeerService
}

// NewWebRTCHandlers creates a new WebRTC handlers instance
func NewWebRTCHandlers(peers PeerService) *WebRTCHandlers {
	return &WebRTCHandlers{peers: peers}
}

// HandleOffer answers an HTTP offer. Gathering completes before the answer
// is returned, so the response carries every server candidate; the peer_id
// addresses candidates the client gathers later.
func (h *WebRTCHandlers) HandleOffer(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var offer webrtc.SessionDescription
	if err := decodeJSON(w, r, &offer); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid offer: "+err.Error())
		return
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		respondError(w, http.StatusBadRequest, "Invalid offer: missing SDP")
		return
	}

	peerID := uuid.NewString()
	log.Printf("WebRTC offer received: peer=%s", peerID)

	ctx, cancel := context.WithTimeout(r.Context(), answerTimeout)
	defer cancel()

	answer, err := h.peers.Answer(ctx, peerID, offer, nil, nil)
	if err != nil {
		log.Printf("Failed to answer WebRTC offer: %v", err)
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to answer offer: %v", err))
		return
	}

	RespondJSON(w, http.StatusOK, signaling.Answer{SessionDescription: answer, PeerID: peerID})
}

// HandleICECandidate adds a client candidate to the peer named in the path.
func (h *WebRTCHandlers) HandleICECandidate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	peerID := r.PathValue("peer")
	var c webrtc.ICECandidateInit
	if err := decodeJSON(w, r, &c); err != nil || c.Candidate == "" {
		respondError(w, http.StatusBadRequest, "Invalid ICE candidate format")
		return
	}

	if err := h.peers.AddCandidate(peerID, c); err != nil {
		if errors.Is(err, stream.ErrPeerNotFound) {
			respondError(w, http.StatusNotFound, "No peer found")
			return
		}
		log.Printf("Failed to add ICE candidate: %v", err)
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to add ICE candidate: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChannelOffer answers an offer that arrived on the event channel.
// Server candidates trickle back as ice_candidate events and the answer goes
// out as webrtc_answer.
func (h *WebRTCHandlers) HandleChannelOffer(ctx context.Context, conn channel.Transport, peerID string, offer webrtc.SessionDescription, onOpen func()) {
	log.Printf("WebRTC offer received on event channel: peer=%s", peerID)

	trickle := func(c webrtc.ICECandidateInit) {
		if err := conn.Send(ctx, channel.EventICECandidate, c); err != nil {
			log.Printf("Failed to send ICE candidate to client: %v", err)
		}
	}

	answer, err := h.peers.Answer(ctx, peerID, offer, trickle, onOpen)
	if err != nil {
		log.Printf("Failed to answer WebRTC offer: %v", err)
		sendError(ctx, conn, fmt.Sprintf("Failed to answer offer: %v", err))
		return
	}

	if err := conn.Send(ctx, channel.EventWebRTCAnswer, answer); err != nil {
		log.Printf("Failed to send WebRTC answer: %v", err)
		return
	}
	log.Printf("WebRTC answer sent successfully for peer: %s", peerID)
}

// HandleChannelCandidate adds a candidate that arrived on the event channel.
func (h *WebRTCHandlers) HandleChannelCandidate(ctx context.Context, conn channel.Transport, peerID string, c webrtc.ICECandidateInit) {
	if err := h.peers.AddCandidate(peerID, c); err != nil {
		log.Printf("Failed to add ICE candidate for peer %s: %v", peerID, err)
		sendError(ctx, conn, fmt.Sprintf("Failed to add ICE candidate: %v", err))
	}
}

// sendError sends an error event to the client
func sendError(ctx context.Context, conn channel.Transport, message string) {
	if err := conn.Send(ctx, channel.EventError, channel.ErrorPayload{Message: message}); err != nil {
		log.Printf("Failed to send error event: %v", err)
	}
}
