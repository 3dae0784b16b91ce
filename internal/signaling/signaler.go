package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/babelcloud/adaptive-stream/internal/channel"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	OfferPath     = "/offer"
	CandidatePath = "/api/ice-candidate/"
)

// Answer is the reply to an HTTP offer. PeerID addresses later candidates.
type Answer struct {
	webrtc.SessionDescription
	PeerID string `json:"peer_id,omitempty"`
}

// ChannelSignaler trickles the exchange over the event channel. Answers and
// remote candidates come back as webrtc_answer and ice_candidate events.
type ChannelSignaler struct {
	Transport channel.Transport
}

func (c ChannelSignaler) SendOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	return nil, c.Transport.Send(ctx, channel.EventWebRTCOffer, offer)
}

func (c ChannelSignaler) SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	return c.Transport.Send(ctx, channel.EventICECandidate, candidate)
}

// HTTPSignaler posts the offer to the upstream and receives the answer in
// the response.
type HTTPSignaler struct {
	base   string
	client *http.Client

	mu     sync.Mutex
	peerID string
}

func NewHTTPSignaler(baseURL string, client *http.Client) (*HTTPSignaler, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid upstream url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSignaler{base: strings.TrimSuffix(u.String(), "/"), client: client}, nil
}

func (h *HTTPSignaler) SendOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	var answer Answer
	if err := h.post(ctx, h.base+OfferPath, offer, &answer); err != nil {
		return nil, err
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		return nil, errors.Errorf("upstream returned %q instead of an answer", answer.Type.String())
	}

	h.mu.Lock()
	h.peerID = answer.PeerID
	h.mu.Unlock()

	return &answer.SessionDescription, nil
}

func (h *HTTPSignaler) SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	h.mu.Lock()
	peerID := h.peerID
	h.mu.Unlock()
	if peerID == "" {
		return errors.New("no peer id: offer not answered yet")
	}
	return h.post(ctx, h.base+CandidatePath+url.PathEscape(peerID), candidate, nil)
}

func (h *HTTPSignaler) post(ctx context.Context, target string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", target)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("POST %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}
