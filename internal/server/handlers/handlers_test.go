package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/babelcloud/adaptive-stream/internal/stream"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// MockServerService for testing
type MockServerService struct {
	stopped bool
}

func (m *MockServerService) IsRunning() bool          { return true }
func (m *MockServerService) GetAddr() string          { return "127.0.0.1:8080" }
func (m *MockServerService) GetUptime() time.Duration { return time.Hour }
func (m *MockServerService) GetBuildID() string       { return "test-build" }
func (m *MockServerService) GetVersion() string       { return "1.0.0" }
func (m *MockServerService) Stop() error {
	m.stopped = true
	return nil
}

// MockPeers records what the WebRTC handlers ask for.
type MockPeers struct {
	answered   []string
	candidates map[string][]webrtc.ICECandidateInit
	answerErr  error
}

func NewMockPeers() *MockPeers {
	return &MockPeers{candidates: make(map[string][]webrtc.ICECandidateInit)}
}

func (m *MockPeers) Answer(_ context.Context, id string, _ webrtc.SessionDescription, _ stream.CandidateFunc, _ func()) (webrtc.SessionDescription, error) {
	if m.answerErr != nil {
		return webrtc.SessionDescription{}, m.answerErr
	}
	m.answered = append(m.answered, id)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (m *MockPeers) AddCandidate(id string, c webrtc.ICECandidateInit) error {
	if _, ok := m.candidates[id]; !ok {
		return stream.ErrPeerNotFound
	}
	m.candidates[id] = append(m.candidates[id], c)
	return nil
}

func (m *MockPeers) Remove(id string) { delete(m.candidates, id) }
func (m *MockPeers) Count() int       { return len(m.candidates) }

func newEngine(t *testing.T) *stream.Engine {
	t.Helper()
	cfg := stream.DefaultConfig()
	cfg.VideoFrames = 30
	return stream.NewEngine(cfg, testingclock.NewFakeClock(time.Unix(1700000000, 0)))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthAndStatus(t *testing.T) {
	engine := newEngine(t)
	h := NewAPIHandlers(&MockServerService{}, engine, NewMockPeers())

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"astream"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	body := decodeBody(t, rec)
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, "127.0.0.1:8080", body["addr"])
	streamInfo := body["stream"].(map[string]interface{})
	assert.Equal(t, "video", streamInfo["source"])
	assert.Equal(t, "medium", streamInfo["quality"])
	assert.Equal(t, "manual", streamInfo["control_mode"])
}

func TestSetQualityHandler(t *testing.T) {
	engine := newEngine(t)
	h := NewAPIHandlers(nil, engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/set-quality/high", nil)
	req.SetPathValue("level", "high")
	rec := httptest.NewRecorder()
	h.HandleSetQuality(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(3000), body["bitrate"])
	assert.Equal(t, quality.High, engine.Level())

	req = httptest.NewRequest(http.MethodPost, "/api/set-quality/ultra", nil)
	req.SetPathValue("level", "ultra")
	rec = httptest.NewRecorder()
	h.HandleSetQuality(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", decodeBody(t, rec)["status"])

	rec = httptest.NewRecorder()
	h.HandleSetQuality(rec, httptest.NewRequest(http.MethodGet, "/api/set-quality/low", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSetSourceAndModeHandlers(t *testing.T) {
	engine := newEngine(t)
	h := NewAPIHandlers(nil, engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/set-source/camera", nil)
	req.SetPathValue("source", "camera")
	rec := httptest.NewRecorder()
	h.HandleSetSource(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, source.Camera, engine.Source())

	req = httptest.NewRequest(http.MethodPost, "/api/set-control-mode/adaptive", nil)
	req.SetPathValue("mode", "adaptive")
	rec = httptest.NewRecorder()
	h.HandleSetControlMode(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, quality.Adaptive, engine.Mode())

	req = httptest.NewRequest(http.MethodPost, "/api/set-control-mode/auto", nil)
	req.SetPathValue("mode", "auto")
	rec = httptest.NewRecorder()
	h.HandleSetControlMode(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualMetricsAndNetworkMetrics(t *testing.T) {
	engine := newEngine(t)
	h := NewAPIHandlers(nil, engine, nil)

	rec := httptest.NewRecorder()
	h.HandleNetworkMetrics(rec, httptest.NewRequest(http.MethodGet, "/api/network-metrics", nil))
	body := decodeBody(t, rec)
	assert.Equal(t, "medium", body["current_quality"])
	assert.NotContains(t, body, "latency")

	payload := `{"bandwidth":6,"latency":250,"packet_loss":0.5}`
	rec = httptest.NewRecorder()
	h.HandleManualMetrics(rec, httptest.NewRequest(http.MethodPost, "/api/manual-metrics", strings.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "low", decodeBody(t, rec)["suggested_quality"])
	// Suggestions never change the active level.
	assert.Equal(t, quality.Medium, engine.Level())

	rec = httptest.NewRecorder()
	h.HandleNetworkMetrics(rec, httptest.NewRequest(http.MethodGet, "/api/network-metrics", nil))
	body = decodeBody(t, rec)
	assert.Equal(t, 250.0, body["latency"])
	assert.Equal(t, 6.0, body["bandwidth"])

	for _, bad := range []string{`{"packet_loss":101}`, `not json`, `{"latency":-1}`} {
		rec = httptest.NewRecorder()
		h.HandleManualMetrics(rec, httptest.NewRequest(http.MethodPost, "/api/manual-metrics", strings.NewReader(bad)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestQualityHistoryHandler(t *testing.T) {
	engine := newEngine(t)
	h := NewAPIHandlers(nil, engine, nil)

	rec := httptest.NewRecorder()
	h.HandleQualityHistory(rec, httptest.NewRequest(http.MethodGet, "/api/quality-history", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.NoError(t, engine.SetQuality(quality.High))
	require.NoError(t, engine.SetQuality(quality.Low))

	rec = httptest.NewRecorder()
	h.HandleQualityHistory(rec, httptest.NewRequest(http.MethodGet, "/api/quality-history?limit=1", nil))
	var changes []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, "high", changes[0]["from"])
	assert.Equal(t, "low", changes[0]["to"])
	assert.Equal(t, "manual", changes[0]["reason"])

	rec = httptest.NewRecorder()
	h.HandleQualityHistory(rec, httptest.NewRequest(http.MethodGet, "/api/quality-history?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerShutdownHandler(t *testing.T) {
	svc := &MockServerService{}
	h := NewAPIHandlers(svc, newEngine(t), nil)

	rec := httptest.NewRecorder()
	h.HandleServerShutdown(rec, httptest.NewRequest(http.MethodGet, "/api/server/shutdown", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleServerShutdown(rec, httptest.NewRequest(http.MethodPost, "/api/server/shutdown", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOfferHandler(t *testing.T) {
	peers := NewMockPeers()
	h := NewWebRTCHandlers(peers)

	offer := `{"type":"offer","sdp":"v=0 offer"}`
	rec := httptest.NewRecorder()
	h.HandleOffer(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(offer)))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "answer", body["type"])
	assert.Equal(t, "v=0 answer", body["sdp"])
	require.Len(t, peers.answered, 1)
	assert.Equal(t, peers.answered[0], body["peer_id"])

	rec = httptest.NewRecorder()
	h.HandleOffer(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(`{"type":"answer","sdp":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestICECandidateHandler(t *testing.T) {
	peers := NewMockPeers()
	peers.candidates["p1"] = nil
	h := NewWebRTCHandlers(peers)

	post := func(peer, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/ice-candidate/"+peer, bytes.NewBufferString(body))
		req.SetPathValue("peer", peer)
		rec := httptest.NewRecorder()
		h.HandleICECandidate(rec, req)
		return rec.Code
	}

	cand := `{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`
	assert.Equal(t, http.StatusNoContent, post("p1", cand))
	require.Len(t, peers.candidates["p1"], 1)
	assert.Equal(t, "0", *peers.candidates["p1"][0].SDPMid)

	assert.Equal(t, http.StatusNotFound, post("nobody", cand))
	assert.Equal(t, http.StatusBadRequest, post("p1", `{}`))
}

func TestStreamInfoHandler(t *testing.T) {
	h := NewStreamingHandlers(newEngine(t))

	rec := httptest.NewRecorder()
	h.HandleStreamInfo(rec, httptest.NewRequest(http.MethodGet, "/api/stream/info", nil))
	body := decodeBody(t, rec)

	endpoints := body["endpoints"].(map[string]interface{})
	assert.Contains(t, endpoints["video_feed"], "/video_feed?quality=medium&t=")
	assert.Equal(t, "/ws", endpoints["events"])
	assert.Equal(t, netquality.PingPath, endpoints["ping"])
	assert.Equal(t, []interface{}{"low", "medium", "high"}, body["qualities"])
}

func TestVideoFeedRejectsBadQuality(t *testing.T) {
	h := NewStreamingHandlers(newEngine(t))

	rec := httptest.NewRecorder()
	h.HandleVideoFeed(rec, httptest.NewRequest(http.MethodGet, "/video_feed?quality=ultra", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsHistoryAndSummaryHandlers(t *testing.T) {
	engine := newEngine(t)
	h := NewAPIHandlers(nil, engine, nil)

	rec := httptest.NewRecorder()
	h.HandleMetricsHistory(rec, httptest.NewRequest(http.MethodGet, "/api/metrics-history", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())

	engine.RecordMetrics(netquality.Sample{BandwidthMbps: 6, LatencyMs: 50, PacketLossPct: 0})
	require.NoError(t, engine.SetQuality(quality.High))
	engine.RecordMetrics(netquality.Sample{BandwidthMbps: 2, LatencyMs: 150, PacketLossPct: 4})

	rec = httptest.NewRecorder()
	h.HandleMetricsHistory(rec, httptest.NewRequest(http.MethodGet, "/api/metrics-history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, 2.0, records[0]["bandwidth"])
	assert.Equal(t, "high", records[0]["current_quality"])

	rec = httptest.NewRecorder()
	h.HandleMetricsHistory(rec, httptest.NewRequest(http.MethodGet, "/api/metrics-history?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleMetricsSummary(rec, httptest.NewRequest(http.MethodGet, "/api/metrics-summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody(t, rec)
	assert.Equal(t, 2.0, summary["metrics_count"])
	assert.Equal(t, 1.0, summary["quality_changes_count"])
	assert.Equal(t, 4.0, summary["avg_bandwidth"])
	assert.Equal(t, 150.0, summary["max_latency"])
	assert.Equal(t, map[string]interface{}{"low": 0.0, "medium": 1.0, "high": 1.0}, summary["quality_distribution"])

	rec = httptest.NewRecorder()
	h.HandleNetworkMetrics(rec, httptest.NewRequest(http.MethodGet, "/api/network-metrics", nil))
	smoothed, ok := decodeBody(t, rec)["smoothed"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 100.0, smoothed["latency"])
}
