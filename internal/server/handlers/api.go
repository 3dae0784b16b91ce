package handlers

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/source"
)

const (
	defaultHistoryLimit        = 10
	defaultMetricsHistoryLimit = 30
)

// APIHandlers contains handlers for all /api/* routes
type APIHandlers struct {
	serverService ServerService
	engine        StreamEngine
	peers         PeerService
}

// NewAPIHandlers creates a new API handlers instance
func NewAPIHandlers(serverSvc ServerService, engine StreamEngine, peers PeerService) *APIHandlers {
	return &APIHandlers{
		serverService: serverSvc,
		engine:        engine,
		peers:         peers,
	}
}

// Health and status endpoints
func (h *APIHandlers) HandleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"astream"}`))
}

func (h *APIHandlers) HandleStatus(w http.ResponseWriter, req *http.Request) {
	status := map[string]interface{}{
		"stream": map[string]interface{}{
			"source":       h.engine.Source().String(),
			"quality":      h.engine.Level().String(),
			"control_mode": h.engine.Mode().String(),
			"subscribers":  h.engine.Subscribers(),
		},
	}
	if h.peers != nil {
		status["webrtc_peers"] = h.peers.Count()
	}
	if h.serverService != nil {
		status["running"] = h.serverService.IsRunning()
		status["addr"] = h.serverService.GetAddr()
		status["uptime"] = h.serverService.GetUptime().String()
		status["version"] = h.serverService.GetVersion()
		status["build_id"] = h.serverService.GetBuildID()
	}

	RespondJSON(w, http.StatusOK, status)
}

// HandleNetworkMetrics returns the latest sample reported by a viewer
// together with the active profile.
func (h *APIHandlers) HandleNetworkMetrics(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodGet) {
		return
	}

	level := h.engine.Level()
	profile := level.Profile()
	resp := map[string]interface{}{
		"current_quality": level.String(),
		"control_mode":    h.engine.Mode().String(),
		"resolution":      profile,
		"bitrate":         profile.BitrateKbps,
	}
	if s, ok := h.engine.Metrics(); ok {
		resp["bandwidth"] = s.BandwidthMbps
		resp["latency"] = s.LatencyMs
		resp["packet_loss"] = s.PacketLossPct
		resp["timestamp"] = s.TimestampMs
	}
	if s, ok := h.engine.SmoothedMetrics(); ok {
		resp["smoothed"] = map[string]float64{
			"bandwidth":   s.BandwidthMbps,
			"latency":     s.LatencyMs,
			"packet_loss": s.PacketLossPct,
		}
	}
	RespondJSON(w, http.StatusOK, resp)
}

// HandleManualMetrics records a hand-entered sample and returns the level
// the thresholds would pick for it. The active level is not changed.
func (h *APIHandlers) HandleManualMetrics(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}

	var s netquality.Sample
	if err := decodeJSON(w, req, &s); err != nil {
		respondError(w, http.StatusBadRequest, "invalid metrics: "+err.Error())
		return
	}
	if s.BandwidthMbps < 0 || s.LatencyMs < 0 || s.PacketLossPct < 0 || s.PacketLossPct > 100 {
		respondError(w, http.StatusBadRequest, "metrics out of range")
		return
	}

	h.engine.RecordMetrics(s)
	suggested := h.engine.SuggestQuality(s)
	log.Printf("Manual metrics recorded: bandwidth=%.2f latency=%.0f loss=%.1f suggested=%s",
		s.BandwidthMbps, s.LatencyMs, s.PacketLossPct, suggested)

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "success",
		"suggested_quality": suggested.String(),
		"resolution":        suggested.Profile(),
		"bitrate":           suggested.Profile().BitrateKbps,
	})
}

func (h *APIHandlers) HandleQualityHistory(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodGet) {
		return
	}

	limit, ok := queryLimit(w, req, defaultHistoryLimit)
	if !ok {
		return
	}

	changes := h.engine.History(limit)
	if changes == nil {
		changes = []quality.Change{}
	}
	RespondJSON(w, http.StatusOK, changes)
}

// HandleMetricsHistory returns the most recent reported samples, oldest
// first, each tagged with the level active when it arrived.
func (h *APIHandlers) HandleMetricsHistory(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodGet) {
		return
	}

	limit, ok := queryLimit(w, req, defaultMetricsHistoryLimit)
	if !ok {
		return
	}

	records := h.engine.MetricsHistory(limit)
	if records == nil {
		records = []quality.MetricsRecord{}
	}
	RespondJSON(w, http.StatusOK, records)
}

func (h *APIHandlers) HandleMetricsSummary(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodGet) {
		return
	}
	RespondJSON(w, http.StatusOK, h.engine.MetricsSummary())
}

// queryLimit reads the optional limit query parameter. Zero means no limit.
func queryLimit(w http.ResponseWriter, req *http.Request, def int) (int, bool) {
	v := req.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func (h *APIHandlers) HandleSetQuality(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}

	level, err := quality.ParseLevel(req.PathValue("level"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid quality level")
		return
	}
	if err := h.engine.SetQuality(level); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"quality":    level.String(),
		"resolution": level.Profile(),
		"bitrate":    level.Profile().BitrateKbps,
	})
}

func (h *APIHandlers) HandleSetSource(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}

	kind, err := source.ParseKind(req.PathValue("source"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid source")
		return
	}
	if err := h.engine.SetSource(kind); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"source": kind.String(),
	})
}

func (h *APIHandlers) HandleSetControlMode(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}

	mode, err := quality.ParseMode(req.PathValue("mode"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid control mode")
		return
	}
	if err := h.engine.SetControlMode(mode); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"status":       "success",
		"control_mode": mode.String(),
	})
}

// Server management endpoints
func (h *APIHandlers) HandleServerShutdown(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}

	if h.serverService == nil {
		respondError(w, http.StatusNotImplemented, "Server shutdown not available")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Server shutting down",
	})

	// Shutdown after response
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := h.serverService.Stop(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()
}
