package router

import (
	"net/http"

	"github.com/babelcloud/adaptive-stream/internal/server/handlers"
)

// APIRouter handles all /api/* routes
type APIRouter struct {
	handlers *handlers.APIHandlers
}

// RegisterRoutes registers all API routes
func (r *APIRouter) RegisterRoutes(mux *http.ServeMux, svc Services) {
	r.handlers = handlers.NewAPIHandlers(svc.Server, svc.Engine, svc.Peers)
	webrtcHandlers := handlers.NewWebRTCHandlers(svc.Peers)

	// Health and status endpoints
	mux.HandleFunc("/api/health", r.handlers.HandleHealth)
	mux.HandleFunc("/api/status", r.handlers.HandleStatus)

	// Network quality endpoints
	mux.HandleFunc("/api/network-metrics", r.handlers.HandleNetworkMetrics)
	mux.HandleFunc("/api/manual-metrics", r.handlers.HandleManualMetrics)
	mux.HandleFunc("/api/quality-history", r.handlers.HandleQualityHistory)
	mux.HandleFunc("/api/metrics-history", r.handlers.HandleMetricsHistory)
	mux.HandleFunc("/api/metrics-summary", r.handlers.HandleMetricsSummary)

	// Stream commands carry their argument in the path
	commands := NewPatternRouter()
	commands.HandleFunc("/api/set-quality/{level}", r.handlers.HandleSetQuality)
	commands.HandleFunc("/api/set-source/{source}", r.handlers.HandleSetSource)
	commands.HandleFunc("/api/set-control-mode/{mode}", r.handlers.HandleSetControlMode)
	commands.HandleFunc("/api/ice-candidate/{peer}", webrtcHandlers.HandleICECandidate)
	mux.Handle("/api/", commands)

	// Server management endpoints
	mux.HandleFunc("/api/server/shutdown", r.handlers.HandleServerShutdown)
}

// GetPathPrefix returns the path prefix for this router
func (r *APIRouter) GetPathPrefix() string {
	return "/api"
}
