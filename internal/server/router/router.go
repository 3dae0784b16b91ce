package router

import (
	"net/http"

	"github.com/babelcloud/adaptive-stream/internal/server/handlers"
)

// Services bundles what route handlers depend on.
type Services struct {
	Server handlers.ServerService
	Engine handlers.StreamEngine
	Peers  handlers.PeerService
}

// Router defines the interface for route registration
type Router interface {
	RegisterRoutes(mux *http.ServeMux, svc Services)
	GetPathPrefix() string
}
