package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/adaptive-stream/internal/server/router"
	"github.com/babelcloud/adaptive-stream/internal/signaling"
	"github.com/babelcloud/adaptive-stream/internal/stream"
	"github.com/babelcloud/adaptive-stream/internal/util"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Config configures the streaming server.
type Config struct {
	Addr string
	// ProxyProtocol accepts PROXY protocol headers so the access log and
	// probes see the real client address behind a load balancer.
	ProxyProtocol bool
	Engine        stream.Config
	WebRTC        signaling.Config
}

// StreamServer serves the stream engine over HTTP, the event channel and
// WebRTC.
type StreamServer struct {
	cfg        Config
	httpServer *http.Server
	mux        *http.ServeMux

	// Services
	engine *stream.Engine
	peers  *stream.PeerManager

	// State
	mu        sync.RWMutex
	running   bool
	addr      string
	startTime time.Time
	buildID   string
	ctx       context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// NewStreamServer creates the server and its engine. Routes are registered
// immediately so Handler can be used before Start.
func NewStreamServer(cfg Config) *StreamServer {
	ctx, cancel := context.WithCancel(context.Background())

	engine := stream.NewEngine(cfg.Engine, clock.RealClock{})
	s := &StreamServer{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		engine: engine,
		peers:  stream.NewPeerManager(engine, cfg.WebRTC),
		addr:   cfg.Addr,
		ctx:    ctx,
		cancel: cancel,
	}
	s.setupRoutes()
	return s
}

// Start listens on the configured address and serves until Stop.
func (s *StreamServer) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr)
	}
	return s.Serve(l)
}

// Serve runs the engine and serves HTTP on l. It returns nil after Stop.
func (s *StreamServer) Serve(l net.Listener) error {
	if s.cfg.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.addr = l.Addr().String()
	s.startTime = time.Now()
	s.buildID = GetBuildID()
	// No read or write timeouts: MJPEG and the event channel are long-lived
	s.httpServer = &http.Server{Handler: loggingMiddleware(s.mux)}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := s.engine.Run(s.ctx); err != nil {
			util.GetLogger().Error("Stream engine failed", "error", err)
		}
	}()

	util.GetLogger().Info("Stream server listening", "addr", l.Addr().String(), "proxy_protocol", s.cfg.ProxyProtocol)
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Handler returns the routed handler without the access log.
func (s *StreamServer) Handler() http.Handler {
	return s.mux
}

// Stop stops the server
func (s *StreamServer) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		srv := s.httpServer
		s.running = false
		s.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				// Force close if graceful shutdown fails
				if err := srv.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
		}

		s.peers.Close()
		log.Println("Stream server stopped")
	})
	return nil
}

// Engine returns the stream engine.
func (s *StreamServer) Engine() *stream.Engine {
	return s.engine
}

// setupRoutes sets up all HTTP routes
func (s *StreamServer) setupRoutes() {
	svc := router.Services{Server: s, Engine: s.engine, Peers: s.peers}
	routers := []router.Router{
		&router.APIRouter{},
		&router.StreamingRouter{},
	}
	for _, r := range routers {
		r.RegisterRoutes(s.mux, svc)
	}
}

// IsRunning returns whether the server is running
func (s *StreamServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetAddr returns the listen address
func (s *StreamServer) GetAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// GetUptime returns server uptime
func (s *StreamServer) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *StreamServer) GetBuildID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildID
}

func (s *StreamServer) GetVersion() string {
	return BuildInfo.Version
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		duration := time.Since(start)
		log.Printf("%s %s %d %d %s %s", r.Method, r.URL.Path, lw.status, lw.length, duration, r.RemoteAddr)
	})
}
