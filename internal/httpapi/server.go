// Package httpapi wires the HTTP surface: health checks, the connection-key
// exchange, and the WebSocket upgrade that hands a connection off to
// internal/wsrt.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/maidchat/internal/connkey"
	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/memory"
	"github.com/koopa0/maidchat/internal/session"
	"github.com/koopa0/maidchat/internal/store"
	"github.com/koopa0/maidchat/internal/wsrt"
)

const (
	requestTimeout     = 30 * time.Second
	rateLimitPerSecond = 5.0
	rateLimitBurst     = 10
)

// Server holds every dependency the HTTP surface needs and exposes the
// assembled chi router via Handler.
type Server struct {
	store       *store.Store
	redis       *redis.Client
	logger      log.Logger
	auth        AuthService
	connKeys    *connkey.Store
	sessions    *session.Service
	memories    *memory.Service
	registry    *wsrt.Registry
	upgrader    websocket.Upgrader
	corsOrigins []string
	router      chi.Router

	connsMu sync.Mutex
	conns   map[*wsrt.Runtime]struct{}
}

// Deps bundles Server's constructor arguments, since there are enough of
// them that a positional constructor would be unreadable at call sites.
type Deps struct {
	Store       *store.Store
	Redis       *redis.Client
	Logger      log.Logger
	Auth        AuthService
	ConnKeys    *connkey.Store
	Sessions    *session.Service
	Memories    *memory.Service
	Registry    *wsrt.Registry
	CORSOrigins []string
}

// NewServer assembles the chi router and returns a Server ready to be used
// as an http.Handler.
func NewServer(d Deps) *Server {
	s := &Server{
		store:       d.Store,
		redis:       d.Redis,
		logger:      d.Logger,
		auth:        d.Auth,
		connKeys:    d.ConnKeys,
		sessions:    d.Sessions,
		memories:    d.Memories,
		registry:    d.Registry,
		corsOrigins: d.CORSOrigins,
		conns:       make(map[*wsrt.Runtime]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforcement happens at the HTTP layer for non-WS routes
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerConn(rt *wsrt.Runtime) {
	s.connsMu.Lock()
	s.conns[rt] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) unregisterConn(rt *wsrt.Runtime) {
	s.connsMu.Lock()
	delete(s.conns, rt)
	s.connsMu.Unlock()
}

// Shutdown closes every currently-open WebSocket connection with code 1001
// (going away). Callers pair this with the outer http.Server's own Shutdown
// to stop accepting new upgrades — this unblocks the goroutines already
// parked in Runtime.Serve for in-flight connections, which otherwise would
// never return and would hang the outer server's graceful shutdown forever.
func (s *Server) Shutdown() {
	s.connsMu.Lock()
	runtimes := make([]*wsrt.Runtime, 0, len(s.conns))
	for rt := range s.conns {
		runtimes = append(runtimes, rt)
	}
	s.connsMu.Unlock()

	for _, rt := range runtimes {
		rt.Shutdown()
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Use(requestLogger(s.logger))
	r.Use(corsMiddleware(s.corsOrigins))

	r.Get("/", s.handleRoot)
	r.Get("/db/health", s.handleDBHealth)
	r.Get("/redis/health", s.handleRedisHealth)

	limiter := newIPRateLimiter(rateLimitPerSecond, rateLimitBurst)
	r.With(rateLimitMiddleware(limiter, s.logger)).Get("/ws/connection-key", s.handleConnectionKey)
	r.Get("/ws", s.handleWS)

	return r
}
