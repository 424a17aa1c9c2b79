package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tickplane/tickplane/internal/broker"
	"github.com/tickplane/tickplane/internal/geo"
	"github.com/tickplane/tickplane/internal/registry"
)

// ServerConfig wires the control plane surfaces into one HTTP server.
type ServerConfig struct {
	ListenAddress string
	Port          int

	Store      *registry.Store
	Table      *broker.Table
	Dispatcher *broker.Dispatcher
	Regions    geo.Resolver

	// TLSConfig carries the mutual-TLS material; nil serves plaintext,
	// which only tests should do.
	TLSConfig *tls.Config

	BootstrapSecret string
	MaxBodyBytes    int64
	RateLimitRPS    float64
	RateLimitBurst  int
}

// Server is the control plane HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a server wired with all routes.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()

	// Liveness probe, no body and no rate limit beyond mTLS.
	mux.Handle("GET /ping", HandlePing())

	// Registry surface.
	mux.Handle("POST /register",
		BootstrapSecretMiddleware(cfg.BootstrapSecret, HandleRegister(cfg.Store, cfg.Regions)))
	mux.Handle("POST /heartbeat", HandleHeartbeat(cfg.Store))
	mux.Handle("POST /registry/token/rotate", HandleRotateToken(cfg.Store))
	mux.Handle("GET /services/{serviceName}", HandleResolve(cfg.Store))
	mux.Handle("GET /services/{serviceName}/{instanceId}", HandleGetInstance(cfg.Store))
	mux.Handle("DELETE /services/{serviceName}/{instanceId}", HandleDeregister(cfg.Store))
	mux.Handle("POST /services", HandleQuery(cfg.Store))

	// Broker surface.
	if cfg.Dispatcher != nil {
		mux.Handle("POST /message", HandlePublish(cfg.Dispatcher, nil))
	}
	if cfg.Table != nil {
		mux.Handle("POST /subscription", HandleSubscribe(cfg.Table))
		mux.Handle("DELETE /subscription", HandleUnsubscribe(cfg.Table))
	}

	handler := http.Handler(mux)
	handler = RequestBodyLimitMiddleware(cfg.MaxBodyBytes, handler)
	handler = RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, handler)
	handler = ClientIdentityMiddleware(cfg.TLSConfig != nil, handler)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: srv, handler: handler}
}

// ListenAndServe starts the server, over mutual TLS when configured. It
// blocks until the server stops.
func (s *Server) ListenAndServe() error {
	if s.httpServer.TLSConfig != nil {
		// Certificates come from TLSConfig.
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
