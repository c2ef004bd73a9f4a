// Package server exposes a session over HTTP. The control surface is fixed
// at five routes: /health, /status, /screenshots, /actions and /reset.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixgo-dev/gameserver/pkg/emulator"
	"github.com/aixgo-dev/gameserver/pkg/security"
	"github.com/aixgo-dev/gameserver/pkg/session"
)

// ServerName is reported by /health.
const ServerName = "gba_game_server"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Controller is the session surface the server drives.
type Controller interface {
	ApplyActions(ctx context.Context, tokens []string) (*session.ActionsResult, error)
	Reset(ctx context.Context) error
	Status() session.Status
	Screenshots(count int) ([]emulator.Observation, int)
}

// Config holds listener settings.
type Config struct {
	Addr         string        `yaml:"addr" envconfig:"ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	// RateLimit is requests per second per client. Zero, the default,
	// disables limiting. GET /health is never limited.
	RateLimit float64 `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" envconfig:"RATE_BURST"`
	// CORSOrigin is sent as Access-Control-Allow-Origin. Empty disables CORS.
	CORSOrigin string `yaml:"cors_origin" envconfig:"CORS_ORIGIN"`
}

// DefaultConfig returns the default listener settings.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		CORSOrigin:   "*",
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server represents the HTTP server
type Server struct {
	ctrl    Controller
	cfg     Config
	logger  zerolog.Logger
	handler http.Handler
	server  *http.Server
}

// New creates a server for ctrl.
func New(ctrl Controller, cfg Config, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /screenshots", s.handleScreenshots)
	mux.HandleFunc("POST /actions", s.handleActions)
	mux.HandleFunc("POST /reset", s.handleReset)

	handler := s.recoverMiddleware(mux)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		handler = exemptHealth(security.NewRateLimiter(cfg.RateLimit, max(burst, 1)).Middleware(handler), handler)
	}
	handler = s.corsMiddleware(handler)
	handler = s.observeMiddleware(handler)
	s.handler = handler
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control server listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
