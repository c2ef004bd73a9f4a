package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixgo-dev/gameserver/pkg/security"
)

// CheckpointTrigger writes a checkpoint on demand.
type CheckpointTrigger interface {
	Save(ctx context.Context) (string, error)
}

// ServerConfig configures the ops listener.
type ServerConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
	// AdminKeys guard /admin endpoints. Empty leaves them open.
	AdminKeys []string `yaml:"admin_keys" envconfig:"ADMIN_KEYS"`
	// RuntimeStatsInterval controls how often runtime gauges refresh.
	RuntimeStatsInterval time.Duration `yaml:"runtime_stats_interval" envconfig:"RUNTIME_STATS_INTERVAL"`
}

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	cfg        ServerConfig
	logger     zerolog.Logger
	stop       chan struct{}
}

// NewServer creates the ops server. trigger may be nil, in which case
// /admin/checkpoint is not registered.
func NewServer(cfg ServerConfig, checker *HealthChecker, trigger CheckpointTrigger, logger zerolog.Logger) *Server {
	InitMetrics()

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", checker.HealthHandler())
	mux.HandleFunc("GET /health/live", LivenessHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadinessHandler())

	// Metrics endpoint
	mux.Handle("GET /metrics", MetricsHandler())

	if trigger != nil {
		auth := security.NewAPIKeyAuthenticator()
		for i, key := range cfg.AdminKeys {
			if key != "" {
				auth.AddKey(key, &security.Principal{ID: "admin-" + strconv.Itoa(i), Name: "admin"})
			}
		}
		mux.Handle("POST /admin/checkpoint", auth.RequireAPIKey(checkpointHandler(trigger, logger)))
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Handler returns the ops mux.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve serves ln until Shutdown and refreshes runtime gauges meanwhile.
func (s *Server) Serve(ln net.Listener) error {
	go s.collectRuntimeStats()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("ops server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) collectRuntimeStats() {
	interval := s.cfg.RuntimeStatsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	CollectRuntimeStats()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			CollectRuntimeStats()
		}
	}
}

func checkpointHandler(trigger CheckpointTrigger, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := trigger.Save(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("admin checkpoint failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "checkpoint_id": id})
	}
}
