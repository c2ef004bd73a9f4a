// Package gameserver wires storage, checkpoints, the game session and the
// HTTP listeners into a runnable server.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	tracing "github.com/aixgo-dev/gameserver/internal/observability"
	"github.com/aixgo-dev/gameserver/internal/server"
	"github.com/aixgo-dev/gameserver/pkg/checkpoint"
	"github.com/aixgo-dev/gameserver/pkg/config"
	"github.com/aixgo-dev/gameserver/pkg/emulator"
	"github.com/aixgo-dev/gameserver/pkg/observability"
	"github.com/aixgo-dev/gameserver/pkg/session"
	"github.com/aixgo-dev/gameserver/pkg/storage"
)

// Version is reported by /health on the ops listener.
var Version = "dev"

// DefaultShutdownTimeout bounds the graceful stop, final checkpoint included.
const DefaultShutdownTimeout = 30 * time.Second

// App is a fully wired game server.
type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	backend storage.Backend
	manager *session.Manager
	api     *server.Server
	ops     *observability.Server

	// ShutdownTimeout bounds Run's graceful stop.
	ShutdownTimeout time.Duration
}

// New opens the storage backend and builds every component. Nothing is
// started until Run.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	backend, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	store := checkpoint.NewStore(backend, append(cfg.StoreOptions(), checkpoint.WithLogger(logger))...)

	factory, err := emulator.NewFactory(cfg.Emulator)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	manager, err := session.NewManager(factory, store, cfg.SessionConfig(),
		session.WithLogger(logger),
		session.WithMetadata(cfg.Metadata()))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	checker := observability.NewHealthChecker(Version)
	if p, ok := backend.(storage.Pinger); ok {
		checker.RegisterCheck(observability.StorageCheck(p.Ping))
	}
	checker.RegisterCheck(observability.SessionCheck(func() bool {
		return manager.Status().Running
	}))

	app := &App{
		cfg:             cfg,
		logger:          logger,
		backend:         backend,
		manager:         manager,
		api:             server.New(manager, cfg.Server, server.WithLogger(logger)),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	if cfg.Ops.Addr != "" {
		app.ops = observability.NewServer(cfg.Ops, checker, manager, logger)
	}
	return app, nil
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Run starts the session and both listeners, then blocks until ctx is
// cancelled or a listener fails. On the way out the listeners drain, the
// session stops (writing its final checkpoint) and storage is closed.
func (a *App) Run(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		_ = a.backend.Close()
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	var opsLn net.Listener
	if a.ops != nil {
		if opsLn, err = net.Listen("tcp", a.cfg.Ops.Addr); err != nil {
			_ = apiLn.Close()
			_ = a.backend.Close()
			return fmt.Errorf("listen %s: %w", a.cfg.Ops.Addr, err)
		}
	}
	return a.Serve(ctx, apiLn, opsLn)
}

// Serve is Run with caller-provided listeners. opsLn may be nil.
func (a *App) Serve(ctx context.Context, apiLn, opsLn net.Listener) error {
	if err := a.manager.Start(ctx); err != nil {
		_ = apiLn.Close()
		if opsLn != nil {
			_ = opsLn.Close()
		}
		_ = a.backend.Close()
		return fmt.Errorf("start session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("addr", apiLn.Addr().String()).Str("server", server.ServerName).Msg("game server listening")
		return a.api.Serve(apiLn)
	})
	if a.ops != nil && opsLn != nil {
		g.Go(func() error {
			return a.ops.Serve(opsLn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (a *App) shutdown() error {
	a.logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("game server shutdown: %w", err))
	}
	if err := a.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
		}
	}
	if err := a.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to shutdown tracing")
	}

	a.logger.Info().Msg("server stopped")
	return errors.Join(errs...)
}
