package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultShutdownTimeout = 20 * time.Second

type Server struct {
	*http.Server
	// CleanUpFuncs is a list of functions that will be called when the server has shut down.
	CleanUpFuncs []func(ctx context.Context)
	// Background runs alongside the server and must return once ctx is done.
	Background      []func(ctx context.Context) error
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Start serves until ctx is done or a background task fails, then shuts the
// server down gracefully and runs the clean up functions.
func (s *Server) Start(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	g, ctx := errgroup.WithContext(ctx)
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	for _, task := range s.Background {
		g.Go(func() error {
			return task(ctx)
		})
	}

	g.Go(func() error {
		logger.Info(fmt.Sprintf("server started at %s", s.Server.Addr))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := s.Server.Shutdown(shutdownCtx)
		if err != nil {
			logger.Error(fmt.Sprintf("server shutdown: %v", err))
		}
		for _, cf := range s.CleanUpFuncs {
			cf(shutdownCtx)
		}
		return err
	})

	return g.Wait()
}
