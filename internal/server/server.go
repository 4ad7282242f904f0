package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Oxygenesis/yb-kafka-sink/internal/api"
)

type Config struct {
	Addr            string        `default:":8080" split_words:"true"`
	ReadTimeout     time.Duration `default:"15s" split_words:"true"`
	WriteTimeout    time.Duration `default:"15s" split_words:"true"`
	IdleTimeout     time.Duration `default:"5m" split_words:"true"`
	ShutdownTimeout time.Duration `default:"30s" split_words:"true"`
}

// Server exposes the sink's health, stats and metrics endpoints.
type Server struct {
	http            *http.Server
	shutdownTimeout time.Duration
	log             *slog.Logger
}

func New(cfg Config, log *slog.Logger, status api.Status) *Server {
	//nolint: exhaustruct // optional server config
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           api.NewRouter(log, status),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}
}

// Run serves until ctx is done, then shuts down within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", slog.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("start server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	s.log.Info("HTTP server stopped")

	return nil
}
