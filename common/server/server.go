package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/config"
)

type Server struct {
	http *http.Server
}

func New(handler http.Handler, conf *config.Server) *Server {
	s := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.RegisterOnShutdown(func() {
		s.SetKeepAlivesEnabled(false)
	})

	return &Server{http: s}
}

func (s *Server) Addr() string {
	return s.http.Addr
}

func (s *Server) Start() error {
	slog.Info("starting http server", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return fmt.Errorf("could not start http server: %w", err)
}

func (s *Server) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("server shutdown signal received, starting graceful shutdown")

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server graceful shutdown failed, forcing close", slog.Any("error", err))
		return s.http.Close()
	}

	slog.Info("http server shutdown complete")
	return nil
}
