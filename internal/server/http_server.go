package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// CreateServer creates an HTTP server for addr with production timeouts.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe serves on the configured port until Shutdown. A clean
// shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("Server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownHTTP stops accepting requests and waits for in-flight ones.
// Upgraded WebSocket connections are not tracked by net/http.
func (s *Server) shutdownHTTP(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("HTTP server shutdown error", "error", err)
		return err
	}
	s.log.Info("HTTP server shutdown completed")
	return nil
}
