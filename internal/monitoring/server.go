package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
)

// Server binds /metrics and /healthz on one listener.
type Server struct {
	http *http.Server
	log  *logger.Logger
}

func NewServer(addr string, health *HealthChecker, log *logger.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", NewMetricsHandler())
	mux.Handle("/healthz", health)

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.Component("monitoring"),
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.log.Info("Monitoring server listening on %s", s.http.Addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.LogError("monitoring server", err)
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight probes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
