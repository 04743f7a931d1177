package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// Server exposes /metrics and /healthz on the configured port. It reads
// pipeline state only through snapshots.
type Server struct {
	pipeline *Pipeline
	srv      *http.Server
	log      *logging.Logger
}

// NewServer builds the observability listener.
func NewServer(port int, p *Pipeline, log *logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{
		pipeline: p,
		log:      log.With(logging.Service("metrics")),
	}
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("observability listener started", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// handleHealthz reports per-sink health. The process is "degraded" when any
// sink is below Up and "down" when every sink is Down; the HTTP status stays
// 200 so orchestrators do not restart a forwarder that is merely waiting out
// a backend outage.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sinks := s.pipeline.HealthSnapshots()

	overall := "up"
	downCount := 0
	for _, snap := range sinks {
		if snap.State != models.HealthUp.String() {
			overall = "degraded"
		}
		if snap.State == models.HealthDown.String() {
			downCount++
		}
	}
	if len(sinks) > 0 && downCount == len(sinks) {
		overall = "down"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": overall,
		"sinks":  sinks,
	})
}
