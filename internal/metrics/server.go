package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server serves /metrics and /healthz
type Server struct {
	srv    *http.Server
	logger logrus.FieldLogger
}

func NewServer(listen string, m *Metrics, health *HealthChecker, logger logrus.FieldLogger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           Handler(m, health),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithField("component", "metrics"),
	}
}

// Handler routes /metrics to the registry of m and /healthz to health.
func Handler(m *Metrics, health *HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)
	return mux
}

// Start listens in the background. Errors other than a clean shutdown are
// sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.srv.Addr).Info("Starting metrics server")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
