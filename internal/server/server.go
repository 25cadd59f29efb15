package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/metrics"
	"github.com/funnyzak/viewaudit/internal/storage"
)

// Server exposes the replay ledger and the correlation report over HTTP.
type Server struct {
	config  *config.Config
	logger  logger.Logger
	handler *Handler
	hub     *Hub
	metrics *metrics.Metrics
	httpSrv *http.Server
}

// New creates a new server instance. store may be nil when the ledger is
// disabled.
func New(cfg *config.Config, store storage.Store, m *metrics.Metrics, log logger.Logger) *Server {
	return &Server{
		config:  cfg,
		logger:  log,
		handler: NewHandler(store, cfg.Correlate.ReportPath, cfg.Correlate.FieldsPath, log),
		hub:     NewHub(log),
		metrics: m,
	}
}

// Hub returns the live feed hub. Replay outcomes published to it reach every
// client of /api/live.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	s.handler.RegisterRoutes(router)
	router.Handle("/api/live", s.hub).Methods(http.MethodGet)
	if s.metrics != nil {
		s.metrics.RegisterRoutes(router)
	}
	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.httpSrv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
		return err
	}
	s.logger.Info("Server exited")
	return nil
}
