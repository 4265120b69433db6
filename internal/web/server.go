package web

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/metrics"
	"github.com/vitos/crypto_signal_copier/internal/usecase"
)

type Server struct {
	router       *http.ServeMux
	server       *http.Server
	positions    domain.PositionRepository
	settings     domain.SettingsRepository
	orchestrator *usecase.Orchestrator
	reconciler   *usecase.Reconciler
	linker       *usecase.AlertLinker
	logger       *zap.Logger
}

func NewServer(
	port int,
	positions domain.PositionRepository,
	settings domain.SettingsRepository,
	orchestrator *usecase.Orchestrator,
	reconciler *usecase.Reconciler,
	linker *usecase.AlertLinker,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:       http.NewServeMux(),
		positions:    positions,
		settings:     settings,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		linker:       linker,
		logger:       logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Signal intake
	s.router.HandleFunc("POST /webhook/signal", s.handleSignal)

	// Positions
	s.router.HandleFunc("GET /api/positions", s.handleOpenPositions)

	// Settings
	s.router.HandleFunc("GET /api/settings/{user}", s.handleGetSettings)
	s.router.HandleFunc("PUT /api/settings/{user}", s.handlePutSettings)

	// Repair jobs
	s.router.HandleFunc("POST /api/repair/reconcile", s.handleReconcile)
	s.router.HandleFunc("POST /api/repair/quantity", s.handleRepairQuantity)
	s.router.HandleFunc("POST /api/repair/link-orphans", s.handleLinkOrphans)

	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Prometheus scrape
	s.router.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
