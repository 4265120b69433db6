package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_signal_copier/internal/domain"
	"github.com/vitos/crypto_signal_copier/internal/infrastructure/metrics"
	"github.com/vitos/crypto_signal_copier/internal/usecase"
)

// signalRequest is the webhook payload. SignalTime is unix seconds as sent by
// the alert source; together with symbol and side it forms the idempotency key.
type signalRequest struct {
	UserID      string  `json:"user_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	ATR         float64 `json:"atr,omitempty"`
	Strength    float64 `json:"strength,omitempty"`
	Leverage    int     `json:"leverage,omitempty"`
	VolumeRatio float64 `json:"volume_ratio,omitempty"`
	SignalTime  int64   `json:"signal_time"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	side := domain.Side(req.Side)
	if side != domain.SideLong && side != domain.SideShort {
		http.Error(w, "side must be LONG or SHORT", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Symbol == "" || req.Price <= 0 {
		http.Error(w, "user_id, symbol and a positive price are required", http.StatusBadRequest)
		return
	}

	sig := &domain.Signal{
		UserID:      req.UserID,
		Symbol:      usecase.NormalizeSymbol(req.Symbol),
		Side:        side,
		Price:       req.Price,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		ATR:         req.ATR,
		Strength:    req.Strength,
		Leverage:    req.Leverage,
		VolumeRatio: req.VolumeRatio,
		SignalTime:  time.Unix(req.SignalTime, 0).UTC(),
	}
	if req.SignalTime == 0 {
		sig.SignalTime = time.Now().UTC().Truncate(time.Second)
	}

	result, err := s.orchestrator.AdmitAndExecute(r.Context(), sig)
	if err != nil {
		metrics.SignalsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Signal execution failed",
			zap.String("symbol", sig.Symbol), zap.Error(err))
		http.Error(w, "signal execution failed", http.StatusInternalServerError)
		return
	}

	switch {
	case result.Duplicate:
		// Replayed deliveries and already-open resolutions place nothing
		// new; counting them as executed would inflate the open rate.
		metrics.SignalsTotal.WithLabelValues("duplicate").Inc()
	case result.Accepted:
		metrics.SignalsTotal.WithLabelValues("executed").Inc()
		metrics.PositionsOpened.Inc()
	default:
		metrics.SignalsTotal.WithLabelValues("rejected").Inc()
	}
	writeJSON(w, s.logger, result)
}

func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter is required", http.StatusBadRequest)
		return
	}
	positions, err := s.positions.ListOpenPositions(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to list positions", zap.Error(err))
		http.Error(w, "Failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []*domain.Position{}
	}
	writeJSON(w, s.logger, positions)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	settings, err := s.settings.GetUserSettings(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, s.logger, &domain.UserSettings{UserID: userID})
			return
		}
		s.logger.Error("Failed to load settings", zap.Error(err))
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.UserSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	settings.UserID = r.PathValue("user")
	if err := s.settings.SaveUserSettings(r.Context(), &settings); err != nil {
		s.logger.Error("Failed to save settings", zap.Error(err))
		http.Error(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.runRepair(w, r, s.reconciler.Reconcile)
}

func (s *Server) handleRepairQuantity(w http.ResponseWriter, r *http.Request) {
	s.runRepair(w, r, s.reconciler.RepairQuantityAndLeverage)
}

func (s *Server) handleLinkOrphans(w http.ResponseWriter, r *http.Request) {
	s.runRepair(w, r, s.linker.LinkOrphans)
}

func (s *Server) runRepair(w http.ResponseWriter, r *http.Request,
	job func(ctx context.Context, userID string) (*usecase.RepairSummary, error)) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter is required", http.StatusBadRequest)
		return
	}

	summary, err := job(r.Context(), userID)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		s.logger.Error("Repair job failed", zap.String("user", userID), zap.Error(err))
		http.Error(w, "repair job failed", http.StatusInternalServerError)
		return
	}

	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	metrics.ReconcileActions.WithLabelValues("updated").Add(float64(summary.Updated))
	metrics.ReconcileActions.WithLabelValues("created").Add(float64(summary.Created))
	metrics.ReconcileActions.WithLabelValues("deleted").Add(float64(summary.Deleted))
	writeJSON(w, s.logger, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
