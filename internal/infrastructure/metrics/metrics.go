package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copier_signals_total",
		Help: "Processed signals by outcome (executed, duplicate, rejected, failed).",
	}, []string{"outcome"})

	PositionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copier_positions_opened_total",
		Help: "Positions opened on the exchange.",
	})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copier_positions_closed_total",
		Help: "Positions closed, by close reason.",
	}, []string{"reason"})

	BracketLegFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copier_bracket_leg_failures_total",
		Help: "Protective order legs that failed to place (stop, profit).",
	}, []string{"kind"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copier_reconcile_runs_total",
		Help: "Reconciliation runs by result (ok, error).",
	}, []string{"result"})

	ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copier_reconcile_actions_total",
		Help: "Record changes made by reconciliation (updated, created, deleted).",
	}, []string{"action"})

	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copier_open_positions",
		Help: "Open positions currently tracked, per user.",
	}, []string{"user"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
