package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/risk-monitor/internal/api/middleware"
	"github.com/dvloznov/risk-monitor/internal/backend"
	"github.com/dvloznov/risk-monitor/internal/config"
	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/export"
	"github.com/dvloznov/risk-monitor/internal/poller"
	"github.com/dvloznov/risk-monitor/internal/views"
)

// SnapshotReader gives read access to the latest published snapshot.
type SnapshotReader interface {
	Read() domain.Snapshot
}

// Controller is the part of the poller the HTTP shell drives.
type Controller interface {
	Params() domain.Params
	AutoRefresh() (bool, time.Duration)
	InFlight() bool
	RefreshOnce(ctx context.Context) error
	SetParams(p domain.Params) error
	SetAutoRefresh(enabled bool, interval time.Duration) error
}

// Exporter renders a dataset and hands it to the configured sink.
type Exporter interface {
	Export(ctx context.Context, d export.Dataset, f export.Format, rows []domain.Transaction) (export.Document, error)
}

// MonitorHandler serves the dashboard read API and its control endpoints.
type MonitorHandler struct {
	store    SnapshotReader
	control  Controller
	exporter Exporter
	views    config.ViewsConfig
	log      zerolog.Logger
}

// NewMonitorHandler creates a new monitor handler.
func NewMonitorHandler(store SnapshotReader, control Controller, exporter Exporter, vc config.ViewsConfig, log zerolog.Logger) *MonitorHandler {
	if vc.ChartWindow <= 0 {
		vc.ChartWindow = views.DefaultChartWindow
	}
	if vc.LeaderboardSize <= 0 {
		vc.LeaderboardSize = views.DefaultLeaderboardSize
	}
	return &MonitorHandler{
		store:    store,
		control:  control,
		exporter: exporter,
		views:    vc,
		log:      log,
	}
}

// Routes mounts every endpoint on a chi router.
func (h *MonitorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", h.GetSnapshot)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/anomalies", h.ListAnomalies)
		r.Get("/chart", h.GetChart)
		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/summary", h.GetSummary)
		r.Post("/refresh", h.Refresh)
		r.Put("/params", h.UpdateParams)
		r.Put("/auto-refresh", h.UpdateAutoRefresh)
		r.Post("/exports", h.CreateExport)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Health handles GET /health
func (h *MonitorHandler) Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type snapshotResponse struct {
	CycleID      string               `json:"cycle_id,omitempty"`
	Loading      bool                 `json:"loading"`
	FetchedAt    *time.Time           `json:"fetched_at"`
	Error        string               `json:"error,omitempty"`
	ErrorAt      *time.Time           `json:"error_at,omitempty"`
	Params       domain.Params        `json:"params"`
	AutoRefresh  autoRefreshResponse  `json:"auto_refresh"`
	Health       domain.Health        `json:"health"`
	Transactions []domain.Transaction `json:"transactions"`
	Anomalies    []domain.Anomaly     `json:"anomalies"`
}

type autoRefreshResponse struct {
	Enabled    bool  `json:"enabled"`
	IntervalMS int64 `json:"interval_ms"`
}

// GetSnapshot handles GET /api/snapshot
func (h *MonitorHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Read()
	resp := snapshotResponse{
		CycleID:      snap.CycleID,
		Loading:      h.control.InFlight(),
		FetchedAt:    timePtr(snap.FetchedAt),
		Error:        snap.ErrMessage(),
		ErrorAt:      timePtr(snap.ErrAt),
		Params:       h.control.Params(),
		AutoRefresh:  h.autoRefresh(),
		Health:       snap.Health,
		Transactions: nonNil(snap.Transactions),
		Anomalies:    nonNil(snap.Anomalies),
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// ListTransactions handles GET /api/transactions?q=
func (h *MonitorHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	rows := views.Filter(h.store.Read().Transactions, r.URL.Query().Get("q"))
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": nonNil(rows),
		"count":        len(rows),
	})
}

// ListAnomalies handles GET /api/anomalies
func (h *MonitorHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	rows := h.store.Read().Anomalies
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": nonNil(rows),
		"count":     len(rows),
	})
}

// GetChart handles GET /api/chart
func (h *MonitorHandler) GetChart(w http.ResponseWriter, r *http.Request) {
	points := views.ChartWindow(h.store.Read().Transactions, h.views.ChartWindow)
	if points == nil {
		points = []views.ChartPoint{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"points": points,
		"window": h.views.ChartWindow,
	})
}

// GetLeaderboard handles GET /api/leaderboard?mode=risk|count
func (h *MonitorHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	mode, err := views.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	snap := h.store.Read()
	rows := views.Leaderboard(snap.Transactions, snap.Anomalies, mode, h.views.LeaderboardSize)
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"mode": mode.String(),
		"rows": rows,
	})
}

// GetSummary handles GET /api/summary
func (h *MonitorHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Read()
	middleware.WriteJSON(w, http.StatusOK, views.Summarize(snap.Transactions, snap.Anomalies))
}

// Refresh handles POST /api/refresh. It runs one cycle and answers with its outcome.
func (h *MonitorHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.control.RefreshOnce(r.Context()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	snap := h.store.Read()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cycle_id":     snap.CycleID,
		"fetched_at":   timePtr(snap.FetchedAt),
		"transactions": len(snap.Transactions),
		"anomalies":    len(snap.Anomalies),
	})
}

// UpdateParams handles PUT /api/params. Omitted fields keep their current value.
func (h *MonitorHandler) UpdateParams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit        *int     `json:"limit"`
		MinRisk      *float64 `json:"min_risk"`
		AnomalyLimit *int     `json:"anomaly_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	params := h.control.Params()
	if req.Limit != nil {
		params.Limit = *req.Limit
	}
	if req.MinRisk != nil {
		params.MinRisk = *req.MinRisk
	}
	if req.AnomalyLimit != nil {
		params.AnomalyLimit = *req.AnomalyLimit
	}

	if err := h.control.SetParams(params); err != nil {
		h.writeErr(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, params)
}

// UpdateAutoRefresh handles PUT /api/auto-refresh
func (h *MonitorHandler) UpdateAutoRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled    *bool `json:"enabled"`
		IntervalMS int64 `json:"interval_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Enabled == nil {
		middleware.WriteError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := h.control.SetAutoRefresh(*req.Enabled, time.Duration(req.IntervalMS)*time.Millisecond); err != nil {
		h.writeErr(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.autoRefresh())
}

// CreateExport handles POST /api/exports. The transactions dataset honours q
// the same way the table view does.
func (h *MonitorHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Dataset string `json:"dataset"`
		Format  string `json:"format"`
		Query   string `json:"q"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	dataset, err := export.ParseDataset(req.Dataset)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	snap := h.store.Read()
	rows := snap.Anomalies
	if dataset == export.Transactions {
		rows = views.Filter(snap.Transactions, req.Query)
	}

	doc, err := h.exporter.Export(r.Context(), dataset, format, rows)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, doc)
}

func (h *MonitorHandler) autoRefresh() autoRefreshResponse {
	enabled, interval := h.control.AutoRefresh()
	return autoRefreshResponse{Enabled: enabled, IntervalMS: interval.Milliseconds()}
}

// writeErr maps the error taxonomy onto HTTP status codes.
func (h *MonitorHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msg("Request failed")
	}
	middleware.WriteError(w, status, err.Error())
}

// StatusFor returns the HTTP status for an error from the poller, exporter or views.
func StatusFor(err error) int {
	var (
		cfgErr   *domain.ConfigError
		fetchErr *backend.FetchError
		exportEr *export.Error
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, poller.ErrCycleInFlight):
		return http.StatusConflict
	case errors.Is(err, poller.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &fetchErr), errors.As(err, &exportEr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nonNil(rows []domain.Transaction) []domain.Transaction {
	if rows == nil {
		return []domain.Transaction{}
	}
	return rows
}
