package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/service"
)

// UpdateHandler exposes operator triggers for the update runs that normally
// fire from the scheduler.
type UpdateHandler struct {
	updater          *service.UpdaterService
	portfolioService *service.PortfolioService
	consistency      *service.ConsistencyService
}

// NewUpdateHandler creates a new UpdateHandler
func NewUpdateHandler(updater *service.UpdaterService, portfolioService *service.PortfolioService, consistency *service.ConsistencyService) *UpdateHandler {
	return &UpdateHandler{
		updater:          updater,
		portfolioService: portfolioService,
		consistency:      consistency,
	}
}

// tickersRequest is the optional body of the price/metrics/history triggers.
type tickersRequest struct {
	Tickers []string `json:"tickers"`
}

func decodeTickers(r *http.Request) ([]string, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	var req tickersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return req.Tickers, nil
}

func respondUpdate(w http.ResponseWriter, result any, err error) {
	switch {
	case errors.Is(err, apperrors.ErrUpdateInProgress):
		respondJSON(w, http.StatusConflict, result)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, result)
	}
}

// TriggerPrices runs a price update: all candidates, or the tickers in the
// request body.
func (h *UpdateHandler) TriggerPrices(w http.ResponseWriter, r *http.Request) {
	tickers, err := decodeTickers(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var result service.PriceUpdateResult
	if len(tickers) > 0 {
		result, err = h.updater.UpdatePricesFor(r.Context(), tickers)
	} else {
		result, err = h.updater.UpdateAllPrices(r.Context())
	}
	respondUpdate(w, result, err)
}

// TriggerMetrics runs a metrics update: stale selection, or the tickers in
// the request body.
func (h *UpdateHandler) TriggerMetrics(w http.ResponseWriter, r *http.Request) {
	tickers, err := decodeTickers(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var result service.MetricsUpdateResult
	if len(tickers) > 0 {
		result, err = h.updater.UpdateMetricsFor(r.Context(), tickers)
	} else {
		result, err = h.updater.UpdateStaleMetrics(r.Context())
	}
	respondUpdate(w, result, err)
}

// TriggerHistory runs a 30-day historical backfill for the given tickers,
// or every active security when the body is empty.
func (h *UpdateHandler) TriggerHistory(w http.ResponseWriter, r *http.Request) {
	tickers, err := decodeTickers(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.updater.UpdateHistory(r.Context(), tickers)
	respondUpdate(w, result, err)
}

// TriggerSnapshot writes today's portfolio snapshot for every user.
func (h *UpdateHandler) TriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	written, err := h.portfolioService.SnapshotAll(r.Context())
	respondUpdate(w, map[string]int{"snapshots": written}, err)
}

// TriggerUniverseSync pulls the listing-status reference dump and upserts
// the security universe.
func (h *UpdateHandler) TriggerUniverseSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.updater.SyncUniverse(r.Context())
	if errors.Is(err, apperrors.ErrProviderUnavailable) {
		respondError(w, http.StatusServiceUnavailable, "alphavantage adapter not configured")
		return
	}
	respondUpdate(w, result, err)
}

// TriggerConsistencyCheck runs the invariant checks; ?repair=true also
// applies the safe repairs.
func (h *UpdateHandler) TriggerConsistencyCheck(w http.ResponseWriter, r *http.Request) {
	repair := r.URL.Query().Get("repair") == "true"
	report, err := h.consistency.Check(r.Context(), repair)
	respondUpdate(w, report, err)
}

// Performance answers a portfolio performance query for one user.
func (h *UpdateHandler) Performance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	period := model.PerformancePeriod(r.URL.Query().Get("period"))
	if period == "" {
		period = model.PeriodMax
	}

	result, err := h.portfolioService.Performance(r.Context(), userID, period)
	switch {
	case errors.Is(err, apperrors.ErrInvalidPeriod):
		respondError(w, http.StatusBadRequest, "invalid period")
	case errors.Is(err, apperrors.ErrUserNotFound):
		respondError(w, http.StatusNotFound, "user not found")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, result)
	}
}
