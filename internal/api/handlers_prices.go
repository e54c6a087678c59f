package api

import (
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/referral-distributor/internal/errors"
)

// handleGetPrices serves the published price table
func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	table, err := s.deps.Prices.Prices()
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, map[string]interface{}{
		"version":    table.Version,
		"rate":       table.Rate,
		"updated_at": table.UpdatedAt,
		"prices":     table.Fiat,
	})
}

// handleGetPriceHistory serves recorded prices of one asset.
// Query: asset (required), since (RFC3339, default 24h ago), limit.
func (s *Server) handleGetPriceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset := q.Get("asset")
	if asset == "" {
		respondError(w, r, apperrors.NewInvalidParameterError("asset", "required"))
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, r, apperrors.NewInvalidParameterError("since", "must be RFC3339"))
			return
		}
		since = t
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, r, apperrors.NewInvalidParameterError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	points, err := s.deps.History.History(r.Context(), asset, since, limit)
	if err != nil {
		respondError(w, r, apperrors.NewInternalError("price history", err))
		return
	}
	respondData(w, map[string]interface{}{"asset": asset, "points": points})
}
