package handlers

import (
	"net/http"
	"strconv"
)

// Rankings handles GET /api/v1/rankings?limit=N
func (h *Handler) Rankings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.rankings.Leaderboard(r.Context(), limit)
	if err != nil {
		h.logger.Errorw("Failed to load leaderboard", "error", err)
		h.errorResponse(w, http.StatusInternalServerError, "Failed to load rankings")
		return
	}

	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rankings": entries,
		"count":    len(entries),
	})
}
