package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cs2central/stats-api/internal/logic"
)

// MatchReport handles GET /api/v1/games/{id}/report
func (h *Handler) MatchReport(w http.ResponseWriter, r *http.Request) {
	gameID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid game id")
		return
	}

	report, err := h.matchReport.GetMatchReport(r.Context(), gameID)
	if err != nil {
		if errors.Is(err, logic.ErrNotFound) {
			h.errorResponse(w, http.StatusNotFound, "Game not found")
			return
		}
		h.logger.Errorw("Failed to build match report", "game_id", gameID, "error", err)
		h.errorResponse(w, http.StatusInternalServerError, "Failed to build match report")
		return
	}

	h.jsonResponse(w, http.StatusOK, report)
}
