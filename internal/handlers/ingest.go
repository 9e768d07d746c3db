package handlers

import (
	"encoding/json"
	"net/http"
)

// IngestLogRequest is the body of POST /api/v1/ingest/logs.
type IngestLogRequest struct {
	Path string `json:"path" validate:"required"`
}

// IngestLog handles POST /api/v1/ingest/logs. The log itself lives in the
// object store; the request only references it. Processing is asynchronous:
// a 202 means the job is queued, not that the log was valid.
func (h *Handler) IngestLog(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	defer r.Body.Close()

	var req IngestLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Missing log path")
		return
	}

	jobID, ok := h.pool.Submit(req.Path)
	if !ok {
		h.errorResponse(w, http.StatusServiceUnavailable, "Ingest queue full, retry later")
		return
	}

	h.logger.Infow("Log queued for ingestion", "job_id", jobID, "path", req.Path)
	h.jsonResponse(w, http.StatusAccepted, map[string]string{
		"job_id": jobID.String(),
		"status": "queued",
	})
}
