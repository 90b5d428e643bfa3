package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wardenmcp/warden/internal/config"
	"github.com/wardenmcp/warden/internal/model"
	"github.com/wardenmcp/warden/internal/service"
)

// AuditHandler exposes the audit trail over the admin HTTP API.
type AuditHandler struct {
	guard *service.Guard
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(guard *service.Guard) *AuditHandler {
	return &AuditHandler{guard: guard}
}

// QueryEvents returns persisted audit events matching the query parameters.
// GET /api/v1/audit/events?event_type=auth&user_id=wdn_abc&limit=100
func (h *AuditHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	filter := config.AuditFilter{
		EventType: model.AuditEventType(queryString(r, "event_type")),
		UserID:    queryString(r, "user_id"),
		ToolName:  queryString(r, "tool_name"),
		Start:     queryTime(r, "start"),
		End:       queryTime(r, "end"),
		Limit:     queryInt(r, "limit", 100),
	}
	if filter.EventType != "" && !model.ValidEventType(filter.EventType) {
		writeError(w, http.StatusBadRequest, "Unknown event type: "+string(filter.EventType))
		return
	}

	events, err := h.guard.Trail().QueryEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query events: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// RecentEvents returns the most recent events from the in-memory buffer.
// GET /api/v1/audit/recent?limit=50
func (h *AuditHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	events, err := h.guard.Trail().GetRecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load recent events: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// Stats returns aggregate audit statistics over an optional time window.
// GET /api/v1/audit/stats?start=2026-08-01T00:00:00Z
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.guard.Trail().Statistics(r.Context(), queryTime(r, "start"), queryTime(r, "end"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute statistics: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Export streams persisted audit events as NDJSON.
// GET /api/v1/audit/export?event_type=tool_invoked&limit=10000
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter := config.AuditFilter{
		EventType: model.AuditEventType(queryString(r, "event_type")),
		UserID:    queryString(r, "user_id"),
		ToolName:  queryString(r, "tool_name"),
		Start:     queryTime(r, "start"),
		End:       queryTime(r, "end"),
		Limit:     queryInt(r, "limit", 10000),
	}

	events, err := h.guard.Trail().QueryEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export events: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.ndjson"`)
	enc := json.NewEncoder(w)
	for i := len(events) - 1; i >= 0; i-- { // oldest first in the export
		if err := enc.Encode(events[i]); err != nil {
			return
		}
	}
}

// purgeRequest is the expected payload for the Purge endpoint.
type purgeRequest struct {
	OlderThan string `json:"older_than"` // Go duration, e.g. "2160h"
}

// Purge deletes persisted events older than the given age.
// POST /api/v1/audit/purge
func (h *AuditHandler) Purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age <= 0 {
		writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
		return
	}

	n, err := h.guard.Trail().PurgeOldEvents(r.Context(), time.Now().Add(-age))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge events: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged": n,
	})
}
