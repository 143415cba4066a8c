package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/pebble-core/internal/audit"
)

// handleListAudit returns paginated audit records with optional filters.
//
// Query parameters:
//   - kind: filter by event kind (registered, binding, data)
//   - device_id: filter by device
//   - error_kind: filter by failure class (decode, store, precondition, ...)
//   - failed: "true" for failures only, "false" for successes only
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeUnavailable(w, "audit trail not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Kind:      q.Get("kind"),
		DeviceID:  q.Get("device_id"),
		ErrorKind: q.Get("error_kind"),
	}

	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "failed must be true or false")
			return
		}
		filter.Failed = &failed
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit records", "error", err)
		writeInternalError(w, "failed to list audit records")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
