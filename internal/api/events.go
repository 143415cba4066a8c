package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/pebble-core/internal/ingest"
	"github.com/nerrad567/pebble-core/internal/pebble"
)

// handleIngestEvent accepts one raw event payload for the kind in the path.
//
// The body is passed to the handler untouched. A handled event always
// answers 200 with the handler's status, failures included: the status
// field is the result, the HTTP code only reflects transport problems.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	kind, err := pebble.ParseEventKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeNotFound(w, "unknown event kind")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeBadRequest(w, "failed to read request body")
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), ingest.SourceHTTP, kind, payload)
	s.logger.Debug("http event handled",
		"event_id", res.EventID,
		"kind", kind,
		"status", res.Status,
		"subject", r.Context().Value(ctxKeySubject),
		"request_id", requestID(r),
	)

	writeJSON(w, http.StatusOK, res)
}
