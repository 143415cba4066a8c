package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/pebble-core/internal/pebble"
)

// PebbleResponse is the body of GET /pebbles/{id}.
type PebbleResponse struct {
	DeviceID     string               `json:"device_id"`
	State        pebble.State         `json:"state"`
	Registration *pebble.Registration `json:"registration,omitempty"`
	Binding      *pebble.Binding      `json:"binding,omitempty"`
}

// handleGetPebble returns a device's lifecycle state with its Registry and
// Binding rows. Unknown devices answer 404.
func (s *Server) handleGetPebble(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	state, err := s.states.DeviceState(ctx, id)
	if err != nil {
		s.logger.Error("failed to derive device state", "device_id", id, "error", err)
		writeInternalError(w, "failed to read device state")
		return
	}
	if state == pebble.StateUnknown {
		writeNotFound(w, "device not registered")
		return
	}

	resp := PebbleResponse{DeviceID: id, State: state}

	reg, err := s.store.Registration(ctx, id)
	switch {
	case err == nil:
		resp.Registration = &reg
	case !errors.Is(err, pebble.ErrNotRegistered):
		s.logger.Error("failed to read registration", "device_id", id, "error", err)
		writeInternalError(w, "failed to read registration")
		return
	}

	binding, err := s.store.Binding(ctx, id)
	switch {
	case err == nil:
		resp.Binding = &binding
	case !errors.Is(err, pebble.ErrNotBound):
		s.logger.Error("failed to read binding", "device_id", id, "error", err)
		writeInternalError(w, "failed to read binding")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListReadings returns the newest readings stored for a device.
//
// Query parameters:
//   - limit: max results (store default and cap apply)
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := pebble.DefaultReadingsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	readings, err := s.store.Readings(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list readings", "device_id", id, "error", err)
		writeInternalError(w, "failed to list readings")
		return
	}
	if readings == nil {
		readings = []pebble.Reading{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"readings":  readings,
		"count":     len(readings),
	})
}
