package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fabiol8/piucane-engine/internal/models"
)

// eventsHandler ingests a customer event (POST /events). Matching triggers
// enroll the customer synchronously; a 202 means the event was evaluated,
// not that any enrollment happened.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.eventsHandler: processing event", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.eventsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var evt models.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := evt.Validate(); err != nil {
		slog.Warn("Server.eventsHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.engine.ProcessEvent(r.Context(), evt); err != nil {
		slog.Error("Server.eventsHandler: event processing failed", "error", err, "userID", evt.UserID, "eventType", evt.EventType)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}

	slog.Info("Server.eventsHandler: event processed", "userID", evt.UserID, "eventType", evt.EventType)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Event processed", nil))
}
