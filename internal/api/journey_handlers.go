package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fabiol8/piucane-engine/internal/journey"
	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// journeysHandler handles the journey collection (GET, POST /journeys).
func (s *Server) journeysHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.journeysHandler invoked", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "true"
		journeys, err := s.st.ListJourneys(activeOnly)
		if err != nil {
			slog.Error("Error listing journeys", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list journeys"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(journeys))
	case http.MethodPost:
		var j models.CustomerJourney
		if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
			slog.Warn("Server.journeysHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.registry.RegisterJourney(j); err != nil {
			slog.Warn("Server.journeysHandler: journey rejected", "error", err, "journeyID", j.ID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Journey registered", "journeyID", j.ID)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Journey registered", j.ID))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// journeySubHandler routes /journeys/{id} and its sub-resources.
func (s *Server) journeySubHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.journeySubHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/journeys/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing journey id"))
		return
	}
	journeyID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getJourneyHandler(w, r, journeyID)
		case http.MethodPut:
			s.updateJourneyHandler(w, r, journeyID)
		case http.MethodDelete:
			s.deleteJourneyHandler(w, r, journeyID)
		default:
			w.Header().Set("Allow", "GET, PUT, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 {
		switch segments[1] {
		case "pause":
			s.setJourneyActiveHandler(w, r, journeyID, false)
			return
		case "resume":
			s.setJourneyActiveHandler(w, r, journeyID, true)
			return
		case "participants":
			s.listParticipantsHandler(w, r, journeyID)
			return
		case "stats":
			s.journeyStatsHandler(w, r, journeyID)
			return
		case "enroll":
			s.enrollHandler(w, r, journeyID)
			return
		}
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown journey endpoint"))
}

func (s *Server) getJourneyHandler(w http.ResponseWriter, r *http.Request, journeyID string) {
	j, err := s.st.GetJourney(journeyID)
	if err != nil {
		slog.Error("Error fetching journey", "error", err, "journeyID", journeyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch journey"))
		return
	}
	if j == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Journey not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(j))
}

func (s *Server) updateJourneyHandler(w http.ResponseWriter, r *http.Request, journeyID string) {
	var j models.CustomerJourney
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		slog.Warn("updateJourneyHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if j.ID == "" {
		j.ID = journeyID
	}
	if j.ID != journeyID {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Journey id in body does not match path"))
		return
	}
	if err := s.registry.UpdateJourney(j); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Journey not found"))
			return
		}
		slog.Warn("updateJourneyHandler: journey rejected", "error", err, "journeyID", journeyID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Journey updated", "journeyID", journeyID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Journey updated", nil))
}

func (s *Server) deleteJourneyHandler(w http.ResponseWriter, r *http.Request, journeyID string) {
	if err := s.registry.DeleteJourney(journeyID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Journey not found"))
		case errors.Is(err, journey.ErrJourneyHasParticipants):
			writeJSONResponse(w, http.StatusConflict, models.Error("Journey has active participants"))
		default:
			slog.Error("Error deleting journey", "error", err, "journeyID", journeyID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete journey"))
		}
		return
	}
	slog.Info("Journey deleted", "journeyID", journeyID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Journey deleted", nil))
}

// setJourneyActiveHandler handles POST /journeys/{id}/pause and /resume.
// Pausing stops enrollment only; in-flight participants keep advancing.
func (s *Server) setJourneyActiveHandler(w http.ResponseWriter, r *http.Request, journeyID string, active bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var err error
	if active {
		err = s.registry.ResumeJourney(journeyID)
	} else {
		err = s.registry.PauseJourney(journeyID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Journey not found"))
			return
		}
		slog.Error("Error toggling journey state", "error", err, "journeyID", journeyID, "active", active)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update journey state"))
		return
	}
	slog.Info("Journey state changed", "journeyID", journeyID, "active", active)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Journey state updated", nil))
}

// listParticipantsHandler handles GET /journeys/{id}/participants with
// optional status, limit and offset query parameters.
func (s *Server) listParticipantsHandler(w http.ResponseWriter, r *http.Request, journeyID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	status := models.ParticipantStatus(r.URL.Query().Get("status"))
	limit := parseIntQuery(r, "limit", 100)
	offset := parseIntQuery(r, "offset", 0)

	participants, err := s.st.ListParticipants(journeyID, status, limit, offset)
	if err != nil {
		slog.Error("Error listing participants", "error", err, "journeyID", journeyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list participants"))
		return
	}
	slog.Debug("Participants listed", "journeyID", journeyID, "count", len(participants))
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"participants": participants,
		"count":        len(participants),
	})
}

// journeyStatsHandler handles GET /journeys/{id}/stats.
func (s *Server) journeyStatsHandler(w http.ResponseWriter, r *http.Request, journeyID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	j, err := s.st.GetJourney(journeyID)
	if err != nil {
		slog.Error("Error fetching journey for stats", "error", err, "journeyID", journeyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch journey"))
		return
	}
	if j == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Journey not found"))
		return
	}
	active, err := s.st.CountActiveParticipants(journeyID)
	if err != nil {
		slog.Error("Error counting active participants", "error", err, "journeyID", journeyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to count participants"))
		return
	}
	stats := map[string]interface{}{
		"journeyId":          journeyID,
		"totalEntered":       j.Stats.TotalEntered,
		"totalCompleted":     j.Stats.TotalCompleted,
		"totalDropped":       j.Stats.TotalDropped,
		"activeParticipants": active,
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// enrollHandler handles POST /journeys/{id}/enroll for manual enrollment.
func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request, journeyID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("enrollHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if body.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: userId"))
		return
	}

	p, err := s.engine.Enroll(r.Context(), journeyID, body.UserID)
	if err != nil {
		switch {
		case errors.Is(err, journey.ErrJourneyNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Journey not found"))
		case errors.Is(err, journey.ErrJourneyInactive):
			writeJSONResponse(w, http.StatusConflict, models.Error("Journey is not active"))
		case errors.Is(err, journey.ErrCooldownActive):
			writeJSONResponse(w, http.StatusConflict, models.Error("Cooldown active for this customer"))
		case errors.Is(err, journey.ErrJourneyAtCapacity):
			writeJSONResponse(w, http.StatusConflict, models.Error("Journey at participant capacity"))
		default:
			slog.Error("enrollHandler: enrollment failed", "error", err, "journeyID", journeyID, "userID", body.UserID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enroll participant"))
		}
		return
	}
	slog.Info("Participant enrolled via API", "journeyID", journeyID, "userID", body.UserID, "participantID", p.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Participant enrolled", p.ID))
}

func parseIntQuery(r *http.Request, key string, defaultValue int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}
