package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// templatesHandler handles the campaign template collection
// (GET, POST /templates).
func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.templatesHandler invoked", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		templates, err := s.st.ListTemplates()
		if err != nil {
			slog.Error("Error listing templates", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list templates"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(templates))
	case http.MethodPost:
		var t models.CampaignTemplate
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			slog.Warn("Server.templatesHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.registry.PublishTemplate(t); err != nil {
			if errors.Is(err, models.ErrTemplatePublished) {
				writeJSONResponse(w, http.StatusConflict, models.Error("Template already published"))
				return
			}
			slog.Warn("Server.templatesHandler: template rejected", "error", err, "templateID", t.ID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Template published", "templateID", t.ID)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Template published", t.ID))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// templateSubHandler routes /templates/{id} and its sub-resources.
func (s *Server) templateSubHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.templateSubHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/templates/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing template id"))
		return
	}
	templateID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.getTemplateHandler(w, r, templateID)
		return
	}

	if len(segments) == 2 && segments[1] == "instantiate" {
		s.instantiateTemplateHandler(w, r, templateID)
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown template endpoint"))
}

func (s *Server) getTemplateHandler(w http.ResponseWriter, r *http.Request, templateID string) {
	t, err := s.st.GetTemplate(templateID)
	if err != nil {
		slog.Error("Error fetching template", "error", err, "templateID", templateID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch template"))
		return
	}
	if t == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

// instantiateTemplateHandler creates a new inactive journey from a published
// template (POST /templates/{id}/instantiate).
func (s *Server) instantiateTemplateHandler(w http.ResponseWriter, r *http.Request, templateID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("instantiateTemplateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	j, err := s.registry.InstantiateTemplate(templateID, body.Name)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
		case errors.Is(err, models.ErrTemplateNotPublished):
			writeJSONResponse(w, http.StatusConflict, models.Error("Template must be published before instantiation"))
		default:
			slog.Error("instantiateTemplateHandler: instantiation failed", "error", err, "templateID", templateID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to instantiate template"))
		}
		return
	}
	slog.Info("Template instantiated", "templateID", templateID, "journeyID", j.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(j))
}
