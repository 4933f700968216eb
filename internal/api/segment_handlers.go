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

// segmentsHandler handles the segment collection (GET, POST /segments).
func (s *Server) segmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.segmentsHandler invoked", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "true"
		segments, err := s.st.ListSegments(activeOnly)
		if err != nil {
			slog.Error("Error listing segments", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list segments"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(segments))
	case http.MethodPost:
		var seg models.Segment
		if err := json.NewDecoder(r.Body).Decode(&seg); err != nil {
			slog.Warn("Server.segmentsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.segments.AddSegment(seg); err != nil {
			slog.Warn("Server.segmentsHandler: segment rejected", "error", err, "segmentID", seg.ID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Info("Segment created", "segmentID", seg.ID)
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Segment created", seg.ID))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// segmentSubHandler routes /segments/{id} and its sub-resources.
func (s *Server) segmentSubHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.segmentSubHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/segments/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing segment id"))
		return
	}
	segmentID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSegmentHandler(w, r, segmentID)
		case http.MethodPut:
			s.updateSegmentHandler(w, r, segmentID)
		case http.MethodDelete:
			s.deleteSegmentHandler(w, r, segmentID)
		default:
			w.Header().Set("Allow", "GET, PUT, DELETE")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 {
		switch segments[1] {
		case "size":
			s.segmentSizeHandler(w, r, segmentID)
			return
		case "insights":
			s.segmentInsightsHandler(w, r, segmentID)
			return
		}
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown segment endpoint"))
}

func (s *Server) getSegmentHandler(w http.ResponseWriter, r *http.Request, segmentID string) {
	seg, err := s.st.GetSegment(segmentID)
	if err != nil {
		slog.Error("Error fetching segment", "error", err, "segmentID", segmentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch segment"))
		return
	}
	if seg == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Segment not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seg))
}

func (s *Server) updateSegmentHandler(w http.ResponseWriter, r *http.Request, segmentID string) {
	var seg models.Segment
	if err := json.NewDecoder(r.Body).Decode(&seg); err != nil {
		slog.Warn("updateSegmentHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if seg.ID == "" {
		seg.ID = segmentID
	}
	if seg.ID != segmentID {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Segment id in body does not match path"))
		return
	}
	if err := s.segments.UpdateSegment(seg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Segment not found"))
			return
		}
		slog.Warn("updateSegmentHandler: segment rejected", "error", err, "segmentID", segmentID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Segment updated", "segmentID", segmentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Segment updated", nil))
}

func (s *Server) deleteSegmentHandler(w http.ResponseWriter, r *http.Request, segmentID string) {
	if err := s.segments.DeleteSegment(segmentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Segment not found"))
			return
		}
		slog.Error("Error deleting segment", "error", err, "segmentID", segmentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete segment"))
		return
	}
	slog.Info("Segment deleted", "segmentID", segmentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Segment deleted", nil))
}

// profileBatch is the request body for size and insights calculations: the
// caller supplies the profile batch to evaluate against.
type profileBatch struct {
	Profiles []*models.CustomerProfile `json:"profiles"`
}

// segmentSizeHandler recalculates a segment's estimated size over a supplied
// profile batch (POST /segments/{id}/size).
func (s *Server) segmentSizeHandler(w http.ResponseWriter, r *http.Request, segmentID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var batch profileBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		slog.Warn("segmentSizeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	size, err := s.segments.CalculateSegmentSize(segmentID, batch.Profiles)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Segment not found"))
			return
		}
		slog.Error("Error calculating segment size", "error", err, "segmentID", segmentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to calculate segment size"))
		return
	}
	slog.Info("Segment size calculated", "segmentID", segmentID, "size", size)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"size": size}))
}

// segmentInsightsHandler computes aggregate insights for the customers in a
// supplied profile batch matching the segment (POST /segments/{id}/insights).
func (s *Server) segmentInsightsHandler(w http.ResponseWriter, r *http.Request, segmentID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	var batch profileBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		slog.Warn("segmentInsightsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	insights, err := s.segments.GenerateSegmentInsights(segmentID, batch.Profiles)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Segment not found"))
			return
		}
		slog.Error("Error generating segment insights", "error", err, "segmentID", segmentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate segment insights"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(insights))
}
