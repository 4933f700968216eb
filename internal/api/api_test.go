package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fabiol8/piucane-engine/internal/dispatch"
	"github.com/fabiol8/piucane-engine/internal/journey"
	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/segment"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// newTestServer builds a server over in-memory collaborators and returns the
// store so tests can seed and inspect state directly.
func newTestServer() (*Server, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	segments := segment.NewEngine(st)
	registry := journey.NewRegistry(st)
	engine := journey.NewEngine(st, segments, dispatch.LogMessenger{}, dispatch.LogExecutor{}, nil)
	return NewServer(st, segments, registry, engine), st
}

func jsonRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	return httptest.NewRequest(method, url, &buf)
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

// sampleJourney is a minimal valid three step journey definition.
func sampleJourney(id string) models.CustomerJourney {
	return models.CustomerJourney{
		ID:          id,
		Name:        "Welcome Series",
		EntryStepID: "welcome",
		IsActive:    true,
		TriggerConditions: []models.JourneyTrigger{
			{Type: models.TriggerEvent, Conditions: []models.SegmentCondition{
				{Field: "eventType", Operator: models.OperatorEquals, Value: "signup"},
			}},
		},
		Steps: []models.JourneyStep{
			{ID: "welcome", Type: models.StepMessage, Settings: models.StepSettings{
				Message: &models.MessageSettings{TemplateKey: "welcome"},
			}, Connections: []string{"wait"}},
			{ID: "wait", Type: models.StepWait, Settings: models.StepSettings{
				Wait: &models.WaitSettings{Duration: 24, Unit: models.WaitHours},
			}, Connections: []string{"followup"}},
			{ID: "followup", Type: models.StepMessage, Settings: models.StepSettings{
				Message: &models.MessageSettings{TemplateKey: "followup"},
			}},
		},
	}
}

func sampleSegment(id string) models.Segment {
	return models.Segment{
		ID:       id,
		Name:     "High Spenders",
		IsActive: true,
		Conditions: []models.SegmentCondition{
			{Field: "behavioral.totalSpent", Operator: models.OperatorGreaterThan, Value: 1000},
		},
	}
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer()

	rr := httptest.NewRecorder()
	s.healthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", resp["status"])
	}
}

func TestHealthHandlerMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer()

	rr := httptest.NewRecorder()
	s.healthHandler(rr, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}
