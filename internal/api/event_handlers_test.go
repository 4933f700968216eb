package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fabiol8/piucane-engine/internal/models"
)

func TestEventsHandlerEnrollsOnMatch(t *testing.T) {
	s, st := newTestServer()
	if err := s.registry.RegisterJourney(sampleJourney("j1")); err != nil {
		t.Fatal(err)
	}

	evt := models.Event{UserID: "u1", EventType: "signup"}
	rr := httptest.NewRecorder()
	s.eventsHandler(rr, jsonRequest(t, http.MethodPost, "/events", evt))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	p, err := st.GetLatestParticipant("j1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("matching event did not enroll the customer")
	}
}

func TestEventsHandlerNoMatchStillAccepted(t *testing.T) {
	s, st := newTestServer()
	if err := s.registry.RegisterJourney(sampleJourney("j1")); err != nil {
		t.Fatal(err)
	}

	evt := models.Event{UserID: "u1", EventType: "page_view"}
	rr := httptest.NewRecorder()
	s.eventsHandler(rr, jsonRequest(t, http.MethodPost, "/events", evt))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if p, _ := st.GetLatestParticipant("j1", "u1"); p != nil {
		t.Error("non-matching event must not enroll")
	}
}

func TestEventsHandlerValidation(t *testing.T) {
	s, _ := newTestServer()

	// Missing userId.
	rr := httptest.NewRecorder()
	s.eventsHandler(rr, jsonRequest(t, http.MethodPost, "/events", models.Event{EventType: "signup"}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing userId: expected 400, got %d", rr.Code)
	}

	// Missing eventType.
	rr = httptest.NewRecorder()
	s.eventsHandler(rr, jsonRequest(t, http.MethodPost, "/events", models.Event{UserID: "u1"}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing eventType: expected 400, got %d", rr.Code)
	}

	// Malformed body.
	rr = httptest.NewRecorder()
	s.eventsHandler(rr, httptest.NewRequest(http.MethodPost, "/events", http.NoBody))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty body: expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.eventsHandler(rr, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}
