package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fabiol8/piucane-engine/internal/models"
)

func TestSegmentsHandlerCreateAndList(t *testing.T) {
	s, st := newTestServer()

	rr := httptest.NewRecorder()
	s.segmentsHandler(rr, jsonRequest(t, http.MethodPost, "/segments", sampleSegment("vip")))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	stored, err := st.GetSegment("vip")
	if err != nil || stored == nil {
		t.Fatalf("segment not persisted: %v", err)
	}

	rr = httptest.NewRecorder()
	s.segmentsHandler(rr, httptest.NewRequest(http.MethodGet, "/segments", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	if resp["status"] != "ok" {
		t.Errorf("expected ok status, got %v", resp["status"])
	}
	if result, ok := resp["result"].([]any); !ok || len(result) != 1 {
		t.Errorf("expected one segment in listing, got %v", resp["result"])
	}
}

func TestSegmentsHandlerRejectsInvalid(t *testing.T) {
	s, _ := newTestServer()

	// Unknown operator fails validation.
	bad := sampleSegment("bad")
	bad.Conditions[0].Operator = "approximately"
	rr := httptest.NewRecorder()
	s.segmentsHandler(rr, jsonRequest(t, http.MethodPost, "/segments", bad))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid operator: expected 400, got %d", rr.Code)
	}

	// Malformed JSON.
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/segments", http.NoBody)
	s.segmentsHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty body: expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.segmentsHandler(rr, httptest.NewRequest(http.MethodDelete, "/segments", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestSegmentsHandlerListActiveOnly(t *testing.T) {
	s, st := newTestServer()
	active := sampleSegment("active")
	if err := st.SaveSegment(active); err != nil {
		t.Fatal(err)
	}
	paused := sampleSegment("paused")
	paused.IsActive = false
	if err := st.SaveSegment(paused); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	s.segmentsHandler(rr, httptest.NewRequest(http.MethodGet, "/segments?active=true", nil))
	resp := decodeResponse(t, rr)
	if result, ok := resp["result"].([]any); !ok || len(result) != 1 {
		t.Errorf("expected only the active segment, got %v", resp["result"])
	}
}

func TestSegmentSubHandlerCRUD(t *testing.T) {
	s, st := newTestServer()
	if err := st.SaveSegment(sampleSegment("vip")); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	s.segmentSubHandler(rr, httptest.NewRequest(http.MethodGet, "/segments/vip", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("GET: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, httptest.NewRequest(http.MethodGet, "/segments/ghost", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET missing: expected 404, got %d", rr.Code)
	}

	updated := sampleSegment("vip")
	updated.Name = "Very High Spenders"
	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, jsonRequest(t, http.MethodPut, "/segments/vip", updated))
	if rr.Code != http.StatusOK {
		t.Errorf("PUT: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got, _ := st.GetSegment("vip")
	if got.Name != "Very High Spenders" {
		t.Errorf("update not applied: %s", got.Name)
	}

	// Body id must match the path.
	mismatch := sampleSegment("other")
	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, jsonRequest(t, http.MethodPut, "/segments/vip", mismatch))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("PUT mismatch: expected 400, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, httptest.NewRequest(http.MethodDelete, "/segments/vip", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("DELETE: expected 200, got %d", rr.Code)
	}
	if got, _ := st.GetSegment("vip"); got != nil {
		t.Error("segment still present after delete")
	}

	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, httptest.NewRequest(http.MethodDelete, "/segments/vip", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("DELETE missing: expected 404, got %d", rr.Code)
	}
}

func TestSegmentSizeHandler(t *testing.T) {
	s, st := newTestServer()
	if err := st.SaveSegment(sampleSegment("vip")); err != nil {
		t.Fatal(err)
	}

	rich := &models.CustomerProfile{UserID: "rich"}
	rich.Behavioral.TotalSpent = 5000
	poor := &models.CustomerProfile{UserID: "poor"}
	poor.Behavioral.TotalSpent = 10

	body := map[string]any{"profiles": []*models.CustomerProfile{rich, poor}}
	rr := httptest.NewRecorder()
	s.segmentSubHandler(rr, jsonRequest(t, http.MethodPost, "/segments/vip/size", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	result, ok := resp["result"].(map[string]any)
	if !ok || result["size"] != float64(1) {
		t.Errorf("expected size 1, got %v", resp["result"])
	}

	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, jsonRequest(t, http.MethodPost, "/segments/ghost/size", body))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown segment, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, httptest.NewRequest(http.MethodGet, "/segments/vip/size", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rr.Code)
	}
}

func TestSegmentInsightsHandler(t *testing.T) {
	s, st := newTestServer()
	if err := st.SaveSegment(sampleSegment("vip")); err != nil {
		t.Fatal(err)
	}

	rich := &models.CustomerProfile{UserID: "rich"}
	rich.Behavioral.TotalSpent = 5000
	body := map[string]any{"profiles": []*models.CustomerProfile{rich}}

	rr := httptest.NewRecorder()
	s.segmentSubHandler(rr, jsonRequest(t, http.MethodPost, "/segments/vip/insights", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("missing result: %v", resp)
	}
	if result["size"] != float64(1) {
		t.Errorf("expected size 1, got %v", result["size"])
	}
}

func TestSegmentSubHandlerUnknownRoute(t *testing.T) {
	s, _ := newTestServer()

	rr := httptest.NewRecorder()
	s.segmentSubHandler(rr, httptest.NewRequest(http.MethodGet, "/segments/vip/bogus", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.segmentSubHandler(rr, httptest.NewRequest(http.MethodGet, "/segments/", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing id: expected 404, got %d", rr.Code)
	}
}
