// Package testutil provides common test utilities and helpers for engine tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fabiol8/piucane-engine/internal/api"
	"github.com/fabiol8/piucane-engine/internal/dispatch"
	"github.com/fabiol8/piucane-engine/internal/journey"
	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/segment"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// NewTestServer creates a test API server over in-memory dependencies.
// This centralizes the test server creation logic used across test files.
func NewTestServer() *api.Server {
	st := store.NewInMemoryStore()
	segments := segment.NewEngine(st)
	registry := journey.NewRegistry(st)
	engine := journey.NewEngine(st, segments, dispatch.LogMessenger{}, dispatch.LogExecutor{}, nil)
	return api.NewServer(st, segments, registry, engine)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// TestProfile builds a customer profile with the behavioral attributes most
// segmentation tests care about.
func TestProfile(userID string, totalSpent float64, totalOrders int, engagementScore float64) *models.CustomerProfile {
	p := &models.CustomerProfile{UserID: userID}
	p.Behavioral.TotalSpent = totalSpent
	p.Behavioral.TotalOrders = totalOrders
	p.Behavioral.EngagementScore = engagementScore
	return p
}

// SeedSegment stores a single-condition active segment.
func SeedSegment(t *testing.T, st store.Store, id, field string, op models.ConditionOperator, value any) {
	t.Helper()
	seg := models.Segment{
		ID:       id,
		Name:     id,
		IsActive: true,
		Conditions: []models.SegmentCondition{
			{Field: field, Operator: op, Value: value},
		},
	}
	if err := st.SaveSegment(seg); err != nil {
		t.Fatalf("failed to seed segment %s: %v", id, err)
	}
}
