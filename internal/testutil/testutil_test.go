package testutil

import (
	"testing"

	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/store"
)

func TestNewTestServer(t *testing.T) {
	server := NewTestServer()
	if server == nil {
		t.Fatal("NewTestServer returned nil")
	}
}

func TestTestProfile(t *testing.T) {
	p := TestProfile("u1", 1500, 12, 85)
	if p.UserID != "u1" {
		t.Errorf("expected userID u1, got %s", p.UserID)
	}
	if p.Behavioral.TotalSpent != 1500 || p.Behavioral.TotalOrders != 12 || p.Behavioral.EngagementScore != 85 {
		t.Errorf("behavioral attributes not set: %+v", p.Behavioral)
	}
}

func TestSeedSegment(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedSegment(t, st, "big-spenders", "behavioral.totalSpent", models.OperatorGreaterThan, 1000)

	seg, err := st.GetSegment("big-spenders")
	if err != nil {
		t.Fatalf("GetSegment failed: %v", err)
	}
	if seg == nil {
		t.Fatal("seeded segment not found")
	}
	if !seg.IsActive || len(seg.Conditions) != 1 {
		t.Errorf("unexpected seeded segment: %+v", seg)
	}
}
