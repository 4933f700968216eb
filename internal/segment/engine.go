// Package segment provides the segmentation engine: a registry of segments
// evaluated against customer profiles.
package segment

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fabiol8/piucane-engine/internal/models"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// Engine evaluates customer profiles against the registered segments.
// Segment definitions live in the injected store; evaluation itself reads no
// shared mutable state and is safe to run concurrently.
type Engine struct {
	store store.Store
	nowFn func() time.Time
}

// NewEngine creates a segmentation engine backed by a store.
func NewEngine(st store.Store) *Engine {
	slog.Debug("Creating segmentation engine")
	return &Engine{store: st, nowFn: time.Now}
}

// EvaluateSegments returns the ids of all active segments the profile
// currently matches. Pure and deterministic for a given profile and
// registry state; the result is sorted for stable comparison.
func (e *Engine) EvaluateSegments(profile *models.CustomerProfile) ([]string, error) {
	segments, err := e.store.ListSegments(true)
	if err != nil {
		slog.Error("EvaluateSegments list failed", "error", err)
		return nil, fmt.Errorf("list active segments: %w", err)
	}
	fields := profile.Fields()
	var matched []string
	for _, seg := range segments {
		if MatchConditions(fields, seg.Conditions) {
			matched = append(matched, seg.ID)
		}
	}
	slog.Debug("EvaluateSegments completed", "userID", profile.UserID, "matched", len(matched), "evaluated", len(segments))
	return matched, nil
}

// AddSegment validates and registers a new segment.
func (e *Engine) AddSegment(seg models.Segment) error {
	if err := seg.Validate(); err != nil {
		slog.Error("AddSegment validation failed", "error", err, "id", seg.ID)
		return err
	}
	now := e.nowFn()
	seg.CreatedAt = now
	seg.UpdatedAt = now
	if err := e.store.SaveSegment(seg); err != nil {
		return fmt.Errorf("save segment %s: %w", seg.ID, err)
	}
	slog.Info("Segment registered", "id", seg.ID, "name", seg.Name, "conditions", len(seg.Conditions))
	return nil
}

// UpdateSegment validates and replaces an existing segment definition,
// stamping UpdatedAt.
func (e *Engine) UpdateSegment(seg models.Segment) error {
	if err := seg.Validate(); err != nil {
		slog.Error("UpdateSegment validation failed", "error", err, "id", seg.ID)
		return err
	}
	existing, err := e.store.GetSegment(seg.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("segment %s: %w", seg.ID, store.ErrNotFound)
	}
	seg.CreatedAt = existing.CreatedAt
	seg.UpdatedAt = e.nowFn()
	if err := e.store.SaveSegment(seg); err != nil {
		return fmt.Errorf("save segment %s: %w", seg.ID, err)
	}
	slog.Info("Segment updated", "id", seg.ID)
	return nil
}

// DeleteSegment removes a segment definition from the registry.
func (e *Engine) DeleteSegment(id string) error {
	if err := e.store.DeleteSegment(id); err != nil {
		return fmt.Errorf("delete segment %s: %w", id, err)
	}
	slog.Info("Segment deleted", "id", id)
	return nil
}

// CalculateSegmentSize counts how many of the supplied profiles match the
// segment and caches the result on the definition (estimatedSize,
// lastCalculated). The conditions themselves are untouched.
func (e *Engine) CalculateSegmentSize(id string, profiles []*models.CustomerProfile) (int, error) {
	seg, err := e.store.GetSegment(id)
	if err != nil {
		return 0, err
	}
	if seg == nil {
		return 0, fmt.Errorf("segment %s: %w", id, store.ErrNotFound)
	}
	size := 0
	for _, p := range profiles {
		if MatchConditions(p.Fields(), seg.Conditions) {
			size++
		}
	}
	now := e.nowFn()
	seg.EstimatedSize = &size
	seg.LastCalculated = &now
	if err := e.store.SaveSegment(*seg); err != nil {
		slog.Error("CalculateSegmentSize cache save failed", "error", err, "id", id)
		return size, err
	}
	slog.Debug("CalculateSegmentSize completed", "id", id, "size", size, "profiles", len(profiles))
	return size, nil
}

// GenerateSegmentInsights aggregates behavioral attributes over the matching
// subset of the supplied profiles. Purely derived; no definition mutation.
func (e *Engine) GenerateSegmentInsights(id string, profiles []*models.CustomerProfile) (*models.SegmentInsights, error) {
	seg, err := e.store.GetSegment(id)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, fmt.Errorf("segment %s: %w", id, store.ErrNotFound)
	}

	insights := &models.SegmentInsights{
		SegmentID:           id,
		ChannelDistribution: make(map[string]int),
		CalculatedAt:        e.nowFn(),
	}
	var spent, orders, engagement float64
	for _, p := range profiles {
		if !MatchConditions(p.Fields(), seg.Conditions) {
			continue
		}
		insights.Size++
		spent += p.Behavioral.TotalSpent
		orders += float64(p.Behavioral.TotalOrders)
		engagement += p.Behavioral.EngagementScore
		for _, ch := range p.Preferences.Channels {
			insights.ChannelDistribution[ch]++
		}
	}
	if insights.Size > 0 {
		n := float64(insights.Size)
		insights.AvgTotalSpent = spent / n
		insights.AvgTotalOrders = orders / n
		insights.AvgEngagementScore = engagement / n
	}
	slog.Debug("GenerateSegmentInsights completed", "id", id, "size", insights.Size)
	return insights, nil
}
