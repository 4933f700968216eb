// Package store provides storage backends for the piucane automation engine.
//
// This file implements the in-memory store used for tests and default
// operation when no database DSN is configured.
package store

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fabiol8/piucane-engine/internal/models"
)

// InMemoryStore keeps all engine state in process memory behind a mutex.
// Values are deep-copied on the way in and out so callers never share
// mutable state with the store.
type InMemoryStore struct {
	mu           sync.Mutex
	segments     map[string]models.Segment
	journeys     map[string]models.CustomerJourney
	templates    map[string]models.CampaignTemplate
	participants map[string]models.JourneyParticipant
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	slog.Debug("Creating InMemoryStore")
	return &InMemoryStore{
		segments:     make(map[string]models.Segment),
		journeys:     make(map[string]models.CustomerJourney),
		templates:    make(map[string]models.CampaignTemplate),
		participants: make(map[string]models.JourneyParticipant),
	}
}

// deepCopy round-trips a value through JSON so nested slices and maps are
// never shared between the store and its callers.
func deepCopy[T any](v T) T {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func (s *InMemoryStore) SaveSegment(seg models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.ID] = deepCopy(seg)
	return nil
}

func (s *InMemoryStore) GetSegment(id string) (*models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil, nil
	}
	out := deepCopy(seg)
	return &out, nil
}

func (s *InMemoryStore) ListSegments(activeOnly bool) ([]models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Segment
	for _, seg := range s.segments {
		if activeOnly && !seg.IsActive {
			continue
		}
		out = append(out, deepCopy(seg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteSegment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, id)
	return nil
}

func (s *InMemoryStore) SaveJourney(j models.CustomerJourney) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journeys[j.ID] = deepCopy(j)
	return nil
}

func (s *InMemoryStore) GetJourney(id string) (*models.CustomerJourney, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journeys[id]
	if !ok {
		return nil, nil
	}
	out := deepCopy(j)
	return &out, nil
}

func (s *InMemoryStore) ListJourneys(activeOnly bool) ([]models.CustomerJourney, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CustomerJourney
	for _, j := range s.journeys {
		if activeOnly && !j.IsActive {
			continue
		}
		out = append(out, deepCopy(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteJourney(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.journeys, id)
	return nil
}

func (s *InMemoryStore) IncrementJourneyStats(journeyID string, entered, completed, dropped int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journeys[journeyID]
	if !ok {
		return ErrNotFound
	}
	j.Stats.TotalEntered += entered
	j.Stats.TotalCompleted += completed
	j.Stats.TotalDropped += dropped
	s.journeys[journeyID] = j
	return nil
}

func (s *InMemoryStore) SaveTemplate(t models.CampaignTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = deepCopy(t)
	return nil
}

func (s *InMemoryStore) GetTemplate(id string) (*models.CampaignTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	out := deepCopy(t)
	return &out, nil
}

func (s *InMemoryStore) ListTemplates() ([]models.CampaignTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CampaignTemplate
	for _, t := range s.templates {
		out = append(out, deepCopy(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) CreateParticipant(p models.JourneyParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = deepCopy(p)
	return nil
}

func (s *InMemoryStore) SaveParticipant(p models.JourneyParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.participants[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		slog.Debug("InMemoryStore SaveParticipant version conflict", "id", p.ID, "stored", stored.Version, "incoming", p.Version)
		return ErrVersionConflict
	}
	next := deepCopy(p)
	next.Version = p.Version + 1
	s.participants[p.ID] = next
	return nil
}

func (s *InMemoryStore) GetLatestParticipant(journeyID, userID string) (*models.JourneyParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.JourneyParticipant
	for _, p := range s.participants {
		if p.JourneyID != journeyID || p.UserID != userID {
			continue
		}
		if latest == nil || p.EnteredAt.After(latest.EnteredAt) {
			cp := deepCopy(p)
			latest = &cp
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListParticipants(journeyID string, status models.ParticipantStatus, limit, offset int) ([]models.JourneyParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.JourneyParticipant
	for _, p := range s.participants {
		if p.JourneyID != journeyID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		all = append(all, deepCopy(p))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].EnteredAt.Equal(all[j].EnteredAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].EnteredAt.Before(all[j].EnteredAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *InMemoryStore) CountActiveParticipants(journeyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.participants {
		if p.JourneyID == journeyID && p.Status == models.ParticipantActive {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) ClaimActiveParticipants(journeyID string, now time.Time, limit int) ([]models.JourneyParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, p := range s.participants {
		if p.JourneyID != journeyID || p.Status != models.ParticipantActive || p.LockedAt != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	var out []models.JourneyParticipant
	for _, id := range ids {
		p := s.participants[id]
		ts := now
		p.LockedAt = &ts
		s.participants[id] = p
		out = append(out, deepCopy(p))
	}
	return out, nil
}

func (s *InMemoryStore) ReleaseParticipant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return ErrNotFound
	}
	p.LockedAt = nil
	s.participants[id] = p
	return nil
}

func (s *InMemoryStore) RequeueStaleClaims(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, p := range s.participants {
		if p.LockedAt != nil && p.LockedAt.Before(staleBefore) {
			p.LockedAt = nil
			s.participants[id] = p
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
