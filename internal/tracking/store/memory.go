package store

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ridetrack/internal/tracking/domain"
)

// MemoryBackend provides an in-memory implementation suitable for tests and
// local demos. It can sit in either layer.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]domain.DriverSession
	trips    map[string]domain.Trip
}

// NewMemoryBackend constructs an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]domain.DriverSession),
		trips:    make(map[string]domain.Trip),
	}
}

func (m *MemoryBackend) LoadSession(_ context.Context, driverID string) (domain.DriverSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[driverID]
	return cloneSession(s), ok, nil
}

func (m *MemoryBackend) SaveSession(_ context.Context, session domain.DriverSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.DriverID] = cloneSession(session)
	return nil
}

func (m *MemoryBackend) DeleteSession(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, driverID)
	return nil
}

func (m *MemoryBackend) LoadTrip(_ context.Context, tripID string) (domain.Trip, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[tripID]
	return cloneTrip(t), ok, nil
}

func (m *MemoryBackend) SaveTrip(_ context.Context, trip domain.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[trip.ID] = cloneTrip(trip)
	return nil
}

func (m *MemoryBackend) DeleteTrip(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trips, tripID)
	return nil
}

// Nearby scans every connected session with a known location. Results are
// sorted by distance, closest first.
func (m *MemoryBackend) Nearby(_ context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]string, error) {
	type hit struct {
		id   string
		dist float64
	}
	m.mu.RLock()
	var hits []hit
	for id, s := range m.sessions {
		if s.LastLocation == nil || s.State == domain.StateDisconnected {
			continue
		}
		d := domain.DistanceMeters(point, s.LastLocation.Point())
		if d <= radiusKM*1000 {
			hits = append(hits, hit{id: id, dist: d})
		}
	}
	m.mu.RUnlock()
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.id)
	}
	return ids, nil
}
