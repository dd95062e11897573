package store

import (
	"context"

	"github.com/example/ridetrack/internal/tracking/domain"
)

// Backend is one layer of session persistence: the cache in front, or the
// durable store behind it.
type Backend interface {
	LoadSession(ctx context.Context, driverID string) (domain.DriverSession, bool, error)
	SaveSession(ctx context.Context, session domain.DriverSession) error
	DeleteSession(ctx context.Context, driverID string) error
	LoadTrip(ctx context.Context, tripID string) (domain.Trip, bool, error)
	SaveTrip(ctx context.Context, trip domain.Trip) error
	DeleteTrip(ctx context.Context, tripID string) error
}

// NearbyFinder is implemented by backends that index driver positions.
type NearbyFinder interface {
	Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]string, error)
}

// TripEventRecorder is implemented by durable backends that can commit a trip
// together with the event describing the change.
type TripEventRecorder interface {
	RecordsEvents() bool
	SaveTripWithEvent(ctx context.Context, trip domain.Trip, event domain.TrackingEvent) error
}

func cloneSession(s domain.DriverSession) domain.DriverSession {
	if s.LastLocation != nil {
		loc := *s.LastLocation
		s.LastLocation = &loc
	}
	return s
}

func cloneTrip(t domain.Trip) domain.Trip {
	if t.Dropoff != nil {
		p := *t.Dropoff
		t.Dropoff = &p
	}
	if t.Metadata != nil {
		md := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			md[k] = v
		}
		t.Metadata = md
	}
	return t
}
