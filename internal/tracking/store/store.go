package store

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/keylock"
)

var ErrNoGeoIndex = errors.New("no backend indexes driver positions")

// Store is the SessionStateStore. Reads favour the cache; writes go to the
// durable backend first and then through to the cache, so losing the cache
// never loses the latest position of an active trip.
type Store struct {
	cache   Backend
	durable Backend
	locks   *keylock.Striped
	clock   domain.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New builds a store. cache may be nil; durable is required.
func New(cache, durable Backend, clock domain.Clock, logger *zap.Logger) (*Store, error) {
	if durable == nil {
		return nil, errors.New("durable backend is required")
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cache:   cache,
		durable: durable,
		locks:   keylock.New(0),
		clock:   clock,
		logger:  logger,
		tracer:  otel.Tracer("tracking.store"),
	}, nil
}

// Upsert applies patch to the driver's session, creating it when absent. The
// second return reports whether the cache layer holds the new state.
func (s *Store) Upsert(ctx context.Context, driverID string, patch domain.SessionPatch) (domain.DriverSession, bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.upsert", trace.WithAttributes(attribute.String("driver_id", driverID)))
	defer span.End()

	unlock := s.locks.Lock("session:" + driverID)
	defer unlock()

	current, ok, err := s.loadSession(ctx, driverID)
	if err != nil {
		return domain.DriverSession{}, false, err
	}
	now := s.clock.Now()
	if !ok {
		current = domain.DriverSession{DriverID: driverID, State: domain.StateRegistered, RegisteredAt: now}
	}
	next := patch.Apply(current, now)

	if err := s.durable.SaveSession(ctx, next); err != nil {
		return domain.DriverSession{}, false, fmt.Errorf("save session: %w", err)
	}
	return next, s.writeCache(ctx, "session", driverID, func() error { return s.cache.SaveSession(ctx, next) }), nil
}

// Get returns the session for driverID.
func (s *Store) Get(ctx context.Context, driverID string) (domain.DriverSession, bool, error) {
	return s.loadSession(ctx, driverID)
}

// Restore is the read used by session restoration. It never mutates state.
// A terminal trip is reported as no active trip.
func (s *Store) Restore(ctx context.Context, driverID string) (domain.Restoration, bool, error) {
	session, ok, err := s.loadSession(ctx, driverID)
	if err != nil || !ok {
		return domain.Restoration{}, ok, err
	}
	res := domain.Restoration{LastLocation: session.LastLocation}
	if session.ActiveTripID == "" {
		return res, true, nil
	}
	trip, found, err := s.GetTrip(ctx, session.ActiveTripID)
	if err != nil {
		return domain.Restoration{}, false, err
	}
	if found && !trip.Status.Terminal() {
		res.ActiveTrip = &trip
	}
	return res, true, nil
}

// Delete evicts the session from both layers.
func (s *Store) Delete(ctx context.Context, driverID string) error {
	unlock := s.locks.Lock("session:" + driverID)
	defer unlock()
	if err := s.durable.DeleteSession(ctx, driverID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.DeleteSession(ctx, driverID); err != nil {
			s.logger.Warn("cache delete failed", zap.String("driver_id", driverID), zap.Error(err))
		}
	}
	return nil
}

// PutTrip writes a trip through both layers.
func (s *Store) PutTrip(ctx context.Context, trip domain.Trip) error {
	ctx, span := s.tracer.Start(ctx, "store.put_trip", trace.WithAttributes(attribute.String("trip_id", trip.ID)))
	defer span.End()

	unlock := s.locks.Lock("trip:" + trip.ID)
	defer unlock()
	if err := s.durable.SaveTrip(ctx, trip); err != nil {
		return fmt.Errorf("save trip: %w", err)
	}
	s.writeCache(ctx, "trip", trip.ID, func() error { return s.cache.SaveTrip(ctx, trip) })
	return nil
}

// PutTripWithEvent writes the trip and, when the durable backend keeps an
// outbox, records event in the same transaction. It reports whether the event
// was recorded; if not, the trip was written as PutTrip does and publishing
// event is left to the caller.
func (s *Store) PutTripWithEvent(ctx context.Context, trip domain.Trip, event domain.TrackingEvent) (bool, error) {
	rec, ok := s.durable.(TripEventRecorder)
	if !ok || !rec.RecordsEvents() {
		return false, s.PutTrip(ctx, trip)
	}
	ctx, span := s.tracer.Start(ctx, "store.put_trip", trace.WithAttributes(
		attribute.String("trip_id", trip.ID),
		attribute.String("event_type", string(event.Type)),
	))
	defer span.End()

	unlock := s.locks.Lock("trip:" + trip.ID)
	defer unlock()
	if err := rec.SaveTripWithEvent(ctx, trip, event); err != nil {
		return false, fmt.Errorf("save trip: %w", err)
	}
	s.writeCache(ctx, "trip", trip.ID, func() error { return s.cache.SaveTrip(ctx, trip) })
	return true, nil
}

// GetTrip reads a trip, repopulating the cache on a miss.
func (s *Store) GetTrip(ctx context.Context, tripID string) (domain.Trip, bool, error) {
	if s.cache != nil {
		trip, ok, err := s.cache.LoadTrip(ctx, tripID)
		if err == nil && ok {
			return trip, true, nil
		}
		if err != nil {
			s.logger.Warn("cache read failed", zap.String("trip_id", tripID), zap.Error(err))
		}
	}
	trip, ok, err := s.durable.LoadTrip(ctx, tripID)
	if err != nil {
		return domain.Trip{}, false, fmt.Errorf("load trip: %w", err)
	}
	if ok && s.cache != nil {
		if err := s.cache.SaveTrip(ctx, trip); err != nil {
			s.logger.Warn("cache fill failed", zap.String("trip_id", tripID), zap.Error(err))
		}
	}
	return trip, ok, nil
}

// Nearby delegates to whichever layer indexes positions, cache first.
func (s *Store) Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]string, error) {
	for _, b := range []Backend{s.cache, s.durable} {
		if finder, ok := b.(NearbyFinder); ok && b != nil {
			return finder.Nearby(ctx, point, radiusKM, limit)
		}
	}
	return nil, ErrNoGeoIndex
}

func (s *Store) loadSession(ctx context.Context, driverID string) (domain.DriverSession, bool, error) {
	if s.cache != nil {
		session, ok, err := s.cache.LoadSession(ctx, driverID)
		if err == nil && ok {
			return session, true, nil
		}
		if err != nil {
			s.logger.Warn("cache read failed", zap.String("driver_id", driverID), zap.Error(err))
		}
	}
	session, ok, err := s.durable.LoadSession(ctx, driverID)
	if err != nil {
		return domain.DriverSession{}, false, fmt.Errorf("load session: %w", err)
	}
	if ok && s.cache != nil {
		if err := s.cache.SaveSession(ctx, session); err != nil {
			s.logger.Warn("cache fill failed", zap.String("driver_id", driverID), zap.Error(err))
		}
	}
	return session, ok, nil
}

// writeCache runs write against the cache. On failure the cached entry is
// invalidated so a later read falls through to the durable layer instead of
// returning stale state.
func (s *Store) writeCache(ctx context.Context, kind, id string, write func() error) bool {
	if s.cache == nil {
		return false
	}
	err := write()
	if err == nil {
		return true
	}
	s.logger.Warn("cache write failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	var derr error
	if kind == "session" {
		derr = s.cache.DeleteSession(ctx, id)
	} else {
		derr = s.cache.DeleteTrip(ctx, id)
	}
	if derr != nil {
		s.logger.Warn("cache invalidate failed", zap.String("kind", kind), zap.String("id", id), zap.Error(derr))
	}
	return false
}
