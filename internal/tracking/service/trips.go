package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/protocol"
	"github.com/example/ridetrack/internal/tracking/registry"
)

// AssignTrip stores trip and makes it the driver's active trip. A trip that
// already reached a terminal status cannot be reassigned, and a driver still
// on another open trip cannot take a new one.
func (s *Service) AssignTrip(ctx context.Context, trip domain.Trip) (domain.Trip, error) {
	if trip.ID == "" || trip.DriverID == "" {
		return domain.Trip{}, fmt.Errorf("trip id and driver id are required: %w", domain.ErrInvalidTrip)
	}
	if trip.Status == "" {
		trip.Status = domain.TripInProgress
	}
	if !trip.Status.Valid() || trip.Status.Terminal() {
		return domain.Trip{}, fmt.Errorf("assign with status %q: %w", trip.Status, domain.ErrInvalidTrip)
	}

	previous, found, err := s.store.GetTrip(ctx, trip.ID)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("load trip %s: %w", trip.ID, err)
	}
	if found && previous.Status.Terminal() {
		return domain.Trip{}, fmt.Errorf("trip %s is %s: %w", trip.ID, previous.Status, domain.ErrTerminalTrip)
	}

	unlock := s.locks.Lock(registry.DriverKey(trip.DriverID).String())
	session, hasSession, err := s.store.Get(ctx, trip.DriverID)
	if err != nil {
		unlock()
		return domain.Trip{}, fmt.Errorf("load session %s: %w", trip.DriverID, err)
	}
	if hasSession && session.ActiveTripID != "" && session.ActiveTripID != trip.ID {
		current, ok, err := s.store.GetTrip(ctx, session.ActiveTripID)
		if err != nil {
			unlock()
			return domain.Trip{}, fmt.Errorf("load trip %s: %w", session.ActiveTripID, err)
		}
		if ok && !current.Status.Terminal() {
			unlock()
			return domain.Trip{}, fmt.Errorf("driver %s is on trip %s: %w", trip.DriverID, current.ID, domain.ErrInvalidTrip)
		}
	}

	trip.UpdatedAt = s.clock.Now()
	evt := s.newEvent(domain.TrackingEvent{
		Type:     domain.EventTripAssigned,
		DriverID: trip.DriverID,
		TripID:   trip.ID,
		Payload:  map[string]any{"user_id": trip.UserID, "status": string(trip.Status)},
	})
	recorded, err := s.store.PutTripWithEvent(ctx, trip, evt)
	if err != nil {
		unlock()
		return domain.Trip{}, fmt.Errorf("assign trip %s: %w", trip.ID, err)
	}
	patch := domain.SessionPatch{ActiveTripID: &trip.ID}
	if !hasSession && !s.isRegistered(trip.DriverID) {
		disconnected := domain.StateDisconnected
		patch.State = &disconnected
	}
	_, _, err = s.store.Upsert(ctx, trip.DriverID, patch)
	unlock()
	if err != nil {
		return domain.Trip{}, fmt.Errorf("assign trip %s: %w", trip.ID, err)
	}

	if found && previous.DriverID != trip.DriverID {
		s.releaseDriver(ctx, previous.DriverID, trip.ID)
	}
	if !recorded {
		s.publish(ctx, s.tripEvents, evt)
	}
	s.logger.Info("trip assigned", zap.String("trip_id", trip.ID), zap.String("driver_id", trip.DriverID))
	return trip, nil
}

// ChangeTripStatus moves a trip to status. Terminal statuses are final: they
// clear the driver's active trip, notify every watcher once and drop the
// watches.
func (s *Service) ChangeTripStatus(ctx context.Context, tripID string, status domain.TripStatus, metadata map[string]any) (domain.Trip, error) {
	if !status.Valid() {
		return domain.Trip{}, fmt.Errorf("status %q: %w", status, domain.ErrInvalidTransition)
	}
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return domain.Trip{}, err
	}

	unlock := s.locks.Lock(registry.DriverKey(trip.DriverID).String())
	defer unlock()
	if trip, err = s.GetTrip(ctx, tripID); err != nil {
		return domain.Trip{}, err
	}
	if !trip.Status.CanTransitionTo(status) {
		return domain.Trip{}, fmt.Errorf("trip %s is %s: %w", tripID, trip.Status, domain.ErrTerminalTrip)
	}
	trip.Status = status
	if len(metadata) > 0 {
		merged := make(map[string]any, len(trip.Metadata)+len(metadata))
		for k, v := range trip.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		trip.Metadata = merged
	}
	trip.UpdatedAt = s.clock.Now()
	evt := s.newEvent(domain.TrackingEvent{
		Type:     domain.EventTripStatusChanged,
		DriverID: trip.DriverID,
		TripID:   trip.ID,
		Payload:  map[string]any{"status": string(status), "metadata": trip.Metadata},
	})
	recorded, err := s.store.PutTripWithEvent(ctx, trip, evt)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("update trip %s: %w", tripID, err)
	}

	notice := protocol.TripStatusChanged(trip)
	if status.Terminal() {
		session, ok, err := s.store.Get(ctx, trip.DriverID)
		if err == nil && ok && session.ActiveTripID == trip.ID {
			if cleared, _, err := s.store.Upsert(ctx, trip.DriverID, domain.SessionPatch{ClearActiveTrip: true}); err != nil {
				s.logger.Warn("clear active trip failed", zap.String("driver_id", trip.DriverID), zap.Error(err))
			} else {
				s.rearmGrace(cleared)
			}
		}
		n := s.broker.CloseTrip(trip.ID, notice)
		s.logger.Info("trip closed", zap.String("trip_id", trip.ID), zap.String("status", string(status)), zap.Int("watchers_notified", n))
	} else {
		s.broker.Publish(trip.ID, notice)
	}

	if !recorded {
		s.publish(ctx, s.tripEvents, evt)
	}
	return trip, nil
}

// GetTrip returns the stored trip.
func (s *Service) GetTrip(ctx context.Context, tripID string) (domain.Trip, error) {
	trip, ok, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if !ok {
		return domain.Trip{}, fmt.Errorf("trip %s: %w", tripID, domain.ErrTripNotFound)
	}
	return trip, nil
}

// TripETA computes the tripData block from the driver's last position.
func (s *Service) TripETA(ctx context.Context, tripID string) (protocol.TripData, error) {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return protocol.TripData{}, err
	}
	session, err := s.Session(ctx, trip.DriverID)
	if err != nil {
		return protocol.TripData{}, err
	}
	if session.LastLocation == nil {
		return protocol.TripData{TripID: trip.ID, Status: trip.Status}, nil
	}
	return s.tripData(ctx, trip, *session.LastLocation), nil
}

// NearbyDrivers lists drivers whose last position is within radiusKM.
func (s *Service) NearbyDrivers(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]string, error) {
	return s.store.Nearby(ctx, point, radiusKM, limit)
}

func (s *Service) releaseDriver(ctx context.Context, driverID, tripID string) {
	unlock := s.locks.Lock(registry.DriverKey(driverID).String())
	defer unlock()
	session, ok, err := s.store.Get(ctx, driverID)
	if err != nil || !ok || session.ActiveTripID != tripID {
		return
	}
	cleared, _, err := s.store.Upsert(ctx, driverID, domain.SessionPatch{ClearActiveTrip: true})
	if err != nil {
		s.logger.Warn("release previous driver failed", zap.String("driver_id", driverID), zap.Error(err))
		return
	}
	s.rearmGrace(cleared)
}
