package protocol

import (
	"errors"
	"time"

	"github.com/example/ridetrack/internal/tracking/domain"
)

// Outbound event names.
const (
	EventDriverRegistered  = "driver_registered"
	EventRegistered        = "registered"
	EventLocationUpdated   = "location_updated"
	EventBackgroundModeSet = "background_mode_set"
	EventSessionRestored   = "session_restored"
	EventTrackingStarted   = "tracking_started"
	EventLocationUpdate    = "location_update"
	EventTripStatusChanged = "trip_status_changed"
	EventPong              = "pong"
	EventError             = "error"
)

// Outbound is a server-originated frame.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type RegisteredData struct {
	ActorID      string    `json:"actorId"`
	ConnectionID string    `json:"connectionId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type LocationUpdatedData struct {
	Success bool `json:"success"`
	Cached  bool `json:"cached"`
	Queued  bool `json:"queued"`
	// ProcessingTime is in milliseconds.
	ProcessingTime float64 `json:"processingTime"`
}

type MessageData struct {
	Message string `json:"message"`
}

type SessionRestoredData struct {
	ActiveTrip *domain.Trip `json:"activeTrip"`
	Message    string       `json:"message"`
}

type TrackingStartedData struct {
	TripID   string `json:"tripId"`
	DriverID string `json:"driverId"`
}

type TripData struct {
	TripID                  string            `json:"tripId"`
	Status                  domain.TripStatus `json:"status"`
	DistanceToDropoffMeters *float64          `json:"distanceToDropoffMeters,omitempty"`
	ETASeconds              *float64          `json:"etaSeconds,omitempty"`
}

type LocationUpdateData struct {
	DriverID  string     `json:"driverId"`
	Location  [2]float64 `json:"location"`
	Speed     float64    `json:"speed"`
	Heading   float64    `json:"heading"`
	Timestamp time.Time  `json:"timestamp"`
	TripData  TripData   `json:"tripData"`
}

type TripStatusChangedData struct {
	TripID   string            `json:"tripId"`
	Status   domain.TripStatus `json:"status"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func Registered(role domain.Role, actorID, connID string, at time.Time) Outbound {
	name := EventRegistered
	if role == domain.RoleDriver {
		name = EventDriverRegistered
	}
	return Outbound{Event: name, Data: RegisteredData{ActorID: actorID, ConnectionID: connID, RegisteredAt: at}}
}

func LocationUpdated(cached, queued bool, took time.Duration) Outbound {
	return Outbound{Event: EventLocationUpdated, Data: LocationUpdatedData{
		Success:        true,
		Cached:         cached,
		Queued:         queued,
		ProcessingTime: float64(took.Microseconds()) / 1000,
	}}
}

func BackgroundModeSet(background bool) Outbound {
	msg := "foreground mode set"
	if background {
		msg = "background mode set"
	}
	return Outbound{Event: EventBackgroundModeSet, Data: MessageData{Message: msg}}
}

func SessionRestored(r domain.Restoration) Outbound {
	msg := "session restored"
	if r.ActiveTrip == nil {
		msg = "session restored, no active trip"
	}
	return Outbound{Event: EventSessionRestored, Data: SessionRestoredData{ActiveTrip: r.ActiveTrip, Message: msg}}
}

func TrackingStarted(trip domain.Trip) Outbound {
	return Outbound{Event: EventTrackingStarted, Data: TrackingStartedData{TripID: trip.ID, DriverID: trip.DriverID}}
}

func LocationUpdate(driverID string, sample domain.LocationSample, trip TripData) Outbound {
	return Outbound{Event: EventLocationUpdate, Data: LocationUpdateData{
		DriverID:  driverID,
		Location:  sample.Coordinates(),
		Speed:     sample.Speed,
		Heading:   sample.Heading,
		Timestamp: sample.Timestamp,
		TripData:  trip,
	}}
}

func TripStatusChanged(trip domain.Trip) Outbound {
	return Outbound{Event: EventTripStatusChanged, Data: TripStatusChangedData{
		TripID:   trip.ID,
		Status:   trip.Status,
		Metadata: trip.Metadata,
	}}
}

func Pong(at time.Time) Outbound {
	return Outbound{Event: EventPong, Data: map[string]int64{"timestamp": at.UnixMilli()}}
}

// Error builds the error reply for a rejected operation.
func Error(event string, err error) Outbound {
	return Outbound{Event: EventError, Data: ErrorData{Code: ErrorCode(err), Message: err.Error(), Event: event}}
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidSample):
		return "invalid_sample"
	case errors.Is(err, domain.ErrUnknownActor):
		return "unknown_actor"
	case errors.Is(err, domain.ErrTerminalTrip):
		return "terminal_trip"
	case errors.Is(err, domain.ErrTripNotFound):
		return "trip_not_found"
	case errors.Is(err, domain.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownEvent), errors.Is(err, domain.ErrInvalidTrip):
		return "bad_request"
	default:
		return "internal"
	}
}
