package domain

import (
	"context"
	"errors"
	"math"
	"time"
)

type TripStatus string

const (
	TripInProgress TripStatus = "IN_PROGRESS"
	TripCancelled  TripStatus = "CANCELLED"
	TripCompleted  TripStatus = "COMPLETED"
)

var (
	ErrInvalidSample     = errors.New("invalid location sample")
	ErrUnknownActor      = errors.New("unknown actor")
	ErrTerminalTrip      = errors.New("trip already in terminal status")
	ErrTripNotFound      = errors.New("trip not found")
	ErrSessionNotFound   = errors.New("driver session not found")
	ErrInvalidTransition = errors.New("invalid trip status transition")
	ErrForbidden         = errors.New("actor does not match credentials")
	ErrInvalidTrip       = errors.New("invalid trip")
)

// Terminal reports whether no further location updates are valid for the trip.
func (s TripStatus) Terminal() bool {
	return s == TripCancelled || s == TripCompleted
}

func (s TripStatus) Valid() bool {
	switch s {
	case TripInProgress, TripCancelled, TripCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo allows InProgress to move to a terminal status, and repeated
// non-terminal writes. Terminal statuses never change.
func (s TripStatus) CanTransitionTo(next TripStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.Valid()
}

type SessionState string

const (
	StateDisconnected SessionState = "DISCONNECTED"
	StateRegistered   SessionState = "REGISTERED"
	StateForeground   SessionState = "FOREGROUND"
	StateBackground   SessionState = "BACKGROUND"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleUser   Role = "user"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LocationSample is the latest known position of a driver. Only the most
// recent sample per driver is retained.
type LocationSample struct {
	Lng       float64   `json:"lng"`
	Lat       float64   `json:"lat"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (s LocationSample) Point() GeoPoint {
	return GeoPoint{Lat: s.Lat, Lng: s.Lng}
}

// Coordinates returns the [lon, lat] pair used on the wire.
func (s LocationSample) Coordinates() [2]float64 {
	return [2]float64{s.Lng, s.Lat}
}

// Validate checks coordinate ranges and the non-negative motion fields.
func (s LocationSample) Validate() error {
	for _, v := range []float64{s.Lng, s.Lat, s.Speed, s.Heading, s.Accuracy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidSample
		}
	}
	if s.Lat < -90 || s.Lat > 90 || s.Lng < -180 || s.Lng > 180 {
		return ErrInvalidSample
	}
	if s.Speed < 0 || s.Accuracy < 0 {
		return ErrInvalidSample
	}
	if s.Heading < 0 || s.Heading > 360 {
		return ErrInvalidSample
	}
	return nil
}

type DriverSession struct {
	DriverID     string          `json:"driverId"`
	State        SessionState    `json:"state"`
	Background   bool            `json:"background"`
	ActiveTripID string          `json:"activeTripId,omitempty"`
	LastLocation *LocationSample `json:"lastLocation,omitempty"`
	RegisteredAt time.Time       `json:"registeredAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// SessionPatch carries a partial update; nil fields are left untouched.
// ClearActiveTrip wins over ActiveTripID.
type SessionPatch struct {
	State           *SessionState
	Background      *bool
	ActiveTripID    *string
	ClearActiveTrip bool
	LastLocation    *LocationSample
	RegisteredAt    *time.Time
}

// Apply merges the patch into the session and stamps UpdatedAt.
func (p SessionPatch) Apply(s DriverSession, now time.Time) DriverSession {
	if p.State != nil {
		s.State = *p.State
	}
	if p.Background != nil {
		s.Background = *p.Background
	}
	if p.ActiveTripID != nil {
		s.ActiveTripID = *p.ActiveTripID
	}
	if p.ClearActiveTrip {
		s.ActiveTripID = ""
	}
	if p.LastLocation != nil {
		loc := *p.LastLocation
		s.LastLocation = &loc
	}
	if p.RegisteredAt != nil {
		s.RegisteredAt = *p.RegisteredAt
	}
	s.UpdatedAt = now
	return s
}

type Trip struct {
	ID        string         `json:"id"`
	DriverID  string         `json:"driverId"`
	UserID    string         `json:"userId,omitempty"`
	Status    TripStatus     `json:"status"`
	Dropoff   *GeoPoint      `json:"dropoff,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Restoration is what a reconnecting driver needs to reconcile its UI.
type Restoration struct {
	ActiveTrip   *Trip           `json:"activeTrip"`
	LastLocation *LocationSample `json:"lastLocation,omitempty"`
}

type EventType string

const (
	EventLocationSampled   EventType = "location.sampled"
	EventTripStatusChanged EventType = "trip.status_changed"
	EventTripAssigned      EventType = "trip.assigned"
)

// TrackingEvent is handed to the external persistence collaborators.
type TrackingEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	DriverID  string         `json:"driverId,omitempty"`
	TripID    string         `json:"tripId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event TrackingEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
