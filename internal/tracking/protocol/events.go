package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ridetrack/internal/tracking/domain"
)

// Inbound event names.
const (
	EventRegisterDriver = "register_driver"
	EventUpdateLocation = "update_location"
	EventAppBackground  = "app_background"
	EventRestoreSession = "restore_session"
	EventTrackTrip      = "track_trip"
	EventUntrackTrip    = "untrack_trip"
	EventPing           = "ping"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the frame shape of every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is implemented by every inbound variant. The set is closed.
type Message interface {
	EventName() string
	validate() error
}

type RegisterDriver struct {
	DriverID string `json:"driverId"`
}

type UpdateLocation struct {
	DriverID string    `json:"driverId"`
	Location []float64 `json:"location"`
	Speed    float64   `json:"speed"`
	Accuracy float64   `json:"accuracy"`
	Heading  float64   `json:"heading"`
	// Timestamp is the optional client fix time in unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

type AppBackground struct {
	DriverID     string `json:"driverId"`
	IsBackground *bool  `json:"isBackground"`
}

type RestoreSession struct {
	DriverID string `json:"driverId"`
}

type TrackTrip struct {
	TripID string `json:"tripId"`
	UserID string `json:"userId"`
}

type UntrackTrip struct{}

type Ping struct{}

func (RegisterDriver) EventName() string { return EventRegisterDriver }
func (UpdateLocation) EventName() string { return EventUpdateLocation }
func (AppBackground) EventName() string  { return EventAppBackground }
func (RestoreSession) EventName() string { return EventRestoreSession }
func (TrackTrip) EventName() string      { return EventTrackTrip }
func (UntrackTrip) EventName() string    { return EventUntrackTrip }
func (Ping) EventName() string           { return EventPing }

func (m RegisterDriver) validate() error { return requireID("driverId", m.DriverID) }
func (m RestoreSession) validate() error { return requireID("driverId", m.DriverID) }
func (UntrackTrip) validate() error      { return nil }
func (Ping) validate() error             { return nil }

func (m AppBackground) validate() error {
	if err := requireID("driverId", m.DriverID); err != nil {
		return err
	}
	if m.IsBackground == nil {
		return fmt.Errorf("%w: isBackground is required", ErrMalformed)
	}
	return nil
}

func (m TrackTrip) validate() error {
	if err := requireID("tripId", m.TripID); err != nil {
		return err
	}
	return requireID("userId", m.UserID)
}

func (m UpdateLocation) validate() error {
	if err := requireID("driverId", m.DriverID); err != nil {
		return err
	}
	if len(m.Location) != 2 {
		return fmt.Errorf("%w: location must be [lon, lat]", domain.ErrInvalidSample)
	}
	return nil
}

// Sample converts the payload into a domain sample stamped with the client
// fix time, or with arrival time when the client sent none.
func (m UpdateLocation) Sample(arrived time.Time) domain.LocationSample {
	sample := domain.LocationSample{
		Speed:     m.Speed,
		Heading:   m.Heading,
		Accuracy:  m.Accuracy,
		Timestamp: arrived,
	}
	if m.Timestamp > 0 {
		sample.Timestamp = time.UnixMilli(m.Timestamp).UTC()
	}
	if len(m.Location) == 2 {
		sample.Lng = m.Location[0]
		sample.Lat = m.Location[1]
	}
	return sample
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	return nil
}

var driverEvents = map[string]func() Message{
	EventRegisterDriver: func() Message { return &RegisterDriver{} },
	EventUpdateLocation: func() Message { return &UpdateLocation{} },
	EventAppBackground:  func() Message { return &AppBackground{} },
	EventRestoreSession: func() Message { return &RestoreSession{} },
	EventPing:           func() Message { return &Ping{} },
}

var userEvents = map[string]func() Message{
	EventTrackTrip:   func() Message { return &TrackTrip{} },
	EventUntrackTrip: func() Message { return &UntrackTrip{} },
	EventPing:        func() Message { return &Ping{} },
}

// Decode parses one frame for the given namespace and validates its fields.
// The returned Message is always a value type (RegisterDriver, not *RegisterDriver).
func Decode(raw []byte, ns domain.Role) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	table := driverEvents
	if ns == domain.RoleUser {
		table = userEvents
	}
	factory, ok := table[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	ptr := factory()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, ptr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
		}
	}
	msg := deref(ptr)
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *RegisterDriver:
		return *v
	case *UpdateLocation:
		return *v
	case *AppBackground:
		return *v
	case *RestoreSession:
		return *v
	case *TrackTrip:
		return *v
	case *UntrackTrip:
		return *v
	case *Ping:
		return *v
	default:
		return m
	}
}
