package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridetrack/internal/tracking/conntest"
	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/heartbeat"
	"github.com/example/ridetrack/internal/tracking/ingest"
	"github.com/example/ridetrack/internal/tracking/protocol"
	"github.com/example/ridetrack/internal/tracking/registry"
	"github.com/example/ridetrack/internal/tracking/service"
	"github.com/example/ridetrack/internal/tracking/store"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TrackingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.TrackingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) ofType(t domain.EventType) []domain.TrackingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.TrackingEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc    *service.Service
	clock  *manualClock
	events *recordingPublisher
}

func newHarness(t *testing.T, cfg service.Config) *harness {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	st, err := store.New(nil, store.NewMemoryBackend(), clock, nil)
	require.NoError(t, err)
	events := &recordingPublisher{}
	svc, err := service.New(cfg, service.Deps{Store: st, Events: events, Clock: clock})
	require.NoError(t, err)
	return &harness{svc: svc, clock: clock, events: events}
}

func (h *harness) driver(t *testing.T, id string) *conntest.Conn {
	t.Helper()
	conn := conntest.New()
	_, err := h.svc.RegisterDriver(context.Background(), conn, id)
	require.NoError(t, err)
	return conn
}

func (h *harness) user(t *testing.T, id string) *conntest.Conn {
	t.Helper()
	conn := conntest.New()
	require.NoError(t, h.svc.RegisterUser(context.Background(), conn, id))
	return conn
}

func locationUpdates(conn *conntest.Conn) []protocol.LocationUpdateData {
	var out []protocol.LocationUpdateData
	for _, msg := range conn.Events(protocol.EventLocationUpdate) {
		out = append(out, msg.Data.(protocol.LocationUpdateData))
	}
	return out
}

func at(lng, lat, speed float64) domain.LocationSample {
	return domain.LocationSample{Lng: lng, Lat: lat, Speed: speed}
}

func TestRegisterThenUpdateStoresLatestLocation(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	conn := h.driver(t, "D1")

	ack, ok := conn.Last(protocol.EventDriverRegistered)
	require.True(t, ok)
	require.Equal(t, "D1", ack.Data.(protocol.RegisteredData).ActorID)

	sample := at(77.5, 12.9, 5)
	res, err := h.svc.UpdateLocation(ctx, conn, "D1", sample)
	require.NoError(t, err)
	require.Equal(t, ingest.Result{Accepted: true}, res)

	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, sample, *session.LastLocation)
	require.Equal(t, domain.StateRegistered, session.State)

	sampled := h.events.ofType(domain.EventLocationSampled)
	require.Len(t, sampled, 1)
	require.Equal(t, "D1", sampled[0].DriverID)
	require.NotEmpty(t, sampled[0].ID)
}

func TestUpdateFromUnregisteredConnectionIsRejected(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()

	_, err := h.svc.UpdateLocation(ctx, conntest.New(), "D1", at(77.5, 12.9, 5))
	require.ErrorIs(t, err, domain.ErrUnknownActor)

	conn := h.driver(t, "D1")
	_, err = h.svc.UpdateLocation(ctx, conn, "D1", at(500, 12.9, 5))
	require.ErrorIs(t, err, domain.ErrInvalidSample)
	_, err = h.svc.UpdateLocation(ctx, conn, "D2", at(77.5, 12.9, 5))
	require.ErrorIs(t, err, domain.ErrUnknownActor)
}

func TestDuplicateRegistrationEvictsFirstConnection(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	first := h.driver(t, "D1")
	second := h.driver(t, "D1")

	closed, reason := first.Closed()
	require.True(t, closed)
	require.Equal(t, registry.ReasonSuperseded, reason)

	_, err := h.svc.UpdateLocation(ctx, first, "D1", at(77.5, 12.9, 5))
	require.ErrorIs(t, err, domain.ErrUnknownActor)

	// late close of the evicted socket leaves the new one in place
	h.svc.Disconnect(ctx, registry.DriverKey("D1"), first)
	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, domain.StateRegistered, session.State)

	_, err = h.svc.UpdateLocation(ctx, second, "D1", at(77.5, 12.9, 5))
	require.NoError(t, err)
}

func TestTrackTripDeliversCurrentLocation(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	driver := h.driver(t, "D1")
	_, err := h.svc.UpdateLocation(ctx, driver, "D1", at(77.5, 12.9, 5))
	require.NoError(t, err)
	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1", UserID: "U1"})
	require.NoError(t, err)

	user := h.user(t, "U1")
	trip, err := h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.NoError(t, err)
	require.Equal(t, domain.TripInProgress, trip.Status)

	sent := user.Sent()
	require.Equal(t, protocol.EventRegistered, sent[0].Event)
	require.Equal(t, protocol.EventTrackingStarted, sent[1].Event)
	require.Equal(t, protocol.EventLocationUpdate, sent[2].Event)
	update := sent[2].Data.(protocol.LocationUpdateData)
	require.Equal(t, [2]float64{77.5, 12.9}, update.Location)
	require.Equal(t, "D1", update.DriverID)
	require.Equal(t, 5.0, update.Speed)
	require.Equal(t, "T1", update.TripData.TripID)
}

func TestLocationFanOutCarriesTripData(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	driver := h.driver(t, "D1")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1", Dropoff: &domain.GeoPoint{Lat: 12.91, Lng: 77.5}})
	require.NoError(t, err)
	user := h.user(t, "U1")
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.NoError(t, err)
	require.Empty(t, locationUpdates(user))

	_, err = h.svc.UpdateLocation(ctx, driver, "D1", at(77.5, 12.9, 10))
	require.NoError(t, err)

	updates := locationUpdates(user)
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].TripData.DistanceToDropoffMeters)
	require.InDelta(t, 1112, *updates[0].TripData.DistanceToDropoffMeters, 2)
	require.InDelta(t, 111, *updates[0].TripData.ETASeconds, 1)

	eta, err := h.svc.TripETA(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, updates[0].TripData, eta)
}

func TestWatchingAnotherTripReplacesWatch(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	d1 := h.driver(t, "D1")
	d2 := h.driver(t, "D2")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T2", DriverID: "D2"})
	require.NoError(t, err)

	user := h.user(t, "U1")
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.NoError(t, err)
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T2")
	require.NoError(t, err)

	_, err = h.svc.UpdateLocation(ctx, d1, "D1", at(77.5, 12.9, 5))
	require.NoError(t, err)
	require.Empty(t, locationUpdates(user))

	_, err = h.svc.UpdateLocation(ctx, d2, "D2", at(77.6, 12.8, 5))
	require.NoError(t, err)
	updates := locationUpdates(user)
	require.Len(t, updates, 1)
	require.Equal(t, "D2", updates[0].DriverID)

	tripID, err := h.svc.UntrackTrip(ctx, user, "U1")
	require.NoError(t, err)
	require.Equal(t, "T2", tripID)
	_, err = h.svc.UpdateLocation(ctx, d2, "D2", at(77.6, 12.81, 5))
	require.NoError(t, err)
	require.Len(t, locationUpdates(user), 1)
}

func TestTerminalTripStopsForwarding(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	driver := h.driver(t, "D1")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	user := h.user(t, "U1")
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.NoError(t, err)

	trip, err := h.svc.ChangeTripStatus(ctx, "T1", domain.TripCompleted, map[string]any{"fare": 120})
	require.NoError(t, err)
	require.Equal(t, domain.TripCompleted, trip.Status)

	notices := user.Events(protocol.EventTripStatusChanged)
	require.Len(t, notices, 1)
	require.Equal(t, domain.TripCompleted, notices[0].Data.(protocol.TripStatusChangedData).Status)

	_, err = h.svc.UpdateLocation(ctx, driver, "D1", at(77.5, 12.9, 5))
	require.NoError(t, err)
	require.Empty(t, locationUpdates(user))

	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Empty(t, session.ActiveTripID)

	_, err = h.svc.ChangeTripStatus(ctx, "T1", domain.TripCancelled, nil)
	require.ErrorIs(t, err, domain.ErrTerminalTrip)
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.ErrorIs(t, err, domain.ErrTerminalTrip)
	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.ErrorIs(t, err, domain.ErrTerminalTrip)
	require.Len(t, user.Events(protocol.EventTripStatusChanged), 1)

	require.Len(t, h.events.ofType(domain.EventTripStatusChanged), 1)
	require.Len(t, h.events.ofType(domain.EventTripAssigned), 1)
}

func TestTrackTripErrors(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	user := h.user(t, "U1")

	_, err := h.svc.TrackTrip(ctx, user, "U1", "missing")
	require.ErrorIs(t, err, domain.ErrTripNotFound)

	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1", UserID: "U2"})
	require.NoError(t, err)
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.svc.TrackTrip(ctx, conntest.New(), "U1", "T1")
	require.ErrorIs(t, err, domain.ErrUnknownActor)

	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T2"})
	require.ErrorIs(t, err, domain.ErrInvalidTrip)
	_, err = h.svc.ChangeTripStatus(ctx, "T1", domain.TripStatus("FLYING"), nil)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAssignBeforeRegistrationCreatesDisconnectedSession(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D9"})
	require.NoError(t, err)

	session, err := h.svc.Session(ctx, "D9")
	require.NoError(t, err)
	require.Equal(t, domain.StateDisconnected, session.State)
	require.Equal(t, "T1", session.ActiveTripID)

	h.driver(t, "D9")
	session, err = h.svc.Session(ctx, "D9")
	require.NoError(t, err)
	require.Equal(t, domain.StateRegistered, session.State)
	require.Equal(t, "T1", session.ActiveTripID)
}

func TestReassignReleasesPreviousDriver(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	h.driver(t, "D1")
	h.driver(t, "D2")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D2"})
	require.NoError(t, err)

	s1, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Empty(t, s1.ActiveTripID)
	s2, err := h.svc.Session(ctx, "D2")
	require.NoError(t, err)
	require.Equal(t, "T1", s2.ActiveTripID)
}

func TestAssignRejectsDriverOnOpenTrip(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	h.driver(t, "D1")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	// repeating the same assignment is fine
	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)

	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T2", DriverID: "D1"})
	require.ErrorIs(t, err, domain.ErrInvalidTrip)
	_, err = h.svc.GetTrip(ctx, "T2")
	require.ErrorIs(t, err, domain.ErrTripNotFound)
	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, "T1", session.ActiveTripID)

	_, err = h.svc.ChangeTripStatus(ctx, "T1", domain.TripCancelled, nil)
	require.NoError(t, err)
	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T2", DriverID: "D1"})
	require.NoError(t, err)
	session, err = h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, "T2", session.ActiveTripID)
}

// outboxBackend records trip events next to the trip write, as the postgres
// store does with its outbox table.
type outboxBackend struct {
	*store.MemoryBackend
	mu     sync.Mutex
	events []domain.TrackingEvent
}

func (b *outboxBackend) RecordsEvents() bool { return true }

func (b *outboxBackend) SaveTripWithEvent(ctx context.Context, trip domain.Trip, evt domain.TrackingEvent) error {
	if err := b.SaveTrip(ctx, trip); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
	return nil
}

func TestTripEventsGoToOutboxWhenRecorded(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	durable := &outboxBackend{MemoryBackend: store.NewMemoryBackend()}
	st, err := store.New(nil, durable, clock, nil)
	require.NoError(t, err)
	events := &recordingPublisher{}
	svc, err := service.New(service.Config{}, service.Deps{Store: st, Events: events, Clock: clock})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1", UserID: "U1"})
	require.NoError(t, err)
	_, err = svc.ChangeTripStatus(ctx, "T1", domain.TripCompleted, map[string]any{"fare": 12.5})
	require.NoError(t, err)

	require.Empty(t, events.ofType(domain.EventTripAssigned))
	require.Empty(t, events.ofType(domain.EventTripStatusChanged))
	require.Len(t, durable.events, 2)
	require.Equal(t, domain.EventTripAssigned, durable.events[0].Type)
	require.Equal(t, domain.EventTripStatusChanged, durable.events[1].Type)
	require.Equal(t, "T1", durable.events[1].TripID)
	require.NotEmpty(t, durable.events[1].ID)
	require.Equal(t, clock.Now(), durable.events[1].CreatedAt)
}

func TestTripEventsPublishedWithoutOutbox(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	_, err = h.svc.ChangeTripStatus(ctx, "T1", domain.TripCompleted, nil)
	require.NoError(t, err)
	require.Len(t, h.events.ofType(domain.EventTripAssigned), 1)
	require.Len(t, h.events.ofType(domain.EventTripStatusChanged), 1)
}

func TestBackgroundAndForeground(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	conn := h.driver(t, "D1")

	session, err := h.svc.SetBackground(ctx, conn, "D1", true)
	require.NoError(t, err)
	require.Equal(t, domain.StateBackground, session.State)
	require.True(t, session.Background)
	closed, _ := conn.Closed()
	require.False(t, closed)

	session, err = h.svc.SetBackground(ctx, conn, "D1", false)
	require.NoError(t, err)
	require.Equal(t, domain.StateForeground, session.State)
	require.False(t, session.Background)
}

func TestRestoreAfterReconnectWithinGrace(t *testing.T) {
	h := newHarness(t, service.Config{Heartbeat: heartbeat.Config{Interval: 30 * time.Second, MissLimit: 2}})
	require.Equal(t, time.Minute, h.svc.Grace())
	ctx := context.Background()
	first := h.driver(t, "D1")
	_, err := h.svc.UpdateLocation(ctx, first, "D1", at(77.5, 12.9, 5))
	require.NoError(t, err)
	assigned, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1", UserID: "U1"})
	require.NoError(t, err)
	_, err = h.svc.SetBackground(ctx, first, "D1", true)
	require.NoError(t, err)

	h.svc.Disconnect(ctx, registry.DriverKey("D1"), first)
	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, domain.StateDisconnected, session.State)

	h.clock.Advance(20 * time.Second)
	h.svc.SweepStale(ctx, h.clock.Now())

	second := h.driver(t, "D1")
	res, err := h.svc.RestoreSession(ctx, second, "D1")
	require.NoError(t, err)
	require.NotNil(t, res.ActiveTrip)
	require.Equal(t, assigned, *res.ActiveTrip)
	require.Equal(t, 77.5, res.LastLocation.Lng)

	session, err = h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, domain.StateForeground, session.State)
	require.False(t, session.Background)

	// restore is repeatable
	again, err := h.svc.RestoreSession(ctx, second, "D1")
	require.NoError(t, err)
	require.Equal(t, res.ActiveTrip, again.ActiveTrip)
}

func TestGraceExpiryEvictsIdleSessions(t *testing.T) {
	h := newHarness(t, service.Config{Grace: time.Minute})
	ctx := context.Background()
	idle := h.driver(t, "D1")
	busy := h.driver(t, "D2")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T2", DriverID: "D2"})
	require.NoError(t, err)

	h.svc.Disconnect(ctx, registry.DriverKey("D1"), idle)
	h.svc.Disconnect(ctx, registry.DriverKey("D2"), busy)

	h.clock.Advance(59 * time.Second)
	h.svc.SweepStale(ctx, h.clock.Now())
	_, err = h.svc.Session(ctx, "D1")
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	h.svc.SweepStale(ctx, h.clock.Now())
	_, err = h.svc.Session(ctx, "D1")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	session, err := h.svc.Session(ctx, "D2")
	require.NoError(t, err)
	require.Equal(t, domain.StateDisconnected, session.State)
	require.Equal(t, "T2", session.ActiveTripID)

	res, err := h.svc.Restore(ctx, "D2")
	require.NoError(t, err)
	require.Equal(t, "T2", res.ActiveTrip.ID)
}

func TestSessionKeptForTripExpiresAfterTripEnds(t *testing.T) {
	h := newHarness(t, service.Config{Grace: time.Minute})
	ctx := context.Background()
	conn := h.driver(t, "D1")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	h.svc.Disconnect(ctx, registry.DriverKey("D1"), conn)

	h.clock.Advance(2 * time.Minute)
	h.svc.SweepStale(ctx, h.clock.Now())
	_, err = h.svc.Session(ctx, "D1")
	require.NoError(t, err)

	_, err = h.svc.ChangeTripStatus(ctx, "T1", domain.TripCompleted, nil)
	require.NoError(t, err)
	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, domain.StateDisconnected, session.State)
	require.Empty(t, session.ActiveTripID)

	// the grace period restarts when the trip ends
	h.clock.Advance(59 * time.Second)
	h.svc.SweepStale(ctx, h.clock.Now())
	_, err = h.svc.Session(ctx, "D1")
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	h.svc.SweepStale(ctx, h.clock.Now())
	_, err = h.svc.Session(ctx, "D1")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestReleasedOfflineDriverExpires(t *testing.T) {
	h := newHarness(t, service.Config{Grace: time.Minute})
	ctx := context.Background()
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D9"})
	require.NoError(t, err)
	h.driver(t, "D2")
	_, err = h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D2"})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.svc.SweepStale(ctx, h.clock.Now())
	_, err = h.svc.Session(ctx, "D9")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = h.svc.Session(ctx, "D2")
	require.NoError(t, err)
}

func TestReconnectAfterBackgroundIsForeground(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	first := h.driver(t, "D1")
	_, err := h.svc.SetBackground(ctx, first, "D1", true)
	require.NoError(t, err)
	h.svc.Disconnect(ctx, registry.DriverKey("D1"), first)

	h.driver(t, "D1")
	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, domain.StateRegistered, session.State)
	require.False(t, session.Background)
}

func TestReconnectBeforeSweepKeepsSession(t *testing.T) {
	h := newHarness(t, service.Config{Grace: time.Minute})
	ctx := context.Background()
	first := h.driver(t, "D1")
	h.svc.Disconnect(ctx, registry.DriverKey("D1"), first)
	h.driver(t, "D1")

	h.clock.Advance(2 * time.Minute)
	h.svc.SweepStale(ctx, h.clock.Now())
	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, domain.StateRegistered, session.State)
}

func TestHeartbeatDeathDisconnectsDriver(t *testing.T) {
	h := newHarness(t, service.Config{Heartbeat: heartbeat.Config{Interval: time.Second, MissLimit: 2}})
	ctx := context.Background()
	conn := h.driver(t, "D1")
	alive := h.driver(t, "D2")

	for i := 0; i < 3; i++ {
		h.svc.Monitor().Sweep(ctx)
		h.svc.Touch(registry.DriverKey("D2"))
	}

	closed, reason := conn.Closed()
	require.True(t, closed)
	require.Equal(t, heartbeat.ReasonHeartbeat, reason)
	_, ok := h.svc.Registry().Lookup(registry.DriverKey("D1"))
	require.False(t, ok)
	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, domain.StateDisconnected, session.State)

	closed, _ = alive.Closed()
	require.False(t, closed)
	require.Equal(t, 1, h.svc.Metrics().Snapshot().ActiveConnections)
}

func TestUserDisconnectEndsWatch(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	h.driver(t, "D1")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	user := h.user(t, "U1")
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.NoError(t, err)

	h.svc.Disconnect(ctx, registry.UserKey("U1"), user)
	_, ok := h.svc.Broker().WatchedTrip("U1")
	require.False(t, ok)
}

func TestUserReconnectKeepsWatch(t *testing.T) {
	h := newHarness(t, service.Config{})
	ctx := context.Background()
	driver := h.driver(t, "D1")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	first := h.user(t, "U1")
	_, err = h.svc.TrackTrip(ctx, first, "U1", "T1")
	require.NoError(t, err)

	second := h.user(t, "U1")
	h.svc.Disconnect(ctx, registry.UserKey("U1"), first)

	_, err = h.svc.UpdateLocation(ctx, driver, "D1", at(77.5, 12.9, 5))
	require.NoError(t, err)
	require.Len(t, locationUpdates(second), 1)
	require.Empty(t, locationUpdates(first))
}

func TestBatchModeDeliversLatestSample(t *testing.T) {
	h := newHarness(t, service.Config{Ingest: ingest.Config{ThresholdRPS: 50, Window: time.Second}})
	ctx := context.Background()
	driver := h.driver(t, "D1")
	_, err := h.svc.AssignTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1"})
	require.NoError(t, err)
	user := h.user(t, "U1")
	_, err = h.svc.TrackTrip(ctx, user, "U1", "T1")
	require.NoError(t, err)

	var last domain.LocationSample
	queued := 0
	for i := 0; i < 80; i++ {
		last = at(77.5+float64(i)*0.0001, 12.9, 5)
		res, err := h.svc.UpdateLocation(ctx, driver, "D1", last)
		require.NoError(t, err)
		if res.Queued {
			queued++
		}
		h.clock.Advance(5 * time.Millisecond)
	}
	require.Positive(t, queued)
	snap := h.svc.Metrics().Snapshot()
	require.True(t, snap.BatchModeActive)
	require.Greater(t, snap.UpdatesPerSecond, 50.0)
	require.Equal(t, 2, snap.ActiveConnections)

	before := len(locationUpdates(user))
	require.Equal(t, 1, h.svc.Pipeline().Flush(ctx))
	updates := locationUpdates(user)
	require.Len(t, updates, before+1)
	require.Equal(t, last.Coordinates(), updates[len(updates)-1].Location)

	session, err := h.svc.Session(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, last, *session.LastLocation)
}

func TestCachedFlagReflectsCacheLayer(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.New(store.NewRedisCache(client, "", time.Hour), store.NewMemoryBackend(), nil, nil)
	require.NoError(t, err)
	svc, err := service.New(service.Config{}, service.Deps{Store: st})
	require.NoError(t, err)
	ctx := context.Background()
	conn := conntest.New()
	_, err = svc.RegisterDriver(ctx, conn, "D1")
	require.NoError(t, err)

	res, err := svc.UpdateLocation(ctx, conn, "D1", at(77.5, 12.9, 5))
	require.NoError(t, err)
	require.True(t, res.Cached)

	ids, err := svc.NearbyDrivers(ctx, domain.GeoPoint{Lat: 12.9, Lng: 77.5}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"D1"}, ids)
}
