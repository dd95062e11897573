package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	etasvc "github.com/example/ridetrack/internal/eta/service"
	"github.com/example/ridetrack/internal/tracking/broker"
	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/heartbeat"
	"github.com/example/ridetrack/internal/tracking/ingest"
	"github.com/example/ridetrack/internal/tracking/keylock"
	"github.com/example/ridetrack/internal/tracking/metrics"
	"github.com/example/ridetrack/internal/tracking/protocol"
	"github.com/example/ridetrack/internal/tracking/registry"
	"github.com/example/ridetrack/internal/tracking/store"
)

var errNotConnected = errors.New("user not connected")

type Config struct {
	Ingest    ingest.Config
	Heartbeat heartbeat.Config
	// Grace is how long a disconnected driver session survives before the
	// sweep evicts it. Zero means heartbeat interval times miss limit.
	Grace time.Duration
}

type Deps struct {
	Store    *store.Store
	Registry *registry.Registry
	// Events receives every applied location sample.
	Events domain.EventPublisher
	// TripEvents receives trip assignment and status changes the store did
	// not record in its outbox; Events is used when nil.
	TripEvents domain.EventPublisher
	ETA        *etasvc.Service
	Clock      domain.Clock
	Logger     *zap.Logger
}

// Service runs the driver session lifecycle on top of the registry, the
// ingest pipeline, the session store and the watch broker.
type Service struct {
	store      *store.Store
	registry   *registry.Registry
	broker     *broker.Broker
	pipeline   *ingest.Pipeline
	monitor    *heartbeat.Monitor
	collector  *metrics.Collector
	events     domain.EventPublisher
	tripEvents domain.EventPublisher
	eta        *etasvc.Service
	clock      domain.Clock
	logger     *zap.Logger
	locks      *keylock.Striped
	grace      time.Duration

	discMu       sync.Mutex
	disconnected map[string]time.Time
}

// New wires the components together.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(deps.Clock, deps.Logger.Named("registry"))
	}
	if deps.TripEvents == nil {
		deps.TripEvents = deps.Events
	}
	if deps.ETA == nil {
		deps.ETA = etasvc.New(0)
	}
	s := &Service{
		store:        deps.Store,
		registry:     deps.Registry,
		events:       deps.Events,
		tripEvents:   deps.TripEvents,
		eta:          deps.ETA,
		clock:        deps.Clock,
		logger:       deps.Logger,
		locks:        keylock.New(0),
		disconnected: make(map[string]time.Time),
	}
	s.broker = broker.New(s.deliver, deps.Logger.Named("broker"))
	s.pipeline = ingest.New(cfg.Ingest, s.applySample, s.isRegistered, deps.Clock, deps.Logger.Named("ingest"))
	s.monitor = heartbeat.New(cfg.Heartbeat, s.onDead, s.SweepStale, deps.Clock, deps.Logger.Named("heartbeat"))
	s.collector = metrics.New(s.registry, s.pipeline)
	s.grace = cfg.Grace
	if s.grace <= 0 {
		hb := cfg.Heartbeat
		if hb.Interval <= 0 {
			hb.Interval = heartbeat.DefaultInterval
		}
		if hb.MissLimit < 1 {
			hb.MissLimit = heartbeat.DefaultMissLimit
		}
		s.grace = hb.Interval * time.Duration(hb.MissLimit)
	}
	return s, nil
}

func (s *Service) Pipeline() *ingest.Pipeline { return s.pipeline }
func (s *Service) Monitor() *heartbeat.Monitor { return s.monitor }
func (s *Service) Metrics() *metrics.Collector { return s.collector }
func (s *Service) Broker() *broker.Broker { return s.broker }
func (s *Service) Registry() *registry.Registry { return s.registry }
func (s *Service) Grace() time.Duration { return s.grace }

// Run drives the batching window and the heartbeat until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.pipeline.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = s.monitor.Run(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// RegisterDriver binds conn to driverID, evicting any older connection, and
// moves the session to Registered. The active trip survives reconnects.
func (s *Service) RegisterDriver(ctx context.Context, conn registry.Conn, driverID string) (domain.DriverSession, error) {
	if driverID == "" {
		return domain.DriverSession{}, fmt.Errorf("empty driver id: %w", domain.ErrUnknownActor)
	}
	key := registry.DriverKey(driverID)
	unlock := s.locks.Lock(key.String())
	defer unlock()

	// a fresh connection starts in the foreground
	registered := domain.StateRegistered
	foreground := false
	session, _, err := s.store.Upsert(ctx, driverID, domain.SessionPatch{State: &registered, Background: &foreground})
	if err != nil {
		return domain.DriverSession{}, fmt.Errorf("register driver %s: %w", driverID, err)
	}
	if _, err := s.registry.Register(key, conn); err != nil {
		s.logger.Warn("registration ack failed", zap.String("driver_id", driverID), zap.Error(err))
	}
	s.monitor.Track(key, conn)
	s.discMu.Lock()
	delete(s.disconnected, driverID)
	s.discMu.Unlock()
	return session, nil
}

// RegisterUser binds conn to userID. An existing watch is kept and follows
// the user to the new connection.
func (s *Service) RegisterUser(_ context.Context, conn registry.Conn, userID string) error {
	if userID == "" {
		return fmt.Errorf("empty user id: %w", domain.ErrUnknownActor)
	}
	key := registry.UserKey(userID)
	if _, err := s.registry.Register(key, conn); err != nil {
		s.logger.Warn("registration ack failed", zap.String("user_id", userID), zap.Error(err))
	}
	s.monitor.Track(key, conn)
	return nil
}

// UpdateLocation hands a sample from the driver's live connection to the
// ingest pipeline.
func (s *Service) UpdateLocation(ctx context.Context, conn registry.Conn, driverID string, sample domain.LocationSample) (ingest.Result, error) {
	if err := s.ensureOwner(registry.DriverKey(driverID), conn); err != nil {
		return ingest.Result{}, err
	}
	return s.pipeline.Ingest(ctx, driverID, sample)
}

// SetBackground flips the background flag. The connection stays open.
func (s *Service) SetBackground(ctx context.Context, conn registry.Conn, driverID string, background bool) (domain.DriverSession, error) {
	key := registry.DriverKey(driverID)
	if err := s.ensureOwner(key, conn); err != nil {
		return domain.DriverSession{}, err
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	state := domain.StateForeground
	if background {
		state = domain.StateBackground
	}
	session, _, err := s.store.Upsert(ctx, driverID, domain.SessionPatch{State: &state, Background: &background})
	if err != nil {
		return domain.DriverSession{}, fmt.Errorf("set background %s: %w", driverID, err)
	}
	s.logger.Debug("app mode changed", zap.String("driver_id", driverID), zap.Bool("background", background))
	return session, nil
}

// RestoreSession returns the driver's active trip and last location as they
// were before the call, then moves the session to Foreground.
func (s *Service) RestoreSession(ctx context.Context, conn registry.Conn, driverID string) (domain.Restoration, error) {
	key := registry.DriverKey(driverID)
	if err := s.ensureOwner(key, conn); err != nil {
		return domain.Restoration{}, err
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	res, err := s.Restore(ctx, driverID)
	if err != nil {
		return domain.Restoration{}, err
	}
	state := domain.StateForeground
	background := false
	if _, _, err := s.store.Upsert(ctx, driverID, domain.SessionPatch{State: &state, Background: &background}); err != nil {
		return domain.Restoration{}, fmt.Errorf("restore %s: %w", driverID, err)
	}
	return res, nil
}

// Restore is the read-only half of session restoration.
func (s *Service) Restore(ctx context.Context, driverID string) (domain.Restoration, error) {
	res, ok, err := s.store.Restore(ctx, driverID)
	if err != nil {
		return domain.Restoration{}, fmt.Errorf("restore %s: %w", driverID, err)
	}
	if !ok {
		return domain.Restoration{}, fmt.Errorf("driver %s: %w", driverID, domain.ErrSessionNotFound)
	}
	return res, nil
}

// Session returns the stored session for driverID.
func (s *Service) Session(ctx context.Context, driverID string) (domain.DriverSession, error) {
	session, ok, err := s.store.Get(ctx, driverID)
	if err != nil {
		return domain.DriverSession{}, fmt.Errorf("load session %s: %w", driverID, err)
	}
	if !ok {
		return domain.DriverSession{}, fmt.Errorf("driver %s: %w", driverID, domain.ErrSessionNotFound)
	}
	return session, nil
}

// TrackTrip subscribes the user to the trip, replies tracking_started and,
// when the driver has a known position, one location_update built from the
// store. It runs under the driver's lock so a concurrent fan-out cannot be
// overtaken by the older initial position.
func (s *Service) TrackTrip(ctx context.Context, conn registry.Conn, userID, tripID string) (domain.Trip, error) {
	if err := s.ensureOwner(registry.UserKey(userID), conn); err != nil {
		return domain.Trip{}, err
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
	if trip.Status.Terminal() {
		return domain.Trip{}, fmt.Errorf("trip %s is %s: %w", tripID, trip.Status, domain.ErrTerminalTrip)
	}
	if trip.UserID != "" && trip.UserID != userID {
		return domain.Trip{}, fmt.Errorf("trip %s: %w", tripID, domain.ErrForbidden)
	}

	if prev, replaced := s.broker.Watch(userID, tripID); replaced {
		s.logger.Debug("watch replaced", zap.String("user_id", userID), zap.String("previous_trip", prev), zap.String("trip_id", tripID))
	}
	if err := conn.Send(protocol.TrackingStarted(trip)); err != nil {
		return trip, err
	}
	session, ok, err := s.store.Get(ctx, trip.DriverID)
	if err != nil {
		s.logger.Warn("initial position unavailable", zap.String("trip_id", tripID), zap.Error(err))
		return trip, nil
	}
	if ok && session.LastLocation != nil {
		loc := *session.LastLocation
		if err := conn.Send(protocol.LocationUpdate(trip.DriverID, loc, s.tripData(ctx, trip, loc))); err != nil {
			return trip, err
		}
	}
	return trip, nil
}

// UntrackTrip cancels the user's watch. It returns the trip that was watched.
func (s *Service) UntrackTrip(_ context.Context, conn registry.Conn, userID string) (string, error) {
	if err := s.ensureOwner(registry.UserKey(userID), conn); err != nil {
		return "", err
	}
	tripID, _ := s.broker.Unwatch(userID)
	return tripID, nil
}

// Touch records liveness for the actor behind key.
func (s *Service) Touch(key registry.Key) {
	s.monitor.Touch(key)
}

// Disconnect handles a transport close. A connection that was already
// superseded changes nothing. A driver session is kept as Disconnected for
// the grace period; a user's watch ends immediately.
func (s *Service) Disconnect(ctx context.Context, key registry.Key, conn registry.Conn) {
	if !s.registry.Release(key, conn) {
		return
	}
	s.monitor.Untrack(key, conn)
	switch key.Role {
	case domain.RoleUser:
		if tripID, ok := s.broker.Unwatch(key.ID); ok {
			s.logger.Debug("watch ended by disconnect", zap.String("user_id", key.ID), zap.String("trip_id", tripID))
		}
	case domain.RoleDriver:
		unlock := s.locks.Lock(key.String())
		defer unlock()
		state := domain.StateDisconnected
		if _, _, err := s.store.Upsert(ctx, key.ID, domain.SessionPatch{State: &state}); err != nil {
			s.logger.Warn("mark disconnected failed", zap.String("driver_id", key.ID), zap.Error(err))
		}
		s.discMu.Lock()
		s.disconnected[key.ID] = s.clock.Now()
		s.discMu.Unlock()
		s.logger.Info("driver disconnected", zap.String("driver_id", key.ID), zap.Duration("grace", s.grace))
	}
}

// SweepStale evicts driver sessions that stayed disconnected past the grace
// period. Sessions still holding an active trip are kept for restoration.
func (s *Service) SweepStale(ctx context.Context, now time.Time) {
	var expired []string
	s.discMu.Lock()
	for driverID, since := range s.disconnected {
		if now.Sub(since) >= s.grace {
			expired = append(expired, driverID)
			delete(s.disconnected, driverID)
		}
	}
	s.discMu.Unlock()

	for _, driverID := range expired {
		if s.expire(ctx, driverID) {
			// outside the driver lock: the pipeline takes its own lock first
			s.pipeline.Forget(driverID)
		}
	}
}

func (s *Service) expire(ctx context.Context, driverID string) bool {
	key := registry.DriverKey(driverID)
	unlock := s.locks.Lock(key.String())
	defer unlock()
	if s.isRegistered(driverID) {
		return false
	}
	session, ok, err := s.store.Get(ctx, driverID)
	if err != nil || !ok || session.State != domain.StateDisconnected {
		return false
	}
	if session.ActiveTripID != "" {
		trip, found, err := s.store.GetTrip(ctx, session.ActiveTripID)
		if err == nil && found && !trip.Status.Terminal() {
			s.logger.Info("stale session kept for active trip", zap.String("driver_id", driverID), zap.String("trip_id", trip.ID))
			return false
		}
	}
	if err := s.store.Delete(ctx, driverID); err != nil {
		s.logger.Warn("evict session failed", zap.String("driver_id", driverID), zap.Error(err))
		return false
	}
	s.logger.Info("stale session evicted", zap.String("driver_id", driverID))
	return true
}

// rearmGrace restarts the grace period for a session left Disconnected
// without an active trip. The caller holds the driver's lock.
func (s *Service) rearmGrace(session domain.DriverSession) {
	if session.State != domain.StateDisconnected || session.ActiveTripID != "" || s.isRegistered(session.DriverID) {
		return
	}
	s.discMu.Lock()
	if _, ok := s.disconnected[session.DriverID]; !ok {
		s.disconnected[session.DriverID] = s.clock.Now()
	}
	s.discMu.Unlock()
}

func (s *Service) onDead(ctx context.Context, key registry.Key, conn registry.Conn) {
	s.Disconnect(ctx, key, conn)
}

// applySample is the ingest pipeline's applier: persist, then fan out to the
// trip's watchers, then hand the sample to the history sink.
func (s *Service) applySample(ctx context.Context, driverID string, sample domain.LocationSample) (bool, error) {
	unlock := s.locks.Lock(registry.DriverKey(driverID).String())
	defer unlock()

	session, cached, err := s.store.Upsert(ctx, driverID, domain.SessionPatch{LastLocation: &sample})
	if err != nil {
		return false, fmt.Errorf("store sample %s: %w", driverID, err)
	}
	if session.ActiveTripID != "" {
		trip, ok, err := s.store.GetTrip(ctx, session.ActiveTripID)
		switch {
		case err != nil:
			s.logger.Warn("trip lookup failed", zap.String("driver_id", driverID), zap.String("trip_id", session.ActiveTripID), zap.Error(err))
		case !ok:
			s.logger.Debug("active trip missing", zap.String("driver_id", driverID), zap.String("trip_id", session.ActiveTripID))
		case trip.Status.Terminal():
			s.logger.Debug("sample for terminal trip not forwarded", zap.String("driver_id", driverID), zap.String("trip_id", trip.ID))
		default:
			s.broker.Publish(trip.ID, protocol.LocationUpdate(driverID, sample, s.tripData(ctx, trip, sample)))
		}
	}
	s.emit(ctx, s.events, domain.TrackingEvent{
		Type:     domain.EventLocationSampled,
		DriverID: driverID,
		TripID:   session.ActiveTripID,
		Payload: map[string]any{
			"lng":       sample.Lng,
			"lat":       sample.Lat,
			"speed":     sample.Speed,
			"heading":   sample.Heading,
			"accuracy":  sample.Accuracy,
			"timestamp": sample.Timestamp,
		},
	})
	return cached, nil
}

func (s *Service) tripData(ctx context.Context, trip domain.Trip, sample domain.LocationSample) protocol.TripData {
	data := protocol.TripData{TripID: trip.ID, Status: trip.Status}
	if trip.Dropoff != nil {
		est := s.eta.EstimateToDropoff(ctx, sample, *trip.Dropoff)
		dist := est.DistanceMeters
		secs := est.Duration.Seconds()
		data.DistanceToDropoffMeters = &dist
		data.ETASeconds = &secs
	}
	return data
}

func (s *Service) deliver(userID string, msg protocol.Outbound) error {
	conn, ok := s.registry.Lookup(registry.UserKey(userID))
	if !ok {
		return errNotConnected
	}
	return conn.Send(msg)
}

func (s *Service) isRegistered(driverID string) bool {
	_, ok := s.registry.Lookup(registry.DriverKey(driverID))
	return ok
}

// ensureOwner rejects events arriving on a connection that is not the live
// registration for key.
func (s *Service) ensureOwner(key registry.Key, conn registry.Conn) error {
	if key.ID == "" {
		return fmt.Errorf("empty %s id: %w", key.Role, domain.ErrUnknownActor)
	}
	current, ok := s.registry.Lookup(key)
	if !ok || current != conn {
		return fmt.Errorf("%s is not registered on this connection: %w", key, domain.ErrUnknownActor)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, pub domain.EventPublisher, evt domain.TrackingEvent) {
	s.publish(ctx, pub, s.newEvent(evt))
}

func (s *Service) newEvent(evt domain.TrackingEvent) domain.TrackingEvent {
	evt.ID = uuid.NewString()
	evt.CreatedAt = s.clock.Now()
	return evt
}

func (s *Service) publish(ctx context.Context, pub domain.EventPublisher, evt domain.TrackingEvent) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish event failed", zap.String("type", string(evt.Type)), zap.String("driver_id", evt.DriverID), zap.Error(err))
	}
}
