package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func ptr[T any](v T) *T { return &v }

func TestUpsertWritesThroughBothLayers(t *testing.T) {
	_, client := newRedisClient(t)
	cache := store.NewRedisCache(client, "", time.Hour)
	durable := store.NewMemoryBackend()
	clock := fixedClock{t: time.Unix(1000, 0).UTC()}
	st, err := store.New(cache, durable, clock, nil)
	require.NoError(t, err)
	ctx := context.Background()

	sample := domain.LocationSample{Lng: 77.5, Lat: 12.9, Speed: 5, Timestamp: clock.t}
	session, cached, err := st.Upsert(ctx, "D1", domain.SessionPatch{LastLocation: &sample})
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, domain.StateRegistered, session.State)
	require.Equal(t, clock.t, session.RegisteredAt)

	fromCache, ok, err := cache.LoadSession(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sample, *fromCache.LastLocation)

	fromDurable, ok, err := durable.LoadSession(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sample, *fromDurable.LastLocation)

	got, ok, err := st.Get(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sample, *got.LastLocation)
}

func TestCacheLossKeepsLatestPosition(t *testing.T) {
	mr, client := newRedisClient(t)
	cache := store.NewRedisCache(client, "", time.Hour)
	st, err := store.New(cache, store.NewMemoryBackend(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	sample := domain.LocationSample{Lng: 10, Lat: 20}
	_, _, err = st.Upsert(ctx, "D1", domain.SessionPatch{LastLocation: &sample, ActiveTripID: ptr("T1")})
	require.NoError(t, err)

	mr.FlushAll()

	got, ok, err := st.Get(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "T1", got.ActiveTripID)
	require.Equal(t, sample.Lat, got.LastLocation.Lat)

	// the miss repopulated the cache
	_, ok, err = cache.LoadSession(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpsertSurvivesCacheOutage(t *testing.T) {
	mr, client := newRedisClient(t)
	st, err := store.New(store.NewRedisCache(client, "", time.Hour), store.NewMemoryBackend(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	mr.Close()

	session, cached, err := st.Upsert(ctx, "D1", domain.SessionPatch{Background: ptr(true)})
	require.NoError(t, err)
	require.False(t, cached)
	require.True(t, session.Background)

	got, ok, err := st.Get(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Background)
}

func TestPatchSemantics(t *testing.T) {
	st, err := store.New(nil, store.NewMemoryBackend(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, cached, err := st.Upsert(ctx, "D1", domain.SessionPatch{ActiveTripID: ptr("T1"), Background: ptr(true)})
	require.NoError(t, err)
	require.False(t, cached)

	session, _, err := st.Upsert(ctx, "D1", domain.SessionPatch{State: ptr(domain.StateForeground)})
	require.NoError(t, err)
	require.Equal(t, "T1", session.ActiveTripID)
	require.True(t, session.Background)
	require.Equal(t, domain.StateForeground, session.State)

	session, _, err = st.Upsert(ctx, "D1", domain.SessionPatch{ActiveTripID: ptr("T2"), ClearActiveTrip: true})
	require.NoError(t, err)
	require.Empty(t, session.ActiveTripID)
}

func TestRestore(t *testing.T) {
	_, client := newRedisClient(t)
	st, err := store.New(store.NewRedisCache(client, "", time.Hour), store.NewMemoryBackend(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := st.Restore(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.PutTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1", Status: domain.TripInProgress}))
	_, _, err = st.Upsert(ctx, "D1", domain.SessionPatch{ActiveTripID: ptr("T1")})
	require.NoError(t, err)

	res, ok, err := st.Restore(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, res.ActiveTrip)
	require.Equal(t, "T1", res.ActiveTrip.ID)

	// restore is a pure read
	again, _, err := st.Restore(ctx, "D1")
	require.NoError(t, err)
	require.Equal(t, res, again)

	require.NoError(t, st.PutTrip(ctx, domain.Trip{ID: "T1", DriverID: "D1", Status: domain.TripCompleted}))
	res, ok, err = st.Restore(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, res.ActiveTrip)
}

func TestDeleteRemovesBothLayers(t *testing.T) {
	_, client := newRedisClient(t)
	cache := store.NewRedisCache(client, "", time.Hour)
	durable := store.NewMemoryBackend()
	st, err := store.New(cache, durable, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = st.Upsert(ctx, "D1", domain.SessionPatch{})
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, "D1"))

	_, ok, _ := cache.LoadSession(ctx, "D1")
	require.False(t, ok)
	_, ok, _ = durable.LoadSession(ctx, "D1")
	require.False(t, ok)
}

func TestMemoryNearby(t *testing.T) {
	st, err := store.New(nil, store.NewMemoryBackend(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	near := domain.LocationSample{Lat: 12.9716, Lng: 77.5946}
	far := domain.LocationSample{Lat: 13.1986, Lng: 77.7066}
	_, _, err = st.Upsert(ctx, "near", domain.SessionPatch{LastLocation: &near})
	require.NoError(t, err)
	_, _, err = st.Upsert(ctx, "far", domain.SessionPatch{LastLocation: &far})
	require.NoError(t, err)
	_, _, err = st.Upsert(ctx, "nowhere", domain.SessionPatch{})
	require.NoError(t, err)
	_, _, err = st.Upsert(ctx, "offline", domain.SessionPatch{LastLocation: &near, State: ptr(domain.StateDisconnected)})
	require.NoError(t, err)

	ids, err := st.Nearby(ctx, domain.GeoPoint{Lat: 12.97, Lng: 77.59}, 5, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"near"}, ids)

	ids, err = st.Nearby(ctx, domain.GeoPoint{Lat: 12.97, Lng: 77.59}, 50, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"near", "far"}, ids)
}

func TestRedisGeoSetTracksConnectedDrivers(t *testing.T) {
	_, client := newRedisClient(t)
	cache := store.NewRedisCache(client, "", time.Hour)
	ctx := context.Background()
	loc := domain.LocationSample{Lat: 12.9716, Lng: 77.5946}

	require.NoError(t, cache.SaveSession(ctx, domain.DriverSession{DriverID: "D1", State: domain.StateForeground, LastLocation: &loc}))
	require.NoError(t, client.ZScore(ctx, "tracking:driver:locs", "D1").Err())

	require.NoError(t, cache.SaveSession(ctx, domain.DriverSession{DriverID: "D1", State: domain.StateDisconnected, LastLocation: &loc}))
	require.ErrorIs(t, client.ZScore(ctx, "tracking:driver:locs", "D1").Err(), redis.Nil)

	require.NoError(t, cache.SaveSession(ctx, domain.DriverSession{DriverID: "D1", State: domain.StateRegistered, LastLocation: &loc}))
	require.NoError(t, cache.DeleteSession(ctx, "D1"))
	require.ErrorIs(t, client.ZScore(ctx, "tracking:driver:locs", "D1").Err(), redis.Nil)
}

type recordingDurable struct {
	*store.MemoryBackend
	events []domain.TrackingEvent
	fail   error
}

func (d *recordingDurable) RecordsEvents() bool { return true }

func (d *recordingDurable) SaveTripWithEvent(ctx context.Context, trip domain.Trip, evt domain.TrackingEvent) error {
	if d.fail != nil {
		return d.fail
	}
	d.events = append(d.events, evt)
	return d.SaveTrip(ctx, trip)
}

func TestPutTripWithEvent(t *testing.T) {
	ctx := context.Background()
	trip := domain.Trip{ID: "T1", DriverID: "D1", Status: domain.TripInProgress}
	evt := domain.TrackingEvent{ID: "e1", Type: domain.EventTripAssigned, TripID: "T1"}

	plain, err := store.New(nil, store.NewMemoryBackend(), nil, nil)
	require.NoError(t, err)
	recorded, err := plain.PutTripWithEvent(ctx, trip, evt)
	require.NoError(t, err)
	require.False(t, recorded)
	_, ok, err := plain.GetTrip(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	_, client := newRedisClient(t)
	cache := store.NewRedisCache(client, "", time.Hour)
	durable := &recordingDurable{MemoryBackend: store.NewMemoryBackend()}
	st, err := store.New(cache, durable, nil, nil)
	require.NoError(t, err)
	recorded, err = st.PutTripWithEvent(ctx, trip, evt)
	require.NoError(t, err)
	require.True(t, recorded)
	require.Equal(t, []domain.TrackingEvent{evt}, durable.events)
	_, ok, err = cache.LoadTrip(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	durable.fail = errors.New("tx aborted")
	trip.ID = "T2"
	recorded, err = st.PutTripWithEvent(ctx, trip, evt)
	require.Error(t, err)
	require.False(t, recorded)
	_, ok, err = st.GetTrip(ctx, "T2")
	require.NoError(t, err)
	require.False(t, ok)
}
