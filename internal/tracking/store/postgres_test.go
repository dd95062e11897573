package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/store"
	"github.com/example/ridetrack/pkg/outbox"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("ridetrack"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	pg := store.NewPostgresStore(startPostgres(t, ctx))
	require.NoError(t, pg.Migrate(ctx))
	// migrations are idempotent
	require.NoError(t, pg.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	loc := domain.LocationSample{Lng: 77.59, Lat: 12.97, Speed: 8.5, Heading: 90, Timestamp: now}
	session := domain.DriverSession{
		DriverID:     "D1",
		State:        domain.StateForeground,
		ActiveTripID: "T1",
		LastLocation: &loc,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	require.NoError(t, pg.SaveSession(ctx, session))

	session.Background = true
	session.State = domain.StateBackground
	require.NoError(t, pg.SaveSession(ctx, session))

	got, ok, err := pg.LoadSession(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.StateBackground, got.State)
	require.True(t, got.Background)
	require.Equal(t, "T1", got.ActiveTripID)
	require.NotNil(t, got.LastLocation)
	require.Equal(t, loc.Lat, got.LastLocation.Lat)
	require.True(t, now.Equal(got.RegisteredAt))

	require.NoError(t, pg.DeleteSession(ctx, "D1"))
	_, ok, err = pg.LoadSession(ctx, "D1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgresTripRoundTrip(t *testing.T) {
	ctx := context.Background()
	pg := store.NewPostgresStore(startPostgres(t, ctx))
	require.NoError(t, pg.Migrate(ctx))

	trip := domain.Trip{
		ID:        "T1",
		DriverID:  "D1",
		UserID:    "U1",
		Status:    domain.TripInProgress,
		Dropoff:   &domain.GeoPoint{Lat: 12.95, Lng: 77.6},
		Metadata:  map[string]any{"vehicle": "sedan"},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, pg.SaveTrip(ctx, trip))

	got, ok, err := pg.LoadTrip(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "U1", got.UserID)
	require.Equal(t, *trip.Dropoff, *got.Dropoff)
	require.Equal(t, "sedan", got.Metadata["vehicle"])

	// write-through with postgres behind the store
	st, err := store.New(nil, pg, nil, nil)
	require.NoError(t, err)
	_, _, err = st.Upsert(ctx, "D1", domain.SessionPatch{ActiveTripID: &trip.ID})
	require.NoError(t, err)
	res, ok, err := st.Restore(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "T1", res.ActiveTrip.ID)

	require.NoError(t, pg.DeleteTrip(ctx, "T1"))
	_, ok, err = pg.LoadTrip(ctx, "T1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgresTripAndOutboxCommitTogether(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)
	pg := store.NewPostgresStore(db)
	require.NoError(t, pg.Migrate(ctx))
	require.False(t, pg.RecordsEvents())
	require.Error(t, pg.SaveTripWithEvent(ctx, domain.Trip{ID: "T0"}, domain.TrackingEvent{}))

	pg.WithOutbox(outbox.NewWriter(db, "tracking.events"))
	require.True(t, pg.RecordsEvents())
	trip := domain.Trip{ID: "T1", DriverID: "D1", Status: domain.TripInProgress, UpdatedAt: time.Now().UTC()}
	evt := domain.TrackingEvent{ID: "e1", Type: domain.EventTripAssigned, TripID: "T1", DriverID: "D1"}
	require.NoError(t, pg.SaveTripWithEvent(ctx, trip, evt))

	var topic string
	var payload []byte
	require.NoError(t, db.QueryRowContext(ctx, `SELECT topic, payload FROM outbox`).Scan(&topic, &payload))
	require.Equal(t, "tracking.events", topic)
	require.Contains(t, string(payload), `"e1"`)
	_, ok, err := pg.LoadTrip(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	// without the outbox table the trip write rolls back as well
	_, err = db.ExecContext(ctx, `DROP TABLE outbox`)
	require.NoError(t, err)
	trip.ID = "T2"
	require.Error(t, pg.SaveTripWithEvent(ctx, trip, evt))
	_, ok, err = pg.LoadTrip(ctx, "T2")
	require.NoError(t, err)
	require.False(t, ok)
}
