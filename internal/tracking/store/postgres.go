package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/pkg/outbox"
)

// Schema creates the durable tables, including the outbox drained by the
// outbox worker.
const Schema = `
CREATE TABLE IF NOT EXISTS driver_sessions (
	driver_id      TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	background     BOOLEAN NOT NULL DEFAULT FALSE,
	active_trip_id TEXT NOT NULL DEFAULT '',
	last_location  JSONB,
	registered_at  TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS trips (
	id         TEXT PRIMARY KEY,
	driver_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	dropoff    JSONB,
	metadata   JSONB,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	published  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE outbox ADD COLUMN IF NOT EXISTS published_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (id) WHERE NOT published;
`

// PostgresStore is the durable layer, opened through the pgx stdlib driver.
type PostgresStore struct {
	db     *sql.DB
	outbox *outbox.Writer
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithOutbox makes trip writes record their event in the outbox table in the
// same transaction.
func (p *PostgresStore) WithOutbox(w *outbox.Writer) *PostgresStore {
	p.outbox = w
	return p
}

// RecordsEvents reports whether SaveTripWithEvent is available.
func (p *PostgresStore) RecordsEvents() bool { return p.outbox != nil }

// SaveTripWithEvent upserts the trip and inserts its outbox row in one
// transaction.
func (p *PostgresStore) SaveTripWithEvent(ctx context.Context, t domain.Trip, event domain.TrackingEvent) error {
	if p.outbox == nil {
		return errors.New("postgres store has no outbox writer")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trip tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := saveTrip(ctx, tx, t); err != nil {
		return err
	}
	if err := p.outbox.Record(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trip %s: %w", t.ID, err)
	}
	return nil
}

// Migrate applies Schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadSession(ctx context.Context, driverID string) (domain.DriverSession, bool, error) {
	var (
		s        domain.DriverSession
		state    string
		location []byte
	)
	row := p.db.QueryRowContext(ctx, `SELECT driver_id, state, background, active_trip_id, last_location, registered_at, updated_at
FROM driver_sessions WHERE driver_id = $1`, driverID)
	err := row.Scan(&s.DriverID, &state, &s.Background, &s.ActiveTripID, &location, &s.RegisteredAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DriverSession{}, false, nil
	}
	if err != nil {
		return domain.DriverSession{}, false, fmt.Errorf("select session: %w", err)
	}
	s.State = domain.SessionState(state)
	if len(location) > 0 {
		var loc domain.LocationSample
		if err := json.Unmarshal(location, &loc); err != nil {
			return domain.DriverSession{}, false, fmt.Errorf("decode location: %w", err)
		}
		s.LastLocation = &loc
	}
	return s, true, nil
}

func (p *PostgresStore) SaveSession(ctx context.Context, s domain.DriverSession) error {
	var location []byte
	if s.LastLocation != nil {
		raw, err := json.Marshal(s.LastLocation)
		if err != nil {
			return fmt.Errorf("encode location: %w", err)
		}
		location = raw
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_sessions (driver_id, state, background, active_trip_id, last_location, registered_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (driver_id) DO UPDATE SET
	state = EXCLUDED.state,
	background = EXCLUDED.background,
	active_trip_id = EXCLUDED.active_trip_id,
	last_location = EXCLUDED.last_location,
	registered_at = EXCLUDED.registered_at,
	updated_at = EXCLUDED.updated_at`,
		s.DriverID, string(s.State), s.Background, s.ActiveTripID, nullableJSON(location), s.RegisteredAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, driverID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM driver_sessions WHERE driver_id = $1`, driverID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadTrip(ctx context.Context, tripID string) (domain.Trip, bool, error) {
	var (
		t                 domain.Trip
		status            string
		dropoff, metadata []byte
	)
	row := p.db.QueryRowContext(ctx, `SELECT id, driver_id, user_id, status, dropoff, metadata, updated_at FROM trips WHERE id = $1`, tripID)
	err := row.Scan(&t.ID, &t.DriverID, &t.UserID, &status, &dropoff, &metadata, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trip{}, false, nil
	}
	if err != nil {
		return domain.Trip{}, false, fmt.Errorf("select trip: %w", err)
	}
	t.Status = domain.TripStatus(status)
	if len(dropoff) > 0 {
		var point domain.GeoPoint
		if err := json.Unmarshal(dropoff, &point); err != nil {
			return domain.Trip{}, false, fmt.Errorf("decode dropoff: %w", err)
		}
		t.Dropoff = &point
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return domain.Trip{}, false, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, true, nil
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t domain.Trip) error {
	return saveTrip(ctx, p.db, t)
}

func saveTrip(ctx context.Context, ex outbox.Execer, t domain.Trip) error {
	var dropoff, metadata []byte
	var err error
	if t.Dropoff != nil {
		if dropoff, err = json.Marshal(t.Dropoff); err != nil {
			return fmt.Errorf("encode dropoff: %w", err)
		}
	}
	if len(t.Metadata) > 0 {
		if metadata, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO trips (id, driver_id, user_id, status, dropoff, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id,
	user_id = EXCLUDED.user_id,
	status = EXCLUDED.status,
	dropoff = EXCLUDED.dropoff,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at`,
		t.ID, t.DriverID, t.UserID, string(t.Status), nullableJSON(dropoff), nullableJSON(metadata), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert trip: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteTrip(ctx context.Context, tripID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM trips WHERE id = $1`, tripID); err != nil {
		return fmt.Errorf("delete trip: %w", err)
	}
	return nil
}

// nullableJSON keeps empty payloads as SQL NULL instead of an invalid jsonb.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
