package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/ridetrack/internal/tracking/domain"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer stores tracking events in the outbox table. The outbox worker later
// publishes them to the row's topic.
type Writer struct {
	db    *sql.DB
	topic string
}

func NewWriter(db *sql.DB, topic string) *Writer {
	return &Writer{db: db, topic: topic}
}

// Topic is the subject the relay publishes this writer's rows to.
func (w *Writer) Topic() string { return w.topic }

// Publish satisfies domain.EventPublisher. The row is committed on its own.
func (w *Writer) Publish(ctx context.Context, event domain.TrackingEvent) error {
	return w.Record(ctx, w.db, event)
}

// Record inserts event through ex. Passing the *sql.Tx that carries the
// state change makes the event commit or roll back with it.
func (w *Writer) Record(ctx context.Context, ex Execer, event domain.TrackingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := ex.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, w.topic, payload); err != nil {
		return fmt.Errorf("insert outbox %s: %w", event.Type, err)
	}
	return nil
}
