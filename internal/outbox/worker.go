package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/tracking/domain"
)

// Header names set on every relayed message.
const (
	HeaderEventType = "x-event-type"
	HeaderTripID    = "x-trip-id"
	HeaderDriverID  = "x-driver-id"
)

var (
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_outbox_relayed_total",
		Help: "Tracking events relayed from the outbox table, by event type.",
	}, []string{"type"})
	relayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracking_outbox_relay_failures_total",
		Help: "Outbox rows that could not be relayed after exhausting retries.",
	})
	relayLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_outbox_lag_seconds",
		Help: "Age of the oldest row relayed in the last batch.",
	})
)

// WorkerConfig defines tunables for the relay worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays the trip events committed to the outbox table alongside
// their trip rows. Rows go out in id order, at least once; the JetStream
// message id is the event id so a redelivery can be deduplicated.
type Worker struct {
	db        *sql.DB
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
	prop      propagation.TextMapPropagator
}

// NewWorker constructs a relay worker.
func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		db:     db,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("tracking.outbox.relay"),
		prop:   propagation.TraceContext{},
	}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

// Run relays batches until ctx ends. A full batch is followed immediately by
// the next one; otherwise the worker waits for the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		n, err := w.relayBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox relay stopped mid-batch", zap.Int("relayed", n), zap.Error(err))
		}
		wait := w.cfg.PollInterval
		if err == nil && n == w.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

type pendingRow struct {
	id        int64
	topic     string
	payload   []byte
	createdAt time.Time
	event     domain.TrackingEvent
}

// relayBatch locks a batch of unpublished rows, publishes them in order and
// marks the ones that went out. A row that still fails after the retries
// ends the batch; the rows before it stay published and it is retried on the
// next poll, so the order is kept.
func (w *Worker) relayBatch(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin relay tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := w.lockPending(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.rows", len(rows)))
	if len(rows) == 0 {
		return 0, tx.Commit()
	}

	sent := make([]int64, 0, len(rows))
	var relayErr error
	oldest := 0.0
	for _, row := range rows {
		if relayErr = w.relay(ctx, row); relayErr != nil {
			break
		}
		sent = append(sent, row.id)
		relayedTotal.WithLabelValues(eventLabel(row.event)).Inc()
		if lag := time.Since(row.createdAt).Seconds(); lag > oldest {
			oldest = lag
		}
	}
	relayLag.Set(oldest)
	if len(sent) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published = true, published_at = now() WHERE id = ANY($1)`, sent); err != nil {
			return 0, fmt.Errorf("mark relayed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit relay batch: %w", err)
	}
	return len(sent), relayErr
}

func (w *Worker) lockPending(ctx context.Context, tx *sql.Tx) ([]pendingRow, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, topic, payload, created_at FROM outbox
WHERE NOT published ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var out []pendingRow
	for rows.Next() {
		var row pendingRow
		if err := rows.Scan(&row.id, &row.topic, &row.payload, &row.createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if err := json.Unmarshal(row.payload, &row.event); err != nil {
			// relayed as-is; subscribers see the raw payload
			w.logger.Warn("outbox payload is not a tracking event", zap.Int64("outbox_id", row.id), zap.Error(err))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// message builds the NATS message for row: event metadata headers, the
// event id as the JetStream dedup id and the W3C trace context of ctx.
func (w *Worker) message(ctx context.Context, row pendingRow) *nats.Msg {
	msg := nats.NewMsg(row.topic)
	msg.Data = row.payload
	evt := row.event
	if evt.Type != "" {
		msg.Header.Set(HeaderEventType, string(evt.Type))
	}
	if evt.TripID != "" {
		msg.Header.Set(HeaderTripID, evt.TripID)
	}
	if evt.DriverID != "" {
		msg.Header.Set(HeaderDriverID, evt.DriverID)
	}
	if evt.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, evt.ID)
	}
	w.prop.Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg
}

func (w *Worker) relay(ctx context.Context, row pendingRow) error {
	ctx, span := w.tracer.Start(ctx, "outbox.relay", trace.WithAttributes(
		attribute.Int64("outbox.id", row.id),
		attribute.String("event.type", string(row.event.Type)),
		attribute.String("trip_id", row.event.TripID),
	))
	defer span.End()
	if row.topic == "" {
		return fmt.Errorf("outbox row %d has no topic", row.id)
	}
	msg := w.message(ctx, row)
	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("relay publish failed", zap.Int64("outbox_id", row.id), zap.String("type", string(row.event.Type)), zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= w.cfg.RetryMax {
			relayFailures.Inc()
			span.RecordError(err)
			return fmt.Errorf("relay outbox %d: %w", row.id, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * 100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func eventLabel(evt domain.TrackingEvent) string {
	if evt.Type == "" {
		return "unknown"
	}
	return string(evt.Type)
}
