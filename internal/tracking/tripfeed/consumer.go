// Package tripfeed applies trip lifecycle events published by the dispatch
// side to the tracking service.
package tripfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
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

// Event types understood by the consumer.
const (
	TypeDriverAssigned = "DriverAssigned"
	TypeTripStarted    = "TripStarted"
	TypeTripFinished   = "TripFinished"
	TypeTripCancelled  = "TripCancelled"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tracking_tripfeed_events_total",
	Help: "Trip feed events by type and outcome.",
}, []string{"type", "result"})

// Event is one trip lifecycle message.
type Event struct {
	ID      string         `json:"id"`
	TripID  string         `json:"tripId"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// TripService is the part of the tracking service the feed drives.
type TripService interface {
	AssignTrip(ctx context.Context, trip domain.Trip) (domain.Trip, error)
	ChangeTripStatus(ctx context.Context, tripID string, status domain.TripStatus, metadata map[string]any) (domain.Trip, error)
}

// Consumer maps feed events onto trip operations.
type Consumer struct {
	svc    TripService
	logger *zap.Logger
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
}

func New(svc TripService, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("tracking.tripfeed"),
		prop:   propagation.TraceContext{},
	}
}

// Subscribe attaches the consumer to subject. With a non-empty queue the
// replicas of the service share the feed.
func (c *Consumer) Subscribe(nc *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	handler := func(msg *nats.Msg) {
		ctx := c.prop.Extract(context.Background(), headerCarrier(msg.Header))
		if err := c.Handle(ctx, msg.Data); err != nil {
			c.logger.Warn("trip event dropped", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}
	if queue != "" {
		return nc.QueueSubscribe(subject, queue, handler)
	}
	return nc.Subscribe(subject, handler)
}

// Handle applies one encoded event. Replays of an already applied terminal
// event are accepted silently.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		eventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return fmt.Errorf("decode trip event: %w", err)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	ctx, span := c.tracer.Start(ctx, "tripfeed.handle", trace.WithAttributes(
		attribute.String("event_id", evt.ID),
		attribute.String("event_type", evt.Type),
		attribute.String("trip_id", evt.TripID),
	))
	defer span.End()

	err := c.apply(ctx, evt)
	switch {
	case err == nil:
		eventsTotal.WithLabelValues(evt.Type, "applied").Inc()
		return nil
	case errors.Is(err, errIgnored):
		eventsTotal.WithLabelValues(evt.Type, "ignored").Inc()
		c.logger.Debug("trip event ignored", zap.String("event_id", evt.ID), zap.String("type", evt.Type))
		return nil
	case errors.Is(err, domain.ErrTerminalTrip):
		eventsTotal.WithLabelValues(evt.Type, "duplicate").Inc()
		c.logger.Debug("trip already closed", zap.String("trip_id", evt.TripID), zap.String("type", evt.Type))
		return nil
	default:
		eventsTotal.WithLabelValues(evt.Type, "failed").Inc()
		span.RecordError(err)
		return fmt.Errorf("apply %s %s: %w", evt.Type, evt.ID, err)
	}
}

var errIgnored = errors.New("event type not handled")

func (c *Consumer) apply(ctx context.Context, evt Event) error {
	if evt.TripID == "" {
		return fmt.Errorf("missing trip id: %w", domain.ErrInvalidTrip)
	}
	switch evt.Type {
	case TypeDriverAssigned:
		trip := domain.Trip{
			ID:       evt.TripID,
			DriverID: stringField(evt.Payload, "driver_id"),
			UserID:   stringField(evt.Payload, "user_id"),
			Status:   domain.TripInProgress,
		}
		lat, okLat := floatField(evt.Payload, "dropoff_lat")
		lng, okLng := floatField(evt.Payload, "dropoff_lng")
		if okLat && okLng {
			trip.Dropoff = &domain.GeoPoint{Lat: lat, Lng: lng}
		}
		_, err := c.svc.AssignTrip(ctx, trip)
		return err
	case TypeTripStarted:
		_, err := c.svc.ChangeTripStatus(ctx, evt.TripID, domain.TripInProgress, nil)
		return err
	case TypeTripFinished:
		_, err := c.svc.ChangeTripStatus(ctx, evt.TripID, domain.TripCompleted, metadataOf(evt))
		return err
	case TypeTripCancelled:
		_, err := c.svc.ChangeTripStatus(ctx, evt.TripID, domain.TripCancelled, metadataOf(evt))
		return err
	default:
		return errIgnored
	}
}

func metadataOf(evt Event) map[string]any {
	if len(evt.Payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(evt.Payload))
	for k, v := range evt.Payload {
		if k == "driver_id" || k == "user_id" {
			continue
		}
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func floatField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// headerCarrier reads trace context from NATS headers, which keep the case
// the publisher used.
type headerCarrier nats.Header

func (h headerCarrier) Get(key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (h headerCarrier) Set(key, value string) { h[key] = []string{value} }

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
