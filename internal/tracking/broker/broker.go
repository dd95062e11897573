package broker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/tracking/protocol"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_broker_deliveries_total",
		Help: "Fan-out deliveries to trip watchers grouped by outcome.",
	}, []string{"result"})

	activeWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_broker_watches",
		Help: "Users currently watching a trip.",
	})
)

// Deliver hands msg to the user's live connection. Implementations must not
// block on a slow consumer.
type Deliver func(userID string, msg protocol.Outbound) error

// Broker is the TripWatchBroker: a subscription table of users per trip.
// It references users and trips by id only and never holds session state.
// Delivery is at-most-once with no replay.
type Broker struct {
	mu      sync.RWMutex
	byUser  map[string]string
	byTrip  map[string]map[string]struct{}
	deliver Deliver
	logger  *zap.Logger
}

func New(deliver Deliver, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		byUser:  make(map[string]string),
		byTrip:  make(map[string]map[string]struct{}),
		deliver: deliver,
		logger:  logger,
	}
}

// Watch subscribes userID to tripID, replacing any previous watch. It returns
// the trip the user was watching before when that was a different trip.
func (b *Broker) Watch(userID, tripID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, had := b.removeLocked(userID)
	watchers, ok := b.byTrip[tripID]
	if !ok {
		watchers = make(map[string]struct{})
		b.byTrip[tripID] = watchers
	}
	watchers[userID] = struct{}{}
	b.byUser[userID] = tripID
	activeWatches.Set(float64(len(b.byUser)))
	return prev, had && prev != tripID
}

// Unwatch cancels the user's watch. Once it returns no further publish
// reaches the user.
func (b *Broker) Unwatch(userID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tripID, ok := b.removeLocked(userID)
	activeWatches.Set(float64(len(b.byUser)))
	return tripID, ok
}

// WatchedTrip returns the trip userID currently watches.
func (b *Broker) WatchedTrip(userID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tripID, ok := b.byUser[userID]
	return tripID, ok
}

// Watchers returns the users subscribed to tripID.
func (b *Broker) Watchers(tripID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byTrip[tripID]))
	for userID := range b.byTrip[tripID] {
		out = append(out, userID)
	}
	return out
}

// Publish fans msg out to every watcher of tripID and returns how many
// deliveries succeeded. A trip with no watchers is a no-op.
func (b *Broker) Publish(tripID string, msg protocol.Outbound) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fanOutLocked(tripID, msg)
}

// CloseTrip delivers the terminal notification once and drops every watch
// on tripID.
func (b *Broker) CloseTrip(tripID string, msg protocol.Outbound) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := b.fanOutLocked(tripID, msg)
	for userID := range b.byTrip[tripID] {
		delete(b.byUser, userID)
	}
	delete(b.byTrip, tripID)
	activeWatches.Set(float64(len(b.byUser)))
	return delivered
}

func (b *Broker) fanOutLocked(tripID string, msg protocol.Outbound) int {
	watchers := b.byTrip[tripID]
	if len(watchers) == 0 || b.deliver == nil {
		return 0
	}
	delivered := 0
	for userID := range watchers {
		if err := b.deliver(userID, msg); err != nil {
			deliveries.WithLabelValues("failed").Inc()
			b.logger.Debug("delivery dropped", zap.String("user_id", userID), zap.String("trip_id", tripID), zap.String("event", msg.Event), zap.Error(err))
			continue
		}
		deliveries.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}

func (b *Broker) removeLocked(userID string) (string, bool) {
	tripID, ok := b.byUser[userID]
	if !ok {
		return "", false
	}
	delete(b.byUser, userID)
	if watchers := b.byTrip[tripID]; watchers != nil {
		delete(watchers, userID)
		if len(watchers) == 0 {
			delete(b.byTrip, tripID)
		}
	}
	return tripID, true
}
