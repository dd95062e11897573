package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/keylock"
	"github.com/example/ridetrack/internal/tracking/protocol"
)

// ReasonSuperseded is the close reason sent to a connection evicted by a newer
// one for the same actor.
const ReasonSuperseded = "superseded"

const shardCount = 32

var evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tracking_registry_evictions_total",
	Help: "Connections closed because a newer connection registered for the same actor.",
}, []string{"role"})

// Conn is a live transport connection for one actor.
type Conn interface {
	ID() string
	Send(msg protocol.Outbound) error
	Ping() error
	Close(reason string) error
}

// Key identifies an actor inside its namespace.
type Key struct {
	Role domain.Role
	ID   string
}

func (k Key) String() string { return string(k.Role) + ":" + k.ID }

func DriverKey(id string) Key { return Key{Role: domain.RoleDriver, ID: id} }
func UserKey(id string) Key   { return Key{Role: domain.RoleUser, ID: id} }

// Registry maps actors to their single live connection. State is sharded by
// actor key so unrelated actors never contend on one lock.
type Registry struct {
	shards [shardCount]shard
	clock  domain.Clock
	logger *zap.Logger
}

type shard struct {
	mu    sync.RWMutex
	conns map[Key]Conn
}

// New constructs an empty registry.
func New(clock domain.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{clock: clock, logger: logger}
	for i := range r.shards {
		r.shards[i].conns = make(map[Key]Conn)
	}
	return r
}

func (r *Registry) shardFor(key Key) *shard {
	return &r.shards[keylock.Index(key.String(), shardCount)]
}

// Register installs conn for key. A different connection already held for key
// is closed before the acknowledgment is sent to conn. The evicted connection,
// if any, is returned.
func (r *Registry) Register(key Key, conn Conn) (Conn, error) {
	old, replaced := r.Supersede(key, conn)
	if replaced {
		evictionsTotal.WithLabelValues(string(key.Role)).Inc()
		r.logger.Info("duplicate session evicted",
			zap.String("actor", key.String()),
			zap.String("old_conn", old.ID()),
			zap.String("new_conn", conn.ID()))
		if err := old.Close(ReasonSuperseded); err != nil {
			r.logger.Debug("close superseded connection", zap.Error(err))
		}
	}
	if err := conn.Send(protocol.Registered(key.Role, key.ID, conn.ID(), r.clock.Now())); err != nil {
		return old, err
	}
	return old, nil
}

// Supersede swaps in conn and returns the previous connection when it was a
// different one. It does not close anything.
func (r *Registry) Supersede(key Key, conn Conn) (Conn, bool) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.conns[key]
	s.conns[key] = conn
	if !ok || old == conn {
		return nil, false
	}
	return old, true
}

// Lookup returns the live connection for key.
func (r *Registry) Lookup(key Key) (Conn, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[key]
	return conn, ok
}

// Unregister drops whatever connection key holds.
func (r *Registry) Unregister(key Key) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, key)
}

// Release drops key only while it still maps to conn, so a late disconnect of
// a superseded connection cannot remove its replacement.
func (r *Registry) Release(key Key, conn Conn) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.conns[key]; ok && current == conn {
		delete(s.conns, key)
		return true
	}
	return false
}

// Count returns the number of live connections across both namespaces.
func (r *Registry) Count() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

// CountRole returns the number of live connections in one namespace.
func (r *Registry) CountRole(role domain.Role) int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for key := range s.conns {
			if key.Role == role {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}
