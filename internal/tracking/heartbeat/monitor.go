package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/registry"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultMissLimit = 2

	ReasonHeartbeat = "heartbeat timeout"
)

var deadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tracking_heartbeat_dead_total",
	Help: "Connections declared dead after missing heartbeat probes.",
}, []string{"role"})

// DeadFunc is called, outside the monitor's lock, for every connection that
// missed too many probes.
type DeadFunc func(ctx context.Context, key registry.Key, conn registry.Conn)

// TickFunc runs after each sweep. The service uses it for grace expiry.
type TickFunc func(ctx context.Context, now time.Time)

type Config struct {
	Interval  time.Duration
	MissLimit int
}

type entry struct {
	conn     registry.Conn
	probed   bool
	answered bool
	misses   int
}

// Monitor is the HeartbeatMonitor. Every interval it pings each tracked
// connection; one that stays silent for MissLimit consecutive probes is
// handed to the dead callback without waiting for a transport close.
type Monitor struct {
	cfg    Config
	clock  domain.Clock
	logger *zap.Logger
	onDead DeadFunc
	onTick TickFunc

	mu      sync.Mutex
	entries map[registry.Key]*entry
}

func New(cfg Config, onDead DeadFunc, onTick TickFunc, clock domain.Clock, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MissLimit < 1 {
		cfg.MissLimit = DefaultMissLimit
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		onDead:  onDead,
		onTick:  onTick,
		entries: make(map[registry.Key]*entry),
	}
}

// Interval returns the probe period.
func (m *Monitor) Interval() time.Duration { return m.cfg.Interval }

// Track starts probing conn for key, replacing any earlier connection.
func (m *Monitor) Track(key registry.Key, conn registry.Conn) {
	m.mu.Lock()
	m.entries[key] = &entry{conn: conn}
	m.mu.Unlock()
}

// Untrack stops probing key if it still refers to conn.
func (m *Monitor) Untrack(key registry.Key, conn registry.Conn) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok && e.conn == conn {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Touch records liveness for key: a pong or any inbound frame.
func (m *Monitor) Touch(key registry.Key) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.answered = true
		e.misses = 0
	}
	m.mu.Unlock()
}

// Tracked returns the number of monitored connections.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type probe struct {
	key  registry.Key
	conn registry.Conn
}

// Sweep runs one probe round and returns the keys declared dead.
func (m *Monitor) Sweep(ctx context.Context) []registry.Key {
	var (
		dead   []probe
		toPing []probe
	)
	m.mu.Lock()
	for key, e := range m.entries {
		if e.probed && !e.answered {
			e.misses++
		}
		if e.misses >= m.cfg.MissLimit {
			delete(m.entries, key)
			dead = append(dead, probe{key: key, conn: e.conn})
			continue
		}
		e.probed = true
		e.answered = false
		toPing = append(toPing, probe{key: key, conn: e.conn})
	}
	m.mu.Unlock()

	for _, p := range toPing {
		if err := p.conn.Ping(); err != nil {
			m.logger.Debug("heartbeat probe failed", zap.String("actor", p.key.String()), zap.Error(err))
		}
	}

	keys := make([]registry.Key, 0, len(dead))
	for _, d := range dead {
		deadTotal.WithLabelValues(string(d.key.Role)).Inc()
		m.logger.Info("connection missed heartbeats",
			zap.String("actor", d.key.String()),
			zap.String("conn", d.conn.ID()),
			zap.Int("miss_limit", m.cfg.MissLimit))
		if err := d.conn.Close(ReasonHeartbeat); err != nil {
			m.logger.Debug("close dead connection", zap.Error(err))
		}
		if m.onDead != nil {
			m.onDead(ctx, d.key, d.conn)
		}
		keys = append(keys, d.key)
	}
	if m.onTick != nil {
		m.onTick(ctx, m.clock.Now())
	}
	return keys
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
