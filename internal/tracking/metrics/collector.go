package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the body of the metrics query endpoint.
type Snapshot struct {
	ActiveConnections int     `json:"activeConnections"`
	UpdatesPerSecond  float64 `json:"updatesPerSecond"`
	BatchModeActive   bool    `json:"batchModeActive"`
}

// ConnectionCounter is satisfied by the connection registry.
type ConnectionCounter interface {
	Count() int
}

// IngestStats is satisfied by the ingest pipeline.
type IngestStats interface {
	Rate() float64
	BatchMode() bool
}

// Collector is the MetricsCollector. It only reads from the components it
// observes.
type Collector struct {
	conns  ConnectionCounter
	ingest IngestStats
}

func New(conns ConnectionCounter, ingest IngestStats) *Collector {
	return &Collector{conns: conns, ingest: ingest}
}

func (c *Collector) Snapshot() Snapshot {
	var snap Snapshot
	if c.conns != nil {
		snap.ActiveConnections = c.conns.Count()
	}
	if c.ingest != nil {
		snap.UpdatesPerSecond = c.ingest.Rate()
		snap.BatchModeActive = c.ingest.BatchMode()
	}
	return snap
}

// Register exposes the snapshot as gauges on reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tracking_active_connections",
			Help: "Live driver and user connections.",
		}, func() float64 { return float64(c.Snapshot().ActiveConnections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tracking_updates_per_second",
			Help: "Aggregate location updates per second over the last window.",
		}, func() float64 { return c.Snapshot().UpdatesPerSecond }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tracking_batch_mode_active",
			Help: "1 while ingest is in batch mode.",
		}, func() float64 {
			if c.Snapshot().BatchModeActive {
				return 1
			}
			return 0
		}),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
