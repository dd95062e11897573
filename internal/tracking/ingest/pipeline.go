package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/keylock"
)

const (
	DefaultThreshold = 50.0
	DefaultWindow    = time.Second
)

// Applier persists and fans out one sample. It reports whether the cache
// layer holds the new state.
type Applier func(ctx context.Context, driverID string, sample domain.LocationSample) (bool, error)

// RegisteredFunc reports whether driverID currently holds a registration.
type RegisteredFunc func(driverID string) bool

type Config struct {
	// ThresholdRPS is the aggregate rate above which batch mode starts.
	ThresholdRPS float64
	Window       time.Duration
}

// Result is returned for every accepted sample.
type Result struct {
	Accepted bool
	Cached   bool
	Queued   bool
}

type pendingSample struct {
	sample domain.LocationSample
	seq    uint64
}

// Pipeline is the LocationIngestPipeline. Below the threshold samples are
// applied synchronously. Above it they are coalesced per driver and applied
// when the window is flushed.
type Pipeline struct {
	cfg        Config
	apply      Applier
	registered RegisteredFunc
	clock      domain.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	meter      *Meter

	seq   atomic.Uint64
	batch atomic.Bool

	mu      sync.Mutex
	pending map[string]pendingSample

	locks     *keylock.Striped
	appliedMu sync.Mutex
	applied   map[string]uint64
}

// New builds a pipeline. registered may be nil to accept every driver.
func New(cfg Config, apply Applier, registered RegisteredFunc, clock domain.Clock, logger *zap.Logger) *Pipeline {
	if cfg.ThresholdRPS <= 0 {
		cfg.ThresholdRPS = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		apply:      apply,
		registered: registered,
		clock:      clock,
		logger:     logger,
		tracer:     otel.Tracer("tracking.ingest"),
		meter:      NewMeter(cfg.Window, defaultBuckets),
		pending:    make(map[string]pendingSample),
		locks:      keylock.New(0),
		applied:    make(map[string]uint64),
	}
}

// Ingest validates sample and either applies it or queues it for the current
// window.
func (p *Pipeline) Ingest(ctx context.Context, driverID string, sample domain.LocationSample) (Result, error) {
	if err := sample.Validate(); err != nil {
		ingestSamples.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("driver %s: %w", driverID, err)
	}
	if driverID == "" || (p.registered != nil && !p.registered(driverID)) {
		ingestSamples.WithLabelValues("unknown").Inc()
		return Result{}, fmt.Errorf("driver %q: %w", driverID, domain.ErrUnknownActor)
	}

	now := p.clock.Now()
	p.meter.Mark(now)
	seq := p.seq.Add(1)

	p.mu.Lock()
	if !p.batch.Load() && p.meter.Rate(now) > p.cfg.ThresholdRPS {
		p.setBatch(true)
	}
	if p.batch.Load() {
		p.pending[driverID] = pendingSample{sample: sample, seq: seq}
		p.mu.Unlock()
		ingestSamples.WithLabelValues("queued").Inc()
		return Result{Accepted: true, Queued: true}, nil
	}
	p.mu.Unlock()

	cached, applied, err := p.applyOrdered(ctx, driverID, pendingSample{sample: sample, seq: seq})
	if err != nil {
		ingestSamples.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	if !applied {
		ingestSamples.WithLabelValues("stale").Inc()
	} else {
		ingestSamples.WithLabelValues("applied").Inc()
	}
	return Result{Accepted: true, Cached: cached}, nil
}

// Flush applies every pending sample, then leaves batch mode if the rate has
// dropped to the threshold. It returns the number of samples applied.
func (p *Pipeline) Flush(ctx context.Context) int {
	start := time.Now()
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]pendingSample, len(pending))
	if p.batch.Load() && p.meter.Rate(p.clock.Now()) <= p.cfg.ThresholdRPS {
		p.setBatch(false)
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}
	ctx, span := p.tracer.Start(ctx, "ingest.flush", trace.WithAttributes(attribute.Int("samples", len(pending))))
	defer span.End()

	applied := 0
	for driverID, ps := range pending {
		_, ok, err := p.applyOrdered(ctx, driverID, ps)
		if err != nil {
			level := p.logger.Warn
			if errors.Is(err, domain.ErrTerminalTrip) {
				level = p.logger.Debug
			}
			level("batched sample rejected", zap.String("driver_id", driverID), zap.Error(err))
			ingestSamples.WithLabelValues("rejected").Inc()
			continue
		}
		if ok {
			applied++
			ingestSamples.WithLabelValues("applied").Inc()
		}
	}
	flushDuration.Observe(time.Since(start).Seconds())
	return applied
}

// Run flushes at every window boundary until ctx is cancelled, then flushes
// once more so queued samples are not lost on shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// BatchMode reports whether samples are currently coalesced.
func (p *Pipeline) BatchMode() bool { return p.batch.Load() }

// Rate returns the aggregate updates per second over the last window.
func (p *Pipeline) Rate() float64 { return p.meter.Rate(p.clock.Now()) }

// Pending returns the number of drivers with a queued sample.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Forget drops the ordering state and any queued sample for driverID.
func (p *Pipeline) Forget(driverID string) {
	p.mu.Lock()
	delete(p.pending, driverID)
	p.mu.Unlock()
	unlock := p.locks.Lock(driverID)
	p.appliedMu.Lock()
	delete(p.applied, driverID)
	p.appliedMu.Unlock()
	unlock()
}

// applyOrdered runs the applier under the driver's lock unless a newer
// sample has already been applied.
func (p *Pipeline) applyOrdered(ctx context.Context, driverID string, ps pendingSample) (bool, bool, error) {
	unlock := p.locks.Lock(driverID)
	defer unlock()

	p.appliedMu.Lock()
	last := p.applied[driverID]
	p.appliedMu.Unlock()
	if ps.seq <= last {
		return false, false, nil
	}
	cached, err := p.apply(ctx, driverID, ps.sample)
	if err != nil {
		return false, false, err
	}
	p.appliedMu.Lock()
	p.applied[driverID] = ps.seq
	p.appliedMu.Unlock()
	return cached, true, nil
}

// setBatch must be called with p.mu held.
func (p *Pipeline) setBatch(on bool) {
	p.batch.Store(on)
	if on {
		batchModeGauge.Set(1)
		p.logger.Info("batch mode on", zap.Float64("threshold_rps", p.cfg.ThresholdRPS))
		return
	}
	batchModeGauge.Set(0)
	p.logger.Info("batch mode off")
}
