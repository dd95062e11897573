package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_ingest_samples_total",
		Help: "Location samples seen by the ingest pipeline grouped by outcome.",
	}, []string{"result"})

	batchModeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_ingest_batch_mode",
		Help: "1 while the ingest pipeline coalesces samples per window.",
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracking_ingest_flush_seconds",
		Help:    "Time spent flushing one batching window.",
		Buckets: prometheus.DefBuckets,
	})
)
