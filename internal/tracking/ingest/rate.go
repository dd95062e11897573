package ingest

import (
	"sync"
	"time"
)

const defaultBuckets = 10

// Meter counts events over a sliding window split into fixed buckets.
type Meter struct {
	mu     sync.Mutex
	width  time.Duration
	window time.Duration
	counts []int64
	stamps []int64
}

// NewMeter builds a meter covering window with the given bucket count.
func NewMeter(window time.Duration, buckets int) *Meter {
	if window <= 0 {
		window = time.Second
	}
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	width := window / time.Duration(buckets)
	if width <= 0 {
		width = time.Nanosecond
	}
	stamps := make([]int64, buckets)
	for i := range stamps {
		stamps[i] = -1
	}
	return &Meter{
		width:  width,
		window: window,
		counts: make([]int64, buckets),
		stamps: stamps,
	}
}

// Mark records one event at now.
func (m *Meter) Mark(now time.Time) {
	idx := now.UnixNano() / int64(m.width)
	slot := int(idx % int64(len(m.counts)))
	m.mu.Lock()
	if m.stamps[slot] != idx {
		m.stamps[slot] = idx
		m.counts[slot] = 0
	}
	m.counts[slot]++
	m.mu.Unlock()
}

// Rate returns events per second seen in the window ending at now.
func (m *Meter) Rate(now time.Time) float64 {
	idx := now.UnixNano() / int64(m.width)
	n := int64(len(m.counts))
	var total int64
	m.mu.Lock()
	for i, stamp := range m.stamps {
		if stamp >= 0 && idx-stamp < n && stamp <= idx {
			total += m.counts[i]
		}
	}
	m.mu.Unlock()
	return float64(total) / m.window.Seconds()
}
