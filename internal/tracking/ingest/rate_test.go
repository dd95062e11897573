package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMeterSlidesOverWindow(t *testing.T) {
	m := NewMeter(time.Second, 10)
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < 20; i++ {
		m.Mark(start.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	require.InDelta(t, 20.0, m.Rate(start.Add(200*time.Millisecond)), 0.001)

	// first bucket has aged out
	for i := 0; i < 5; i++ {
		m.Mark(start.Add(1050 * time.Millisecond))
	}
	require.InDelta(t, 15.0, m.Rate(start.Add(1050*time.Millisecond)), 0.001)

	require.Zero(t, m.Rate(start.Add(5*time.Second)))
}

func TestMeterIgnoresFutureStamps(t *testing.T) {
	m := NewMeter(time.Second, 10)
	now := time.Unix(1_700_000_000, 0)
	m.Mark(now.Add(500 * time.Millisecond))
	require.Zero(t, m.Rate(now))
}
