package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ridetrack/internal/tracking/domain"
)

func TestEstimateToDropoffUsesReportedSpeed(t *testing.T) {
	svc := New(36) // 10 m/s
	from := domain.LocationSample{Lat: 0, Lng: 0, Speed: 20}
	dropoff := domain.GeoPoint{Lat: 0, Lng: 0.01}

	est := svc.EstimateToDropoff(context.Background(), from, dropoff)
	require.InDelta(t, 1112, est.DistanceMeters, 2)
	require.Equal(t, 56*time.Second, est.Duration)

	from.Speed = 0.2
	est = svc.EstimateToDropoff(context.Background(), from, dropoff)
	require.Equal(t, 111*time.Second, est.Duration)
}

func TestEstimateTripETA(t *testing.T) {
	svc := New(0)
	est := svc.EstimateTripETA(context.Background(), domain.GeoPoint{Lat: 12.9716, Lng: 77.5946}, domain.GeoPoint{Lat: 12.9716, Lng: 77.5946})
	require.Zero(t, est.DistanceMeters)
	require.Zero(t, est.Duration)

	est = svc.EstimateTripETA(context.Background(), domain.GeoPoint{Lat: 0, Lng: 0}, domain.GeoPoint{Lat: 0, Lng: 0.01})
	// 30 km/h default
	require.InDelta(t, 133, est.Duration.Seconds(), 1)
}
