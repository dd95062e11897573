package service

import (
	"context"
	"time"

	"github.com/example/ridetrack/internal/tracking/domain"
)

const (
	defaultAvgSpeedKMH = 30.0
	// below this reported speed (m/s) the driver is treated as stopped and
	// the city average is used instead.
	minMovingSpeed = 1.0
)

// Estimate is the remaining distance and time to a point.
type Estimate struct {
	DistanceMeters float64
	Duration       time.Duration
}

// Service calculates ETAs using haversine distance and average speeds.
type Service struct {
	avgMetersPerSecond float64
}

// New creates an ETA service. A non-positive average falls back to 30 km/h.
func New(avgSpeedKMH float64) *Service {
	if avgSpeedKMH <= 0 {
		avgSpeedKMH = defaultAvgSpeedKMH
	}
	return &Service{avgMetersPerSecond: avgSpeedKMH * 1000.0 / 3600.0}
}

// EstimateToDropoff estimates the time from the driver's last sample to the
// dropoff. The sample's own speed is used while the driver is moving.
func (s *Service) EstimateToDropoff(_ context.Context, from domain.LocationSample, dropoff domain.GeoPoint) Estimate {
	dist := domain.DistanceMeters(from.Point(), dropoff)
	speed := s.avgMetersPerSecond
	if from.Speed >= minMovingSpeed {
		speed = from.Speed
	}
	return Estimate{DistanceMeters: dist, Duration: seconds(dist / speed)}
}

// EstimateTripETA approximates total trip time using distance and average speed.
func (s *Service) EstimateTripETA(_ context.Context, pickup, dropoff domain.GeoPoint) Estimate {
	dist := domain.DistanceMeters(pickup, dropoff)
	return Estimate{DistanceMeters: dist, Duration: seconds(dist / s.avgMetersPerSecond)}
}

func seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second)).Round(time.Second)
}
