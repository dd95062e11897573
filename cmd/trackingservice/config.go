package main

import (
	"os"
	"strconv"
	"time"

	"github.com/example/ridetrack/internal/http/middleware"
	"github.com/example/ridetrack/internal/tracking/heartbeat"
	"github.com/example/ridetrack/internal/tracking/ingest"
	"github.com/example/ridetrack/internal/tracking/service"
)

type appConfig struct {
	HTTPAddr          string
	GRPCAddr          string
	LogLevel          string
	JWTSecret         string
	PostgresDSN       string
	RedisAddr         string
	NATSURL           string
	AMQPURL           string
	EventsSubject     string
	TripEventsSubject string
	SessionCacheTTL   time.Duration
	Tracking          service.Config
	RateConnect       middleware.RateConfig
	RateAPI           middleware.RateConfig
	OutboxPoll        time.Duration
	OutboxBatch       int
	OutboxRetry       int
}

func loadConfig() appConfig {
	hb := heartbeat.Config{
		Interval:  parseDurationEnv("HEARTBEAT_INTERVAL_SEC", heartbeat.DefaultInterval, time.Second),
		MissLimit: parseIntEnv("HEARTBEAT_MISS_LIMIT", heartbeat.DefaultMissLimit),
	}
	return appConfig{
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:          getenv("GRPC_ADDR", ":9090"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		PostgresDSN:       firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		NATSURL:           os.Getenv("NATS_URL"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		EventsSubject:     getenv("EVENTS_SUBJECT", "tracking.events"),
		TripEventsSubject: getenv("TRIP_EVENTS_SUBJECT", "trip.events"),
		SessionCacheTTL:   parseDurationEnv("SESSION_CACHE_TTL_SEC", 24*time.Hour, time.Second),
		Tracking: service.Config{
			Ingest: ingest.Config{
				ThresholdRPS: parseFloatEnv("BATCH_THRESHOLD_RPS", ingest.DefaultThreshold),
				Window:       parseDurationEnv("BATCH_WINDOW_MS", ingest.DefaultWindow, time.Millisecond),
			},
			Heartbeat: hb,
			// zero falls back to interval times miss limit
			Grace: parseDurationEnv("SESSION_GRACE_SEC", 0, time.Second),
		},
		RateConnect: middleware.RateConfig{
			Rate:  parseFloatEnv("RATE_CONNECT_RPS", 2),
			Burst: parseFloatEnv("RATE_CONNECT_BURST", 5),
		},
		RateAPI: middleware.RateConfig{
			Rate:  parseFloatEnv("RATE_API_RPS", 20),
			Burst: parseFloatEnv("RATE_API_BURST", 40),
		},
		OutboxPoll:  parseDurationEnv("OUTBOX_POLL_MS", 200*time.Millisecond, time.Millisecond),
		OutboxBatch: parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry: parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseDurationEnv reads an integer count of unit.
func parseDurationEnv(key string, fallback, unit time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return time.Duration(parsed) * unit
		}
	}
	return fallback
}
