package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridetrack/internal/http/middleware"
	"github.com/example/ridetrack/internal/location"
	outboxworker "github.com/example/ridetrack/internal/outbox"
	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/handler"
	"github.com/example/ridetrack/internal/tracking/service"
	"github.com/example/ridetrack/internal/tracking/store"
	"github.com/example/ridetrack/internal/tracking/tripfeed"
	"github.com/example/ridetrack/pkg/observability"
	outboxpkg "github.com/example/ridetrack/pkg/outbox"
)

const serviceName = "tracking-service"

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, serviceName, nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, connections are not authenticated")
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName)); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	// trip changes and their events commit together when both postgres and
	// NATS are up; the relay worker publishes them afterwards
	var tripOutbox *outboxpkg.Writer
	if db != nil && natsConn != nil {
		tripOutbox = outboxpkg.NewWriter(db, cfg.EventsSubject)
	}
	sessions, err := buildStore(ctx, db, redisClient, tripOutbox, cfg, logger)
	if err != nil {
		logger.Fatal("session store", zap.Error(err))
	}
	if tripOutbox != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	events, closeEvents := buildEventSink(natsConn, cfg, logger)
	defer closeEvents()

	svc, err := service.New(cfg.Tracking, service.Deps{
		Store:  sessions,
		Events: events,
		Logger: logger.Named("tracking"),
	})
	if err != nil {
		logger.Fatal("tracking service", zap.Error(err))
	}
	if err := svc.Metrics().Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("metrics registration failed", zap.Error(err))
	}

	if natsConn != nil {
		sub, err := tripfeed.New(svc, logger.Named("tripfeed")).Subscribe(natsConn, cfg.TripEventsSubject, serviceName)
		if err != nil {
			logger.Fatal("trip feed subscribe", zap.Error(err))
		}
		defer sub.Unsubscribe() //nolint:errcheck
	}

	limiter := middleware.NewRateLimiter(redisClient, cfg.RateConnect, cfg.RateAPI)

	svcDone := make(chan struct{})
	go func() {
		defer close(svcDone)
		_ = svc.Run(ctx)
	}()

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter())
	r.Mount("/", handler.NewHTTP(svc, cfg.JWTSecret, limiter, logger.Named("http")).Router())
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("tracking http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	grpcSrv := grpc.NewServer(grpc.ForceServerCodec(location.Codec()))
	location.RegisterLocationServer(grpcSrv, location.NewServer(svc, cfg.JWTSecret, limiter, logger.Named("grpc")))
	go func() {
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	// the pipeline flushes queued samples before Run returns
	select {
	case <-svcDone:
	case <-shutdownCtx.Done():
		logger.Warn("tracking service did not stop in time")
	}
}

func buildStore(ctx context.Context, db *sql.DB, redisClient *redis.Client, tripOutbox *outboxpkg.Writer, cfg appConfig, logger *zap.Logger) (*store.Store, error) {
	var durable store.Backend
	if db != nil {
		pg := store.NewPostgresStore(db)
		if tripOutbox != nil {
			pg.WithOutbox(tripOutbox)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		durable = pg
	} else {
		logger.Warn("POSTGRES_DSN is empty, sessions are kept in memory")
		durable = store.NewMemoryBackend()
	}
	var cache store.Backend
	if redisClient != nil {
		cache = store.NewRedisCache(redisClient, "tracking:", cfg.SessionCacheTTL)
	}
	return store.New(cache, durable, nil, logger.Named("store"))
}

// buildEventSink prefers RabbitMQ when configured, then NATS. Without either
// the applied samples are not published anywhere.
func buildEventSink(natsConn *nats.Conn, cfg appConfig, logger *zap.Logger) (domain.EventPublisher, func()) {
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				pub, pubErr := outboxpkg.NewAMQPPublisher(ch, cfg.EventsSubject)
				if pubErr == nil {
					return pub, func() {
						_ = ch.Close()
						_ = conn.Close()
					}
				}
				chErr = pubErr
			}
			_ = conn.Close()
			err = chErr
		}
		logger.Warn("amqp sink unavailable", zap.Error(err))
	}
	if natsConn != nil {
		return outboxpkg.NewPublisher(natsConn, cfg.EventsSubject), func() {}
	}
	return nil, func() {}
}
