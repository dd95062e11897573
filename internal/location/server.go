package location

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ridetrack/internal/auth"
	"github.com/example/ridetrack/internal/http/middleware"
	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/ingest"
	"github.com/example/ridetrack/internal/tracking/protocol"
	"github.com/example/ridetrack/internal/tracking/registry"
)

var errStreamClosed = errors.New("stream closed")

// Ingestor is the part of the tracking service a location stream drives.
type Ingestor interface {
	RegisterDriver(ctx context.Context, conn registry.Conn, driverID string) (domain.DriverSession, error)
	UpdateLocation(ctx context.Context, conn registry.Conn, driverID string, sample domain.LocationSample) (ingest.Result, error)
	Disconnect(ctx context.Context, key registry.Key, conn registry.Conn)
	Touch(key registry.Key)
}

// Server implements the LocationServer interface. Each stream registers as
// the driver's live connection for as long as it stays open.
type Server struct {
	svc     Ingestor
	secret  string
	limiter *middleware.RateLimiter
	clock   domain.Clock
	logger  *zap.Logger
}

// NewServer constructs a server. An empty secret accepts the driver id from
// the first message instead of the token subject.
func NewServer(svc Ingestor, secret string, limiter *middleware.RateLimiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, secret: secret, limiter: limiter, clock: domain.SystemClock{}, logger: logger}
}

// StreamLocation ingests driver locations until the client half-closes, then
// acknowledges how many samples were accepted.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	ctx := stream.Context()
	subject := ""
	if s.secret != "" {
		claims, err := auth.FromIncomingContext(ctx, s.secret)
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		if claims.Role != auth.RoleDriver {
			return status.Error(codes.PermissionDenied, "driver role required")
		}
		subject = claims.Subject
	}

	msgs := make(chan *DriverLocation)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	conn := newStreamConn()
	var (
		ack      Ack
		driverID string
	)
	defer func() {
		if driverID != "" {
			s.svc.Disconnect(context.WithoutCancel(ctx), registry.DriverKey(driverID), conn)
		}
	}()

	for {
		select {
		case <-conn.done:
			return status.Error(codes.Aborted, conn.reason())
		case err := <-recvErr:
			if err == io.EOF {
				return stream.SendAndClose(&ack)
			}
			return err
		case msg := <-msgs:
			id := msg.DriverId
			if subject != "" {
				if id != "" && id != subject {
					ack.Rejected++
					continue
				}
				id = subject
			}
			if driverID == "" {
				if err := s.register(ctx, conn, id); err != nil {
					return err
				}
				driverID = id
			} else if id != driverID {
				ack.Rejected++
				continue
			}
			s.svc.Touch(registry.DriverKey(driverID))
			if _, err := s.svc.UpdateLocation(ctx, conn, driverID, msg.Sample(s.clock.Now())); err != nil {
				s.logger.Debug("stream sample rejected", zap.String("driver_id", driverID), zap.Error(err))
				ack.Rejected++
				continue
			}
			ack.Accepted++
		}
	}
}

func (s *Server) register(ctx context.Context, conn *streamConn, driverID string) error {
	if driverID == "" {
		return status.Error(codes.InvalidArgument, "driverId is required")
	}
	allowed, _, err := s.limiter.Allow(ctx, middleware.ScopeConnect, string(domain.RoleDriver)+":"+driverID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.Error(err))
	} else if !allowed {
		return status.Error(codes.ResourceExhausted, "too many connection attempts")
	}
	if _, err := s.svc.RegisterDriver(ctx, conn, driverID); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	s.logger.Info("location stream opened", zap.String("driver_id", driverID), zap.String("conn_id", conn.ID()))
	return nil
}

// streamConn stands in for a client-streaming RPC in the registry. The RPC
// has no server-to-client frames, so outbound messages are dropped and
// liveness comes from the samples themselves.
type streamConn struct {
	id   string
	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	cause string
}

func newStreamConn() *streamConn {
	return &streamConn{id: uuid.NewString(), done: make(chan struct{})}
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Send(protocol.Outbound) error {
	select {
	case <-c.done:
		return errStreamClosed
	default:
		return nil
	}
}

func (c *streamConn) Ping() error {
	return c.Send(protocol.Outbound{})
}

func (c *streamConn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.cause = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *streamConn) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}
