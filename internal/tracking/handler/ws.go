package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/auth"
	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/protocol"
	"github.com/example/ridetrack/internal/tracking/registry"
	"github.com/example/ridetrack/internal/tracking/service"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// WS serves the driver and user websocket namespaces.
type WS struct {
	svc      *service.Service
	secret   string
	upgrader websocket.Upgrader
	clock    domain.Clock
	logger   *zap.Logger
}

// NewWS builds the websocket endpoints. With an empty secret connections are
// not authenticated and actors are identified by the ids in their events.
func NewWS(svc *service.Service, secret string, logger *zap.Logger) *WS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WS{
		svc:    svc,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clock:  domain.SystemClock{},
		logger: logger,
	}
}

// Drivers handles /ws/drivers.
func (h *WS) Drivers(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.RoleDriver)
}

// Users handles /ws/users.
func (h *WS) Users(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.RoleUser)
}

func (h *WS) serve(w http.ResponseWriter, r *http.Request, role domain.Role) {
	subject, err := h.authenticate(r, role)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, domain.ErrForbidden) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("role", string(role)), zap.Error(err))
		return
	}

	conn := newWSConn(ws)
	go conn.writePump(h.logger)

	sess := &wsSession{h: h, role: role, conn: conn, subject: subject}
	ctx := context.WithoutCancel(r.Context())
	if role == domain.RoleUser {
		userID := subject
		if userID == "" {
			userID = r.URL.Query().Get("userId")
		}
		if userID != "" {
			if err := sess.bind(ctx, userID); err != nil {
				_ = conn.Send(protocol.Error("", err))
				_ = conn.Close(err.Error())
				return
			}
		}
	}
	h.logger.Debug("websocket connected", zap.String("role", string(role)), zap.String("conn_id", conn.ID()))
	sess.readPump(ctx)
}

func (h *WS) authenticate(r *http.Request, role domain.Role) (string, error) {
	if h.secret == "" {
		return "", nil
	}
	claims, err := auth.ParseToken(auth.TokenFromRequest(r), h.secret)
	if err != nil {
		return "", err
	}
	if claims.Role != string(role) {
		return "", fmt.Errorf("%s token on %s namespace: %w", claims.Role, role, domain.ErrForbidden)
	}
	if claims.Subject == "" {
		return "", auth.ErrInvalidToken
	}
	return claims.Subject, nil
}

// readTimeout bounds how long a silent socket stays open. The heartbeat
// monitor normally closes it first.
func (h *WS) readTimeout() time.Duration {
	return 3 * h.svc.Monitor().Interval()
}

// wsSession is the per-connection state of the read loop.
type wsSession struct {
	h       *WS
	role    domain.Role
	conn    *wsConn
	subject string
	actorID string
}

func (s *wsSession) key() registry.Key {
	return registry.Key{Role: s.role, ID: s.actorID}
}

func (s *wsSession) readPump(ctx context.Context) {
	ws := s.conn.ws
	timeout := s.h.readTimeout()
	defer func() {
		_ = s.conn.Close("connection closed")
		if s.actorID != "" {
			s.h.svc.Disconnect(ctx, s.key(), s.conn)
		}
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPongHandler(func(string) error {
		if s.actorID != "" {
			s.h.svc.Touch(s.key())
		}
		return ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.h.logger.Debug("websocket read failed", zap.String("conn_id", s.conn.ID()), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
		if s.actorID != "" {
			s.h.svc.Touch(s.key())
		}

		msg, err := protocol.Decode(raw, s.role)
		if err != nil {
			_ = s.conn.Send(protocol.Error("", err))
			continue
		}
		if err := s.dispatch(ctx, msg); err != nil {
			s.h.logger.Debug("event rejected",
				zap.String("event", msg.EventName()),
				zap.String("actor", s.key().String()),
				zap.Error(err))
			_ = s.conn.Send(protocol.Error(msg.EventName(), err))
		}
	}
}

func (s *wsSession) dispatch(ctx context.Context, msg protocol.Message) error {
	svc := s.h.svc
	switch m := msg.(type) {
	case protocol.RegisterDriver:
		if err := s.checkSubject(m.DriverID); err != nil {
			return err
		}
		return s.bind(ctx, m.DriverID)
	case protocol.UpdateLocation:
		if err := s.checkSubject(m.DriverID); err != nil {
			return err
		}
		start := time.Now()
		res, err := svc.UpdateLocation(ctx, s.conn, m.DriverID, m.Sample(s.h.clock.Now()))
		if err != nil {
			return err
		}
		return s.conn.Send(protocol.LocationUpdated(res.Cached, res.Queued, time.Since(start)))
	case protocol.AppBackground:
		if err := s.checkSubject(m.DriverID); err != nil {
			return err
		}
		if _, err := svc.SetBackground(ctx, s.conn, m.DriverID, *m.IsBackground); err != nil {
			return err
		}
		return s.conn.Send(protocol.BackgroundModeSet(*m.IsBackground))
	case protocol.RestoreSession:
		if err := s.checkSubject(m.DriverID); err != nil {
			return err
		}
		res, err := svc.RestoreSession(ctx, s.conn, m.DriverID)
		if err != nil {
			return err
		}
		return s.conn.Send(protocol.SessionRestored(res))
	case protocol.TrackTrip:
		if err := s.checkSubject(m.UserID); err != nil {
			return err
		}
		if s.actorID != m.UserID {
			if s.actorID != "" {
				return fmt.Errorf("connection is bound to user %s: %w", s.actorID, domain.ErrForbidden)
			}
			if err := s.bind(ctx, m.UserID); err != nil {
				return err
			}
		}
		_, err := svc.TrackTrip(ctx, s.conn, m.UserID, m.TripID)
		return err
	case protocol.UntrackTrip:
		_, err := svc.UntrackTrip(ctx, s.conn, s.actorID)
		return err
	case protocol.Ping:
		return s.conn.Send(protocol.Pong(s.h.clock.Now()))
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, msg.EventName())
	}
}

// bind registers the connection as actorID. Re-registering a driver
// connection under another id releases the old one first.
func (s *wsSession) bind(ctx context.Context, actorID string) error {
	if s.actorID != "" && s.actorID != actorID {
		s.h.svc.Disconnect(ctx, s.key(), s.conn)
	}
	var err error
	if s.role == domain.RoleDriver {
		_, err = s.h.svc.RegisterDriver(ctx, s.conn, actorID)
	} else {
		err = s.h.svc.RegisterUser(ctx, s.conn, actorID)
	}
	if err != nil {
		return err
	}
	s.actorID = actorID
	s.h.logger.Info("actor registered", zap.String("actor", s.key().String()), zap.String("conn_id", s.conn.ID()))
	return nil
}

func (s *wsSession) checkSubject(id string) error {
	if s.subject != "" && id != s.subject {
		return fmt.Errorf("%s %s: %w", s.role, id, domain.ErrForbidden)
	}
	return nil
}

// wsConn adapts a websocket to registry.Conn. Frames are queued and written
// by a single goroutine; a full queue fails the send instead of blocking the
// caller.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan protocol.Outbound
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason string
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan protocol.Outbound, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg protocol.Outbound) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Ping() error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *wsConn) writePump(logger *zap.Logger) {
	defer c.ws.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				logger.Debug("websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
				_ = c.Close("write failed")
				return
			}
		case <-c.done:
			// flush what was queued before the close, e.g. a final error frame
		drain:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					break drain
				}
			}
			frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
			_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsConn) write(msg protocol.Outbound) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}
