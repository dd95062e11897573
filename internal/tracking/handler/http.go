package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/ridetrack/internal/auth"
	"github.com/example/ridetrack/internal/http/middleware"
	"github.com/example/ridetrack/internal/tracking/domain"
	"github.com/example/ridetrack/internal/tracking/protocol"
	"github.com/example/ridetrack/internal/tracking/service"
)

// HTTP exposes the websocket namespaces and the operator endpoints.
type HTTP struct {
	svc     *service.Service
	ws      *WS
	secret  string
	limiter *middleware.RateLimiter
	logger  *zap.Logger
}

// NewHTTP constructs a handler. limiter may be nil.
func NewHTTP(svc *service.Service, secret string, limiter *middleware.RateLimiter, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		svc:     svc,
		ws:      NewWS(svc, secret, logger.Named("ws")),
		secret:  secret,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, h.accessLog, chimiddleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.With(h.limiter.Connect).Get("/ws/drivers", h.ws.Drivers)
	r.With(h.limiter.Connect).Get("/ws/users", h.ws.Users)

	r.Route("/v1", func(r chi.Router) {
		if h.secret != "" {
			r.Use(auth.Middleware(h.secret, auth.RoleAdmin, auth.RoleService))
		}
		r.Use(h.limiter.API)
		r.Get("/metrics", h.metrics)
		r.Get("/drivers/nearby", h.nearby)
		r.Get("/drivers/{id}/session", h.session)
		r.Post("/drivers/{id}/restore", h.restore)
		r.Put("/trips/{id}", h.assignTrip)
		r.Get("/trips/{id}", h.getTrip)
		r.Post("/trips/{id}/status", h.changeStatus)
		r.Get("/trips/{id}/eta", h.tripETA)
	})
	return r
}

func (h *HTTP) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Metrics().Snapshot())
}

func (h *HTTP) session(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *HTTP) restore(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Restore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	radius := 5.0
	if v := q.Get("radius_km"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
		radius = parsed
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	ids, err := h.svc.NearbyDrivers(r.Context(), domain.GeoPoint{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"driverIds": ids})
}

type assignTripRequest struct {
	DriverID string            `json:"driverId"`
	UserID   string            `json:"userId"`
	Status   domain.TripStatus `json:"status"`
	Dropoff  *domain.GeoPoint  `json:"dropoff"`
	Metadata map[string]any    `json:"metadata"`
}

func (h *HTTP) assignTrip(w http.ResponseWriter, r *http.Request) {
	var payload assignTripRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trip, err := h.svc.AssignTrip(r.Context(), domain.Trip{
		ID:       chi.URLParam(r, "id"),
		DriverID: payload.DriverID,
		UserID:   payload.UserID,
		Status:   payload.Status,
		Dropoff:  payload.Dropoff,
		Metadata: payload.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *HTTP) getTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := h.svc.GetTrip(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *HTTP) changeStatus(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Status   domain.TripStatus `json:"status"`
		Metadata map[string]any    `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trip, err := h.svc.ChangeTripStatus(r.Context(), chi.URLParam(r, "id"), payload.Status, payload.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *HTTP) tripETA(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.TripETA(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, protocol.ErrorData{Code: protocol.ErrorCode(err), Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrTripNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTerminalTrip), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTrip), errors.Is(err, domain.ErrInvalidSample), errors.Is(err, domain.ErrUnknownActor):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
