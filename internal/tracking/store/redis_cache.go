package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridetrack/internal/tracking/domain"
)

const (
	defaultKeyPrefix = "tracking:"
	defaultCacheTTL  = 24 * time.Hour
)

// RedisCache keeps sessions and trips as JSON values with a TTL, plus a GEO
// set of last known driver positions.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCache constructs the cache layer. An empty prefix uses "tracking:".
func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisCache) tripKey(id string) string    { return r.prefix + "trip:" + id }
func (r *RedisCache) geoKey() string              { return r.prefix + "driver:locs" }

func (r *RedisCache) LoadSession(ctx context.Context, driverID string) (domain.DriverSession, bool, error) {
	var s domain.DriverSession
	ok, err := r.getJSON(ctx, r.sessionKey(driverID), &s)
	return s, ok, err
}

// SaveSession writes the session and its GEO entry in one pipeline. Only
// connected drivers with a known position stay in the GEO set.
func (r *RedisCache) SaveSession(ctx context.Context, session domain.DriverSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(session.DriverID), payload, r.ttl)
		loc := session.LastLocation
		if loc != nil && session.State != domain.StateDisconnected {
			pipe.GeoAdd(ctx, r.geoKey(), &redis.GeoLocation{Name: session.DriverID, Longitude: loc.Lng, Latitude: loc.Lat})
		} else {
			pipe.ZRem(ctx, r.geoKey(), session.DriverID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

func (r *RedisCache) DeleteSession(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(driverID))
		pipe.ZRem(ctx, r.geoKey(), driverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (r *RedisCache) LoadTrip(ctx context.Context, tripID string) (domain.Trip, bool, error) {
	var t domain.Trip
	ok, err := r.getJSON(ctx, r.tripKey(tripID), &t)
	return t, ok, err
}

func (r *RedisCache) SaveTrip(ctx context.Context, trip domain.Trip) error {
	payload, err := json.Marshal(trip)
	if err != nil {
		return fmt.Errorf("marshal trip: %w", err)
	}
	if err := r.client.Set(ctx, r.tripKey(trip.ID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis save trip: %w", err)
	}
	return nil
}

func (r *RedisCache) DeleteTrip(ctx context.Context, tripID string) error {
	if err := r.client.Del(ctx, r.tripKey(tripID)).Err(); err != nil {
		return fmt.Errorf("redis delete trip: %w", err)
	}
	return nil
}

// Nearby returns up to limit driver ids sorted by distance to point. Members
// whose session key has expired are dropped from the GEO set on the way.
func (r *RedisCache) Nearby(ctx context.Context, point domain.GeoPoint, radiusKM float64, limit int) ([]string, error) {
	ids, err := r.client.GeoSearch(ctx, r.geoKey(), &redis.GeoSearchQuery{
		Longitude:  point.Lng,
		Latitude:   point.Lat,
		Radius:     radiusKM,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	return r.pruneExpired(ctx, ids)
}

func (r *RedisCache) pruneExpired(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return ids, nil
	}
	cmds := make([]*redis.IntCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, r.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis exists: %w", err)
	}
	live := ids[:0]
	var stale []any
	for i, id := range ids {
		if cmds[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.geoKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune geo: %w", err)
		}
	}
	return live, nil
}

func (r *RedisCache) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
