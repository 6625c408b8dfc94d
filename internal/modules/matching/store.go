// README: Courier pool backed by Redis GEO plus short-lived claim keys.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hemoroute/internal/types"
)

const (
	courierPoolKey = "matching:couriers"
	claimKeyPrefix = "matching:courier:%s:claim"
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) SetAvailable(ctx context.Context, id types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, courierPoolKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (s *Store) Remove(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, courierPoolKey, string(id)).Err()
}

// Nearby returns available couriers within radiusKm, closest first.
func (s *Store) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]Courier, error) {
	results, err := s.redis.GeoSearchLocation(ctx, courierPoolKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Courier, len(results))
	for i, r := range results {
		out[i] = Courier{
			ID:         types.ID(r.Name),
			Position:   types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm: r.Dist,
		}
	}
	return out, nil
}

// Claim reserves a courier for a delivery; false when another delivery
// holds the claim.
func (s *Store) Claim(ctx context.Context, courierID, deliveryID types.ID, ttl time.Duration) (bool, error) {
	return s.redis.SetNX(ctx, claimKey(courierID), string(deliveryID), ttl).Result()
}

func (s *Store) Release(ctx context.Context, courierID types.ID) error {
	return s.redis.Del(ctx, claimKey(courierID)).Err()
}

func claimKey(courierID types.ID) string {
	return fmt.Sprintf(claimKeyPrefix, string(courierID))
}
