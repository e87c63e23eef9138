// README: Driver position index for nearby search, Redis GEO with an in-process fallback.
package location

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"delivtrack/internal/types"
)

const driverGeoKey = "tracking:drivers"

type GeoIndex interface {
	Add(ctx context.Context, driverID types.ID, p types.Point) error
	Remove(ctx context.Context, driverID types.ID) error
	Search(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]NearbyDriver, error)
}

type RedisGeo struct {
	rdb *redis.Client
	key string
}

func NewRedisGeo(rdb *redis.Client) *RedisGeo {
	return &RedisGeo{rdb: rdb, key: driverGeoKey}
}

func (g *RedisGeo) Add(ctx context.Context, driverID types.ID, p types.Point) error {
	return g.rdb.GeoAdd(ctx, g.key, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *RedisGeo) Remove(ctx context.Context, driverID types.ID) error {
	return g.rdb.ZRem(ctx, g.key, string(driverID)).Err()
}

func (g *RedisGeo) Search(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	locs, err := g.rdb.GeoSearchLocation(ctx, g.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
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
	out := make([]NearbyDriver, 0, len(locs))
	for _, l := range locs {
		out = append(out, NearbyDriver{
			DriverID:   types.ID(l.Name),
			Lat:        l.Latitude,
			Lng:        l.Longitude,
			DistanceKm: l.Dist,
		})
	}
	return out, nil
}

// MemGeo serves nearby search in process when Redis is unreachable.
type MemGeo struct {
	mu  sync.RWMutex
	pos map[types.ID]types.Point
}

func NewMemGeo() *MemGeo {
	return &MemGeo{pos: make(map[types.ID]types.Point)}
}

func (g *MemGeo) Add(_ context.Context, driverID types.ID, p types.Point) error {
	g.mu.Lock()
	g.pos[driverID] = p
	g.mu.Unlock()
	return nil
}

func (g *MemGeo) Remove(_ context.Context, driverID types.ID) error {
	g.mu.Lock()
	delete(g.pos, driverID)
	g.mu.Unlock()
	return nil
}

func (g *MemGeo) Search(_ context.Context, center types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	g.mu.RLock()
	out := []NearbyDriver{}
	for id, p := range g.pos {
		d := distanceKm(center, p)
		if d <= radiusKm {
			out = append(out, NearbyDriver{DriverID: id, Lat: p.Lat, Lng: p.Lng, DistanceKm: d})
		}
	}
	g.mu.RUnlock()
	nearestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
