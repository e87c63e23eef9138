// README: Location store: latest position on the user row plus the geo index.
package location

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"delivtrack/internal/types"
)

var ErrInvalidQuery = errors.New("invalid nearby query")

const (
	maxRadiusKm  = 50.0
	defaultLimit = 50
	geoStripes   = 64
)

type LocationWriter interface {
	SaveCurrentLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error
}

// OnlineChecker reports whether a driver currently holds a presence entry.
type OnlineChecker interface {
	IsOnline(driverID types.ID) bool
}

type Store struct {
	users  LocationWriter
	geo    GeoIndex
	online OnlineChecker
	// geo add/remove for one driver are serialized on its stripe
	stripes [geoStripes]sync.Mutex
}

// NewStore builds the location store. With a non-nil online checker only
// drivers that are online are kept in the geo index; nil indexes every save.
func NewStore(users LocationWriter, geo GeoIndex, online OnlineChecker) *Store {
	return &Store{users: users, geo: geo, online: online}
}

// SaveCurrent overwrites the driver's last known position. Only the latest
// sample is kept. A write that finishes after the driver went offline
// updates the user row but leaves the geo index alone.
func (s *Store) SaveCurrent(ctx context.Context, driverID types.ID, p types.Point, at time.Time) error {
	if err := s.users.SaveCurrentLocation(ctx, driverID, p, at); err != nil {
		return fmt.Errorf("save current location: %w", err)
	}
	mu := s.stripe(driverID)
	mu.Lock()
	defer mu.Unlock()
	if s.online != nil && !s.online.IsOnline(driverID) {
		return nil
	}
	if err := s.geo.Add(ctx, driverID, p); err != nil {
		return fmt.Errorf("index driver position: %w", err)
	}
	return nil
}

// RemoveGeo drops the driver from nearby search; the stored position stays.
// Call it after the presence entry is gone so no in-flight save re-adds it.
func (s *Store) RemoveGeo(ctx context.Context, driverID types.ID) error {
	mu := s.stripe(driverID)
	mu.Lock()
	defer mu.Unlock()
	return s.geo.Remove(ctx, driverID)
}

func (s *Store) stripe(driverID types.ID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(driverID))
	return &s.stripes[h.Sum32()%geoStripes]
}

func (s *Store) Nearby(ctx context.Context, center types.Point, radiusKm float64) ([]NearbyDriver, error) {
	if !center.Valid() || radiusKm <= 0 || radiusKm > maxRadiusKm {
		return nil, ErrInvalidQuery
	}
	return s.geo.Search(ctx, center, radiusKm, defaultLimit)
}
