package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivtrack/internal/testutil"
	"delivtrack/internal/types"
)

type onlineSet map[types.ID]bool

func (o onlineSet) IsOnline(id types.ID) bool { return o[id] }

type memUsers struct {
	pos map[types.ID]types.Point
	err error
}

func (m *memUsers) SaveCurrentLocation(_ context.Context, id types.ID, p types.Point, _ time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.pos[id] = p
	return nil
}

var (
	timesSquare = types.Point{Lat: 40.7580, Lng: -73.9855}
	wallStreet  = types.Point{Lat: 40.7060, Lng: -74.0088}
	jfk         = types.Point{Lat: 40.6413, Lng: -73.7781}
)

func exerciseGeo(t *testing.T, geo GeoIndex) {
	t.Helper()
	ctx := context.Background()
	users := &memUsers{pos: map[types.ID]types.Point{}}
	s := NewStore(users, geo, nil)

	require.NoError(t, s.SaveCurrent(ctx, "d1", timesSquare, time.Now()))
	require.NoError(t, s.SaveCurrent(ctx, "d2", wallStreet, time.Now()))
	require.NoError(t, s.SaveCurrent(ctx, "d3", jfk, time.Now()))
	assert.Equal(t, wallStreet, users.pos["d2"])

	near, err := s.Nearby(ctx, types.Point{Lat: 40.7549, Lng: -73.9840}, 10)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, types.ID("d1"), near[0].DriverID)
	assert.Equal(t, types.ID("d2"), near[1].DriverID)
	assert.Less(t, near[0].DistanceKm, near[1].DistanceKm)

	require.NoError(t, s.RemoveGeo(ctx, "d1"))
	near, err = s.Nearby(ctx, types.Point{Lat: 40.7549, Lng: -73.9840}, 10)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, types.ID("d2"), near[0].DriverID)
}

func TestStore_MemGeo(t *testing.T) {
	exerciseGeo(t, NewMemGeo())
}

func TestStore_RedisGeo(t *testing.T) {
	exerciseGeo(t, NewRedisGeo(testutil.Redis(t)))
}

func TestStore_NearbyValidation(t *testing.T) {
	s := NewStore(&memUsers{pos: map[types.ID]types.Point{}}, NewMemGeo(), nil)
	ctx := context.Background()
	for _, radius := range []float64{0, -1, 51} {
		_, err := s.Nearby(ctx, timesSquare, radius)
		assert.ErrorIs(t, err, ErrInvalidQuery)
	}
	_, err := s.Nearby(ctx, types.Point{Lat: 100, Lng: 0}, 5)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestStore_SaveCurrentSkipsIndexOnWriteFailure(t *testing.T) {
	geo := NewMemGeo()
	s := NewStore(&memUsers{err: errors.New("boom")}, geo, nil)
	err := s.SaveCurrent(context.Background(), "d1", timesSquare, time.Now())
	require.Error(t, err)

	near, err := s.Nearby(context.Background(), timesSquare, 1)
	require.NoError(t, err)
	assert.Empty(t, near)
}

func TestStore_SaveCurrentIndexesOnlyOnlineDrivers(t *testing.T) {
	ctx := context.Background()
	users := &memUsers{pos: map[types.ID]types.Point{}}
	online := onlineSet{"d1": true}
	s := NewStore(users, NewMemGeo(), online)

	require.NoError(t, s.SaveCurrent(ctx, "d1", timesSquare, time.Now()))
	require.NoError(t, s.SaveCurrent(ctx, "d2", timesSquare, time.Now()))
	assert.Equal(t, timesSquare, users.pos["d2"], "the user row is written either way")

	near, err := s.Nearby(ctx, timesSquare, 1)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, types.ID("d1"), near[0].DriverID)

	// d1 disconnects: removal, then a late save from its last report
	delete(online, "d1")
	require.NoError(t, s.RemoveGeo(ctx, "d1"))
	require.NoError(t, s.SaveCurrent(ctx, "d1", timesSquare, time.Now()))

	near, err = s.Nearby(ctx, timesSquare, 1)
	require.NoError(t, err)
	assert.Empty(t, near)
}
