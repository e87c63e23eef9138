package user

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivtrack/internal/testutil"
	"delivtrack/internal/types"
)

func seedUser(t *testing.T, s *Store, id types.ID, role types.Role, active bool) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &User{
		ID:     id,
		Email:  string(id) + "@example.com",
		Name:   strings.ToUpper(string(id)),
		Role:   role,
		Active: active,
	}))
}

func TestStore_GetAndActiveDrivers(t *testing.T) {
	s := NewStore(testutil.Postgres(t))
	ctx := context.Background()
	seedUser(t, s, "d1", types.RoleDriver, true)
	seedUser(t, s, "d2", types.RoleDriver, false)
	seedUser(t, s, "c1", types.RoleCustomer, true)

	u, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "D1", u.Name)
	assert.True(t, u.IsActiveDriver())
	assert.Nil(t, u.CurrentLocation)

	_, err = s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	drivers, err := s.GetActiveDrivers(ctx, []types.ID{"d1", "d2", "c1", "ghost"})
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	assert.Equal(t, types.ID("d1"), drivers[0].ID)
}

func TestStore_SaveCurrentLocation(t *testing.T) {
	s := NewStore(testutil.Postgres(t))
	ctx := context.Background()
	seedUser(t, s, "d1", types.RoleDriver, true)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SaveCurrentLocation(ctx, "d1", types.Point{Lat: 40.7, Lng: -74.0}, at))

	u, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, u.CurrentLocation)
	assert.InDelta(t, 40.7, u.CurrentLocation.Lat, 1e-9)
	assert.InDelta(t, -74.0, u.CurrentLocation.Lng, 1e-9)
	assert.WithinDuration(t, at, u.CurrentLocation.UpdatedAt, time.Millisecond)

	err = s.SaveCurrentLocation(ctx, "ghost", types.Point{}, at)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PushTokens(t *testing.T) {
	s := NewStore(testutil.Postgres(t))
	ctx := context.Background()
	seedUser(t, s, "d1", types.RoleDriver, true)
	seedUser(t, s, "d2", types.RoleDriver, true)
	now := time.Now().UTC()

	moved, err := s.SetPushToken(ctx, "d1", "shared-device", now)
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = s.SetPushToken(ctx, "d2", "shared-device", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, moved)

	d1, err := s.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, d1.PushToken)

	ok, err := s.ClearPushToken(ctx, "d2", "other-token")
	require.NoError(t, err)
	assert.False(t, ok, "clear must match the stored value")

	ok, err = s.ClearPushToken(ctx, "d2", "shared-device")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.SetPushToken(ctx, "ghost", "x", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ClearExpiredPushTokens(t *testing.T) {
	s := NewStore(testutil.Postgres(t))
	ctx := context.Background()
	seedUser(t, s, "d1", types.RoleDriver, true)
	seedUser(t, s, "d2", types.RoleDriver, true)
	now := time.Now().UTC()

	_, err := s.SetPushToken(ctx, "d1", "old", now.Add(-31*24*time.Hour))
	require.NoError(t, err)
	_, err = s.SetPushToken(ctx, "d2", "fresh", now.Add(-time.Hour))
	require.NoError(t, err)

	n, err := s.ClearExpiredPushTokens(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	d2, err := s.Get(ctx, "d2")
	require.NoError(t, err)
	require.NotNil(t, d2.PushToken)
	assert.Equal(t, "fresh", *d2.PushToken)
}
