package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivtrack/internal/modules/user"
	"delivtrack/internal/testutil"
	"delivtrack/internal/types"
)

func setupPGStore(t *testing.T) *Store {
	t.Helper()
	pool := testutil.Postgres(t)
	users := user.NewStore(pool)
	ctx := context.Background()
	for _, u := range []*user.User{
		{ID: "c1", Email: "c1@example.com", Name: "C1", Role: types.RoleCustomer, Active: true},
		{ID: "d1", Email: "d1@example.com", Name: "D1", Role: types.RoleDriver, Active: true},
	} {
		require.NoError(t, users.Create(ctx, u))
	}
	return NewStore(pool)
}

func newPendingOrder(id types.ID, at time.Time) *Order {
	return &Order{
		ID:         id,
		CustomerID: "c1",
		Status:     StatusPending,
		Address:    "1 Main St",
		Location:   types.Point{Lat: 10, Lng: 20},
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestStore_TransitionCompareAndSet(t *testing.T) {
	s := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Create(ctx, newPendingOrder("o1", now)))

	driver := types.ID("d1")
	ok, err := s.Transition(ctx, Transition{OrderID: "o1", From: StatusPending, To: StatusAssigned, Version: 0, DriverID: &driver, At: now})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Transition(ctx, Transition{OrderID: "o1", From: StatusPending, To: StatusAssigned, Version: 0, DriverID: &driver, At: now})
	require.NoError(t, err)
	assert.False(t, ok, "stale status/version must not apply")

	o, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, o.Status)
	assert.Equal(t, 1, o.StatusVersion)
	require.NotNil(t, o.DriverID)
	assert.Equal(t, driver, *o.DriverID)
	require.NotNil(t, o.AssignedAt)
	assert.WithinDuration(t, now, *o.AssignedAt, time.Millisecond)
	assert.Nil(t, o.StartedAt)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListAndEvents(t *testing.T) {
	s := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, newPendingOrder("o1", now.Add(-time.Minute))))
	require.NoError(t, s.Create(ctx, newPendingOrder("o2", now)))

	driver := types.ID("d1")
	ok, err := s.Transition(ctx, Transition{OrderID: "o1", From: StatusPending, To: StatusAssigned, DriverID: &driver, At: now})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Transition(ctx, Transition{OrderID: "o1", From: StatusAssigned, To: StatusInProgress, Version: 1, At: now})
	require.NoError(t, err)
	require.True(t, ok)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.ID("o2"), all[0].ID, "newest first")

	inProgress, err := s.List(ctx, Filter{DriverID: &driver, Statuses: []Status{StatusInProgress}})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, types.ID("o1"), inProgress[0].ID)

	customer := types.ID("c1")
	pending, err := s.List(ctx, Filter{CustomerID: &customer, Statuses: []Status{StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.ID("o2"), pending[0].ID)

	e := &Event{OrderID: "o1", FromStatus: StatusAssigned, ToStatus: StatusInProgress, ActorRole: types.RoleDriver, ActorID: &driver, CreatedAt: now}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Positive(t, e.ID)
}

func TestStore_ServiceConcurrentAssign(t *testing.T) {
	s := setupPGStore(t)
	ctx := context.Background()
	svc := NewService(Deps{Store: s, Drivers: newFakeDrivers(driverUser("d1", ""))})
	o, err := svc.Create(ctx, CreateCommand{CustomerID: "c1", Address: "1 Main St", Location: types.Point{Lat: 1, Lng: 1}})
	require.NoError(t, err)

	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := svc.Assign(ctx, AssignCommand{OrderID: o.ID, DriverID: "d1", Actor: admin})
			errs <- err
		}()
	}
	success := 0
	for i := 0; i < workers; i++ {
		if err := <-errs; err == nil {
			success++
		} else {
			require.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, success)
}
