package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivtrack/internal/logging"
)

type fakeTokenStore struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeTokenStore) ClearExpiredPushTokens(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func TestTokenCleanupJob_RunOnce(t *testing.T) {
	store := &fakeTokenStore{n: 3}
	job := NewTokenCleanupJob(store, "0 2 * * *", 30*24*time.Hour, logging.Discard())
	now := time.Date(2026, 5, 31, 2, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	n, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.Len(t, store.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC), store.cutoffs[0])
}

func TestTokenCleanupJob_RunOnceError(t *testing.T) {
	store := &fakeTokenStore{err: errors.New("db down")}
	job := NewTokenCleanupJob(store, "0 2 * * *", time.Hour, logging.Discard())
	_, err := job.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestTokenCleanupJob_StartStop(t *testing.T) {
	job := NewTokenCleanupJob(&fakeTokenStore{}, "0 2 * * *", time.Hour, logging.Discard())
	require.NoError(t, job.Start())
	job.Stop()

	bad := NewTokenCleanupJob(&fakeTokenStore{}, "not a schedule", time.Hour, logging.Discard())
	assert.Error(t, bad.Start())
}
