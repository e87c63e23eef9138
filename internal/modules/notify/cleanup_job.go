// README: Scheduled removal of push tokens that have not been refreshed recently.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type TokenStore interface {
	ClearExpiredPushTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenCleanupJob clears push tokens older than maxAge on a cron schedule.
type TokenCleanupJob struct {
	store    TokenStore
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
	log      *slog.Logger
	now      func() time.Time
}

func NewTokenCleanupJob(store TokenStore, schedule string, maxAge time.Duration, log *slog.Logger) *TokenCleanupJob {
	return &TokenCleanupJob{
		store:    store,
		schedule: schedule,
		maxAge:   maxAge,
		cron:     cron.New(),
		log:      log.With("component", "push_token_cleanup_job"),
		now:      time.Now,
	}
}

func (j *TokenCleanupJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = j.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("push token cleanup job started", "schedule", j.schedule, "max_age", j.maxAge.String())
	return nil
}

// Stop waits for a running cleanup to finish.
func (j *TokenCleanupJob) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("push token cleanup job stopped")
}

func (j *TokenCleanupJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.maxAge).UTC()
	n, err := j.store.ClearExpiredPushTokens(ctx, cutoff)
	if err != nil {
		j.log.ErrorContext(ctx, "push token cleanup failed", "cutoff", cutoff, "error", err)
		return 0, err
	}
	if n > 0 {
		j.log.InfoContext(ctx, "cleaned up expired push tokens", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}
