package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/referralpool/internal/cache"
	"go.uber.org/zap"
)

func jobLockKey(job string) string {
	return cache.Key("lock", "scheduler", job)
}

// acquireJobLock keeps a job to one replica per tick. Without Redis every
// replica runs the job and relies on the row-level version checks in the
// services it calls.
func (s *Scheduler) acquireJobLock(ctx context.Context, job string) (func(), bool, error) {
	if !s.locker.Enabled() {
		return func() {}, true, nil
	}

	key := jobLockKey(job)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// The job ctx may already be past its deadline.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("job lock release failed",
				zap.String("job", job),
				zap.Error(err),
			)
		}
	}
	return release, true, nil
}
