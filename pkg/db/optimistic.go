package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrVersionConflict is returned when a check-and-increment update matched no row.
var ErrVersionConflict = errors.New("version_conflict")

const defaultConflictTries = 8

// RetryOnConflict reruns fn while it fails with ErrVersionConflict or a
// transient database error. Any other error stops immediately.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	return RetryOnConflictN(ctx, defaultConflictTries, fn)
}

func RetryOnConflictN(ctx context.Context, tries uint, fn func() error) error {
	if tries == 0 {
		tries = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrVersionConflict) || IsTransientErr(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))
	return err
}
