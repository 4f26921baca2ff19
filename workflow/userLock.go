package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

var ErrUserLockBusy = errors.New("user lock is held by another worker")

// obtainUserLock takes a short Redis lock scoped to one user and purpose.
// A nil locker disables locking and returns (nil, nil).
func obtainUserLock(ctx context.Context, locker *redislock.Client, tenantId string, userId int, purpose string, ttl time.Duration) (*redislock.Lock, error) {
	if locker == nil {
		return nil, nil
	}
	key := fmt.Sprintf("timesheet:%s:%s:%d", purpose, tenantId, userId)
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrUserLockBusy
		}
		return nil, err
	}
	return lock, nil
}

func releaseUserLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
