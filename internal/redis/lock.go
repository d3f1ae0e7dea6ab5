package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// ErrLockNotAcquired is returned when the wait for a doctor-day lock ran out.
var ErrLockNotAcquired = fmt.Errorf("doctor-day lock not acquired: %w", appointment.ErrLockContended)

const lockRetryInterval = 25 * time.Millisecond

// DoctorDayLocker serializes bookings of one doctor on one clinic date across
// api-server replicas.
type DoctorDayLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewDoctorDayLocker creates a locker holding keys for ttl and waiting up to
// wait for a held key to be released.
func NewDoctorDayLocker(client *redis.Client, ttl, wait time.Duration) *DoctorDayLocker {
	return &DoctorDayLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func lockKey(key appointment.DoctorDay) string {
	return "lock:doctor-day:" + key.String()
}

func (l *DoctorDayLocker) WithDoctorDayLock(ctx context.Context, key appointment.DoctorDay, fn func(ctx context.Context) error) error {
	redisKey := lockKey(key)
	token := uuid.NewString()

	if err := l.acquire(ctx, redisKey, token); err != nil {
		return err
	}

	defer func() {
		// release even when ctx is already done
		_ = l.release(context.WithoutCancel(ctx), redisKey, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *DoctorDayLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("acquire doctor-day lock: %w", errors.Join(appointment.ErrLockUnavailable, err))
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *DoctorDayLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release doctor-day lock: %w", err)
	}
	return nil
}
