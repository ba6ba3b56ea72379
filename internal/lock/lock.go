// Package lock implements a lease based mutual exclusion lock on top of
// Redis.
//
// A lock is a key "lock:<name>" holding the owner's random token. Waiters
// block on the list "lock-signal:<name>", which the owner pushes to when it
// releases the key, instead of polling. Every wait is bounded by the lease so
// a lost wake-up costs at most one lease period.
//
// A *Lock is owned by a single goroutine; the optional renewal goroutine is
// the only concurrent user and is stopped by Release.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	keyPrefix           = "lock:"
	signalPrefix        = "lock-signal:"
	DefaultSignalExpire = 1000 * time.Millisecond
)

var (
	ErrAlreadyAcquired    = errors.New("lock: already acquired by this instance")
	ErrNotAcquired        = errors.New("lock: not acquired")
	ErrNotOwner           = errors.New("lock: owned by another token")
	ErrNotExpirable       = errors.New("lock: key has no expiry")
	ErrTimeoutNotUsable   = errors.New("lock: timeout cannot be used with non-blocking acquire")
	ErrInvalidTimeout     = errors.New("lock: timeout must be positive")
	ErrTimeoutTooLarge    = errors.New("lock: timeout cannot exceed the lease without auto renewal")
	ErrRenewalNeedsExpire = errors.New("lock: auto renewal requires an expire")
	ErrNotObtained        = errors.New("lock: not obtained before the wait timeout")
)

type Option func(*Lock)

// WithExpire sets the lease. Zero means the key never expires.
func WithExpire(d time.Duration) Option {
	return func(l *Lock) { l.expire = d }
}

// WithToken overrides the random owner token.
func WithToken(token string) Option {
	return func(l *Lock) { l.token = token }
}

// WithAutoRenewal keeps extending the lease every 2/3 of it while held.
func WithAutoRenewal() Option {
	return func(l *Lock) { l.autoRenewal = true }
}

// WithSignalExpire bounds how long an unconsumed wake-up signal survives.
func WithSignalExpire(d time.Duration) Option {
	return func(l *Lock) { l.signalExpire = d }
}

// WithLogger logs renewals and failed releases.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Lock) { l.logger = logger }
}

type Lock struct {
	client       redis.UniversalClient
	name         string
	key          string
	signal       string
	token        string
	expire       time.Duration
	signalExpire time.Duration
	autoRenewal  bool
	logger       *zap.Logger

	mu           sync.Mutex
	renewStop    chan struct{}
	renewStopped chan struct{}
}

// New creates a lock handle for name. It does not touch Redis.
func New(client redis.UniversalClient, name string, opts ...Option) (*Lock, error) {
	if name == "" {
		return nil, errors.New("lock: name is required")
	}
	l := &Lock{
		client:       client,
		name:         name,
		key:          keyPrefix + name,
		signal:       signalPrefix + name,
		token:        uuid.NewString(),
		signalExpire: DefaultSignalExpire,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.expire < 0 {
		return nil, errors.Newf("lock: invalid expire %s", l.expire)
	}
	if l.autoRenewal && l.expire == 0 {
		return nil, ErrRenewalNeedsExpire
	}
	return l, nil
}

func (l *Lock) Name() string  { return l.name }
func (l *Lock) Token() string { return l.token }

// Acquire tries to take the lock.
//
// A non-blocking call returns false immediately when the key is held. A
// blocking call waits on the signal list in steps of min(remaining timeout,
// lease) and returns false once timeout has elapsed; a zero timeout waits
// until the lock is obtained or ctx ends.
func (l *Lock) Acquire(ctx context.Context, blocking bool, timeout time.Duration) (bool, error) {
	if !blocking && timeout != 0 {
		return false, ErrTimeoutNotUsable
	}
	if timeout < 0 {
		return false, ErrInvalidTimeout
	}
	if l.expire > 0 && !l.autoRenewal && timeout > l.expire {
		return false, ErrTimeoutTooLarge
	}

	held, err := l.held(ctx)
	if err != nil {
		return false, err
	}
	if held {
		return false, ErrAlreadyAcquired
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.expire).Result()
		if err != nil {
			acquireTotal.WithLabelValues("error").Inc()
			return false, errors.Wrapf(err, "lock: acquire %s", l.name)
		}
		if ok {
			break
		}
		if !blocking {
			acquireTotal.WithLabelValues("refused").Inc()
			return false, nil
		}

		wait := l.expire
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				acquireTotal.WithLabelValues("timeout").Inc()
				return false, nil
			}
			if wait == 0 || remaining < wait {
				wait = remaining
			}
		}

		if _, err := l.client.BLPop(ctx, wait, l.signal).Result(); err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			acquireTotal.WithLabelValues("error").Inc()
			return false, errors.Wrapf(err, "lock: wait for %s", l.name)
		}
	}

	acquireTotal.WithLabelValues("acquired").Inc()
	if l.autoRenewal {
		l.startRenewal()
	}
	return true, nil
}

// Release deletes the key if this instance still owns it and wakes one
// waiter. ErrNotAcquired means the key is gone (expired or reset),
// ErrNotOwner that it was taken over by another token.
func (l *Lock) Release(ctx context.Context) error {
	l.stopRenewal()

	res, err := unlockScript.Run(ctx, l.client, []string{l.key, l.signal}, l.token, l.signalExpire.Milliseconds()).Int()
	if err != nil {
		releaseTotal.WithLabelValues("error").Inc()
		return errors.Wrapf(err, "lock: release %s", l.name)
	}
	switch res {
	case codeNotAcquired:
		releaseTotal.WithLabelValues("not_acquired").Inc()
		return ErrNotAcquired
	case codeNotOwner:
		releaseTotal.WithLabelValues("not_owner").Inc()
		return ErrNotOwner
	}
	releaseTotal.WithLabelValues("released").Inc()
	return nil
}

// Extend resets the lease to expire, or to the configured lease when expire
// is zero. It fails when ownership was lost, so a late renewer cannot bring
// back a lock somebody else holds.
func (l *Lock) Extend(ctx context.Context, expire time.Duration) error {
	if expire < 0 {
		return errors.Newf("lock: invalid expire %s", expire)
	}
	if expire == 0 {
		if l.expire == 0 {
			return errors.New("lock: extend needs an expire")
		}
		expire = l.expire
	}

	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, expire.Milliseconds()).Int()
	if err != nil {
		return errors.Wrapf(err, "lock: extend %s", l.name)
	}
	switch res {
	case codeNotAcquired:
		return ErrNotAcquired
	case codeNotOwner:
		return ErrNotOwner
	case codeNotExpiring:
		return ErrNotExpirable
	}
	return nil
}

// Reset removes the lock whoever owns it and wakes a waiter.
func (l *Lock) Reset(ctx context.Context) error {
	l.stopRenewal()
	if err := resetScript.Run(ctx, l.client, []string{l.key, l.signal}, l.signalExpire.Milliseconds()).Err(); err != nil {
		return errors.Wrapf(err, "lock: reset %s", l.name)
	}
	return nil
}

// Locked reports whether anybody holds the lock.
func (l *Lock) Locked(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "lock: exists %s", l.name)
	}
	return n == 1, nil
}

// Owner returns the token currently stored for the lock, or "" when free.
func (l *Lock) Owner(ctx context.Context) (string, error) {
	owner, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "lock: owner %s", l.name)
	}
	return owner, nil
}

func (l *Lock) held(ctx context.Context) (bool, error) {
	owner, err := l.Owner(ctx)
	if err != nil {
		return false, err
	}
	return owner == l.token, nil
}

// ResetAll removes every lock in the keyspace and returns how many were
// removed. Meant for operators recovering from a stuck deployment.
func ResetAll(ctx context.Context, client redis.UniversalClient) (int, error) {
	n, err := resetAllScript.Run(ctx, client, nil, DefaultSignalExpire.Milliseconds()).Int()
	if err != nil {
		return 0, errors.Wrap(err, "lock: reset all")
	}
	return n, nil
}
