package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mxshop",
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Lock acquisition attempts by result.",
	}, []string{"result"})
	releaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mxshop",
		Subsystem: "lock",
		Name:      "release_total",
		Help:      "Lock releases by result.",
	}, []string{"result"})
)

// Factory hands out locks that share client and options.
type Factory struct {
	client      redis.UniversalClient
	waitTimeout time.Duration
	opts        []Option
}

// NewFactory creates locks on client. waitTimeout bounds how long Obtain
// waits for a held lock.
func NewFactory(client redis.UniversalClient, waitTimeout time.Duration, opts ...Option) *Factory {
	return &Factory{client: client, waitTimeout: waitTimeout, opts: opts}
}

func (f *Factory) New(name string) (*Lock, error) {
	return New(f.client, name, f.opts...)
}

// Obtain blocks until the named lock is held or the factory's wait timeout
// passes, in which case it returns ErrNotObtained.
func (f *Factory) Obtain(ctx context.Context, name string) (*Lock, error) {
	l, err := f.New(name)
	if err != nil {
		return nil, err
	}
	ok, err := l.Acquire(ctx, true, f.waitTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotObtained, "lock %s", name)
	}
	return l, nil
}

// Reset force-releases the named lock.
func (f *Factory) Reset(ctx context.Context, name string) error {
	l, err := f.New(name)
	if err != nil {
		return err
	}
	return l.Reset(ctx)
}

// ResetAll force-releases every lock.
func (f *Factory) ResetAll(ctx context.Context) (int, error) {
	return ResetAll(ctx, f.client)
}
