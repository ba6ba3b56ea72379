package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

func (l *Lock) startRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewStop != nil {
		return
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	l.renewStop, l.renewStopped = stop, stopped

	interval := l.expire * 2 / 3
	go func() {
		defer close(stopped)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := l.Extend(ctx, l.expire)
				cancel()

				switch {
				case err == nil:
				case errors.Is(err, ErrNotAcquired), errors.Is(err, ErrNotOwner):
					l.logger.Warn("lock lost, renewal stopped", zap.String("lock", l.name), zap.Error(err))
					return
				default:
					l.logger.Warn("lock renewal failed", zap.String("lock", l.name), zap.Error(err))
				}
			}
		}
	}()
}

func (l *Lock) stopRenewal() {
	l.mu.Lock()
	stop, stopped := l.renewStop, l.renewStopped
	l.renewStop, l.renewStopped = nil, nil
	l.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}
