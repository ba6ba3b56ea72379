// Package retry provides gRPC client interceptors that retry idempotent calls
// failing with transient status codes.
package retry

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrJitterTooLarge = errors.New("retry: jitter cannot be greater than the base delay")

var DefaultCodes = []codes.Code{codes.Unavailable, codes.DeadlineExceeded}

type Option func(*Interceptor)

// WithMaxRetries sets how many times a call is retried after the first
// attempt.
func WithMaxRetries(n int) Option {
	return func(i *Interceptor) { i.maxRetries = n }
}

// WithCodes replaces the retryable status codes.
func WithCodes(c ...codes.Code) Option {
	return func(i *Interceptor) { i.codes = c }
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(i *Interceptor) { i.base = d }
}

// WithJitter adds up to d of random delay to every wait.
func WithJitter(d time.Duration) Option {
	return func(i *Interceptor) { i.jitter = d }
}

// withSleep replaces the pause between attempts; tests use it to avoid
// real sleeps.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Interceptor) { i.sleep = fn }
}

type Interceptor struct {
	maxRetries int
	codes      []codes.Code
	base       time.Duration
	jitter     time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(opts ...Option) (*Interceptor, error) {
	i := &Interceptor{
		maxRetries: 3,
		codes:      DefaultCodes,
		base:       100 * time.Millisecond,
		jitter:     20 * time.Millisecond,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.jitter > i.base {
		return nil, ErrJitterTooLarge
	}
	if i.maxRetries < 0 || i.jitter < 0 {
		return nil, errors.New("retry: negative retries or jitter")
	}
	return i, nil
}

// Unary retries a unary call until it succeeds, fails with a code outside
// the retry set, or runs out of retries. The last error is returned as is.
func (i *Interceptor) Unary() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		var err error
		for attempt := 0; ; attempt++ {
			err = invoker(ctx, method, req, reply, cc, opts...)
			if err == nil || !i.retryable(err) || attempt >= i.maxRetries {
				return err
			}
			if serr := i.sleep(ctx, i.nextDelay()); serr != nil {
				return err
			}
		}
	}
}

// Stream retries server-streaming calls as long as nothing has been handed
// to the caller yet. Client and bidirectional streams are not retried.
func (i *Interceptor) Stream() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if desc.ClientStreams {
			return streamer(ctx, desc, cc, method, opts...)
		}

		s := &retryingStream{
			ctx:      ctx,
			desc:     desc,
			cc:       cc,
			method:   method,
			streamer: streamer,
			opts:     opts,
			parent:   i,
		}
		var err error
		for attempt := 0; ; attempt++ {
			s.ClientStream, err = streamer(ctx, desc, cc, method, opts...)
			if err == nil {
				s.attempt = attempt
				return s, nil
			}
			if !i.retryable(err) || attempt >= i.maxRetries {
				return nil, err
			}
			if serr := i.sleep(ctx, i.nextDelay()); serr != nil {
				return nil, err
			}
		}
	}
}

func (i *Interceptor) retryable(err error) bool {
	code := status.Code(err)
	for _, c := range i.codes {
		if c == code {
			return true
		}
	}
	return false
}

// nextDelay is base + k*jitter with k drawn from {-1, 0, 1}.
func (i *Interceptor) nextDelay() time.Duration {
	k := rand.IntN(3) - 1
	return i.base + time.Duration(k)*i.jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryingStream replays the request on a fresh stream when the first
// receive fails with a retryable code.
type retryingStream struct {
	grpc.ClientStream

	ctx      context.Context
	desc     *grpc.StreamDesc
	cc       *grpc.ClientConn
	method   string
	streamer grpc.Streamer
	opts     []grpc.CallOption
	parent   *Interceptor

	mu         sync.Mutex
	sent       []any
	closedSend bool
	received   bool
	attempt    int
}

func (s *retryingStream) SendMsg(m any) error {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return s.ClientStream.SendMsg(m)
}

func (s *retryingStream) CloseSend() error {
	s.mu.Lock()
	s.closedSend = true
	s.mu.Unlock()
	return s.ClientStream.CloseSend()
}

func (s *retryingStream) RecvMsg(m any) error {
	for {
		err := s.ClientStream.RecvMsg(m)
		if err == nil {
			s.mu.Lock()
			s.received = true
			s.mu.Unlock()
			return nil
		}
		if err == io.EOF {
			return err
		}

		s.mu.Lock()
		canRetry := !s.received && s.parent.retryable(err) && s.attempt < s.parent.maxRetries
		s.mu.Unlock()
		if !canRetry {
			return err
		}
		if serr := s.parent.sleep(s.ctx, s.parent.nextDelay()); serr != nil {
			return err
		}
		if rerr := s.reopen(); rerr != nil {
			return rerr
		}
	}
}

// reopen starts a new stream and replays what the caller sent on the old
// one. A failure to reopen counts as an attempt.
func (s *retryingStream) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.attempt++
		cs, err := s.streamer(s.ctx, s.desc, s.cc, s.method, s.opts...)
		if err == nil {
			for _, m := range s.sent {
				if err := cs.SendMsg(m); err != nil {
					return err
				}
			}
			if s.closedSend {
				if err := cs.CloseSend(); err != nil {
					return err
				}
			}
			s.ClientStream = cs
			return nil
		}
		if !s.parent.retryable(err) || s.attempt >= s.parent.maxRetries {
			return err
		}
		if serr := s.parent.sleep(s.ctx, s.parent.nextDelay()); serr != nil {
			return err
		}
	}
}
