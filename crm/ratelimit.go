package crm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultQueueDepth bounds the number of tasks waiting in a RateLimiter.
const DefaultQueueDepth = 1024

type limiterJob struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// RateLimiter runs tasks one at a time in FIFO order and spaces task starts
// by 1/N seconds. The queue is bounded: Do waits for space, TryDo rejects.
type RateLimiter struct {
	pace *rate.Limiter
	jobs chan *limiterJob

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter starts a limiter allowing perSecond task starts per second.
// Close must be called to stop its worker.
func NewRateLimiter(perSecond, queueDepth int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	rl := &RateLimiter{
		pace: rate.NewLimiter(rate.Limit(perSecond), 1),
		jobs: make(chan *limiterJob, queueDepth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go rl.run()
	return rl
}

func (rl *RateLimiter) run() {
	defer close(rl.done)
	for {
		select {
		case <-rl.quit:
			for {
				select {
				case j := <-rl.jobs:
					j.result <- ErrLimiterClosed
				default:
					return
				}
			}
		case j := <-rl.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			if err := rl.pace.Wait(j.ctx); err != nil {
				j.result <- err
				continue
			}
			j.result <- j.fn(j.ctx)
		}
	}
}

// Do enqueues fn, waiting for queue space if necessary, and returns fn's
// error once it has run. Task failures are returned as-is, never retried.
func (rl *RateLimiter) Do(ctx context.Context, fn func(context.Context) error) error {
	j := &limiterJob{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-rl.quit:
		return ErrLimiterClosed
	default:
	}
	select {
	case rl.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.quit:
		return ErrLimiterClosed
	}
	return rl.await(ctx, j)
}

// TryDo is Do without waiting for queue space.
func (rl *RateLimiter) TryDo(ctx context.Context, fn func(context.Context) error) error {
	j := &limiterJob{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-rl.quit:
		return ErrLimiterClosed
	default:
	}
	select {
	case rl.jobs <- j:
	default:
		return ErrQueueFull
	}
	return rl.await(ctx, j)
}

func (rl *RateLimiter) await(ctx context.Context, j *limiterJob) error {
	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.done:
		select {
		case err := <-j.result:
			return err
		default:
			return ErrLimiterClosed
		}
	}
}

// Close stops the worker. Queued tasks fail with ErrLimiterClosed.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.quit) })
	<-rl.done
}

// Schedule runs fn through rl and returns its value.
func Schedule[T any](ctx context.Context, rl *RateLimiter, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero T
		out  T
	)
	err := rl.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}
