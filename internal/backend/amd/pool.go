package amd

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
)

// ioPool runs blocking sysfs I/O off the caller's goroutine. At most
// `limit` calls are in flight; a call that outlives the timeout returns
// TIMEOUT to the caller while the read finishes in the background and only
// then frees its slot.
type ioPool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func newIOPool(limit int, timeout time.Duration) *ioPool {
	return &ioPool{
		sem:     semaphore.NewWeighted(int64(max(limit, 1))),
		timeout: timeout,
	}
}

// offload runs fn in the pool and returns its result.
func offload[T any](ctx context.Context, p *ioPool, op string, fn func() (T, error)) (T, error) {
	var zero T
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, agenterrors.Timeout(component, op, err)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, agenterrors.Timeout(component, op, ctx.Err())
	}
}

// offloadErr is offload for calls with no result value.
func offloadErr(ctx context.Context, p *ioPool, op string, fn func() error) error {
	_, err := offload(ctx, p, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
