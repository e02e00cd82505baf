package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllWork(t *testing.T) {
	p := NewPool(4)
	defer p.Shutdown()

	var count atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	p.Wait()

	assert.EqualValues(t, 20, count.Load())
	m := p.Metrics()
	assert.EqualValues(t, 20, m.Completed)
	assert.EqualValues(t, 0, m.Active)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := NewPool(size)
	defer p.Shutdown()

	var inFlight, peak atomic.Int64
	var mu sync.Mutex
	for i := 0; i < 12; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			n := inFlight.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}))
	}
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(2)
	defer p.Shutdown()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		return nil
	}))
	p.Wait()

	m := p.Metrics()
	assert.EqualValues(t, 1, m.Failed)
	assert.EqualValues(t, 1, m.Completed)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1)
	defer p.Shutdown()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		panic("unexpected")
	}))
	p.Wait()

	m := p.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 1, m.Failed)
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := NewPool(1)
	p.Shutdown()

	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPoolSubmitRespectsContext(t *testing.T) {
	p := NewPool(1)
	defer p.Shutdown()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Wait()
}

func TestPoolZeroSizeDefaultsToOne(t *testing.T) {
	p := NewPool(0)
	defer p.Shutdown()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	p.Wait()
	assert.EqualValues(t, 1, p.Metrics().Completed)
}
