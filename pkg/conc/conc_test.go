package conc

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPoolSubmit(t *testing.T) {
	pool := NewPool[int](2, WithExpiryDuration(time.Second))
	defer pool.Release()
	assert.Equal(t, 2, pool.Cap())

	var running, peak atomic.Int32
	futures := make([]*Future[int], 0, 8)
	for i := 0; i < 8; i++ {
		f, err := pool.Submit(func() (int, error) {
			n := running.Inc()
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Dec()
			return i * i, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for i, f := range futures {
		v, err := f.Await()
		require.NoError(t, err)
		assert.Equal(t, i*i, v)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolTaskPanic(t *testing.T) {
	pool := NewPool[int](1)
	defer pool.Release()

	f, err := pool.Submit(func() (int, error) { panic("boom") })
	require.NoError(t, err)
	_, err = f.Await()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPoolTaskError(t *testing.T) {
	pool := NewPool[bool](0)
	defer pool.Release()

	e1 := errors.New("e1")
	f, err := pool.Submit(func() (bool, error) { return false, e1 })
	require.NoError(t, err)
	_, err = f.Await()
	assert.True(t, errors.Is(err, e1))
}

func TestPoolNonBlockingOverload(t *testing.T) {
	pool := NewPool[any](1, WithNonBlocking(true))
	defer pool.Release()

	release := make(chan struct{})
	first, err := pool.Submit(func() (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	_, err = pool.Submit(func() (any, error) { return nil, nil })
	assert.True(t, errors.Is(err, ErrPoolOverload))

	close(release)
	_, err = first.Await()
	assert.NoError(t, err)
}

func TestPoolSubmitAfterRelease(t *testing.T) {
	pool := NewPool[any](0)
	pool.Release()
	_, err := pool.Submit(func() (any, error) { return nil, nil })
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
