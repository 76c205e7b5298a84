package conc

import (
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrPoolClosed 协程池已释放。
	ErrPoolClosed = errors.New("conc: pool closed")
	// ErrPoolOverload 非阻塞模式下池已满。
	ErrPoolOverload = errors.New("conc: pool overloaded")
)

// Pool 是基于 ants 的协程池，提交的任务以 Future 返回结果。
type Pool[T any] struct {
	inner *ants.Pool
}

// PoolOption 配置协程池。
type PoolOption func(*poolOptions)

type poolOptions struct {
	nonBlocking    bool
	expiryDuration time.Duration
}

// WithNonBlocking 池满时 Submit 立即返回 ErrPoolOverload 而不是等待。
func WithNonBlocking(v bool) PoolOption {
	return func(o *poolOptions) { o.nonBlocking = v }
}

// WithExpiryDuration 设置空闲协程回收间隔，非正数使用 ants 默认值。
func WithExpiryDuration(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.expiryDuration = d }
}

// NewPool 创建容量为 cap 的协程池，cap 非正时使用 GOMAXPROCS。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	if cap <= 0 {
		cap = runtime.GOMAXPROCS(0)
	}
	o := &poolOptions{}
	for _, opt := range opts {
		opt(o)
	}
	antsOpts := []ants.Option{ants.WithNonblocking(o.nonBlocking)}
	if o.expiryDuration > 0 {
		antsOpts = append(antsOpts, ants.WithExpiryDuration(o.expiryDuration))
	}
	inner, err := ants.NewPool(cap, antsOpts...)
	if err != nil {
		// 仅在容量非法时出错，上面已保证为正数。
		panic(err)
	}
	return &Pool[T]{inner: inner}
}

// Submit 提交任务。池已释放或非阻塞模式下已满时返回错误，任务不会执行。
func (p *Pool[T]) Submit(method func() (T, error)) (*Future[T], error) {
	f := newFuture[T]()
	err := p.inner.Submit(func() {
		v, err := safeCall(method)
		f.complete(v, err)
	})
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, ants.ErrPoolClosed):
		return nil, ErrPoolClosed
	case errors.Is(err, ants.ErrPoolOverload):
		return nil, ErrPoolOverload
	default:
		return nil, err
	}
}

// Cap 返回池容量。
func (p *Pool[T]) Cap() int { return p.inner.Cap() }

// Release 释放协程池，已提交的任务继续执行。
func (p *Pool[T]) Release() {
	p.inner.Release()
}
