package conc

import (
	"github.com/cockroachdb/errors"
)

// Future 表示一个异步任务的结果。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value, f.err = value, err
	close(f.ch)
}

// Await 阻塞直到任务完成，返回结果与错误。
func (f *Future[T]) Await() (T, error) {
	<-f.ch
	return f.value, f.err
}

func safeCall[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("conc: task panicked: %v", r)
		}
	}()
	return fn()
}
