package router

import (
	"sync"
	"sync/atomic"
)

// worker 每个处理器一个 goroutine + 有界队列；队列满时丢弃，不阻塞调用方
type worker[T any] struct {
	fn      func(T)
	queue   chan T
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newWorker[T any](size int, fn func(T)) *worker[T] {
	if size <= 0 {
		size = 64
	}
	w := &worker[T]{
		fn:     fn,
		queue:  make(chan T, size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker[T]) run() {
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case v := <-w.queue:
			w.call(v)
		}
	}
}

func (w *worker[T]) call(v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("处理器 panic: %v", r)
		}
	}()
	w.fn(v)
}

// offer 非阻塞投递；返回 false 表示已丢弃
func (w *worker[T]) offer(v T) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.queue <- v:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

func (w *worker[T]) stop() {
	w.once.Do(func() { close(w.done) })
}
