package router

import (
	"sync"

	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
)

// Handle 可取消的注册句柄
type Handle struct {
	cancel func()
	once   sync.Once
}

// Cancel 取消注册；可重复调用
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

// Publisher 类型化发布点：每个处理器独立 goroutine + 有界队列，
// 慢处理器只会丢自己的消息，不会拖慢发布方。
type Publisher[T any] struct {
	name      string
	queueSize int

	mu      sync.RWMutex
	workers map[*worker[T]]struct{}
	closed  bool
}

func NewPublisher[T any](name string, queueSize int) *Publisher[T] {
	return &Publisher[T]{name: name, queueSize: queueSize, workers: make(map[*worker[T]]struct{})}
}

// Subscribe 注册处理器
func (p *Publisher[T]) Subscribe(fn func(T)) *Handle {
	w := newWorker(p.queueSize, fn)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.stop()
		return &Handle{cancel: func() {}}
	}
	p.workers[w] = struct{}{}
	p.mu.Unlock()
	return &Handle{cancel: func() {
		p.mu.Lock()
		delete(p.workers, w)
		p.mu.Unlock()
		w.stop()
	}}
}

// Publish 非阻塞投递给所有处理器，返回被丢弃的份数
func (p *Publisher[T]) Publish(v T) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dropped := 0
	for w := range p.workers {
		if !w.offer(v) {
			dropped++
		}
	}
	if dropped > 0 {
		metrics.DispatchDrops.Add(int64(dropped))
		log.Warnf("%s: %d 个处理器队列已满，事件被丢弃", p.name, dropped)
	}
	return dropped
}

// Len 当前处理器数
func (p *Publisher[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Close 停止全部处理器
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for w := range p.workers {
		w.stop()
	}
	p.workers = map[*worker[T]]struct{}{}
}
