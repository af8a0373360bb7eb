// Package router 维护期望订阅表，并把入站 MESSAGE 帧分发给对应处理器。
// 订阅跨重连存活：每次会话建立后由 Replay 按原始顺序重新下发。
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
)

var log = logrus.WithField("component", "router")

// Handler 消息处理器
type Handler func(stomp.Frame)

// Subscriber 传输层订阅能力（*session.Conn 实现）
type Subscriber interface {
	Subscribe(ctx context.Context, destination, id string) error
	Unsubscribe(ctx context.Context, id string) error
}

// Options 路由配置
type Options struct {
	QueueSize int
	// OnDrop 处理器队列满丢弃消息时调用（在读 goroutine 上，不能阻塞）
	OnDrop func(sub *Subscription, f stomp.Frame)
}

// Subscription 一条期望订阅
type Subscription struct {
	id          string
	destination string
	seq         uint64
	router      *Router

	inline  Handler
	worker  *worker[stomp.Frame]
	removed atomic.Bool
}

// ID 订阅标识（跨重连保持不变）
func (s *Subscription) ID() string { return s.id }

// Destination 订阅目的地
func (s *Subscription) Destination() string { return s.destination }

// Dropped 因队列满被丢弃的消息数
func (s *Subscription) Dropped() int64 {
	if s.worker == nil {
		return 0
	}
	return s.worker.dropped.Load()
}

// Cancel 移除期望订阅；当前会话在线时同时退订
func (s *Subscription) Cancel(ctx context.Context) error {
	return s.router.remove(ctx, s)
}

func (s *Subscription) deliver(f stomp.Frame) bool {
	if s.inline != nil {
		s.inline(f)
		return true
	}
	return s.worker.offer(f)
}

// Router 期望订阅表 + 分发
type Router struct {
	opts Options

	mu     sync.RWMutex
	subs   []*Subscription // 按订阅顺序
	byID   map[string]*Subscription
	nextID uint64
	live   Subscriber // 已完成重放的在线会话
}

func New(opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Router{opts: opts, byID: make(map[string]*Subscription)}
}

// Subscribe 注册订阅，处理器在独立 goroutine 上运行（有界队列）
func (r *Router) Subscribe(ctx context.Context, destination string, h Handler) (*Subscription, error) {
	return r.add(ctx, destination, func(s *Subscription) {
		s.worker = newWorker(r.opts.QueueSize, func(f stomp.Frame) { h(f) })
	})
}

// SubscribeInline 注册内部处理器，直接在读 goroutine 上调用，必须非阻塞
func (r *Router) SubscribeInline(ctx context.Context, destination string, h Handler) (*Subscription, error) {
	return r.add(ctx, destination, func(s *Subscription) { s.inline = h })
}

func (r *Router) add(ctx context.Context, destination string, setup func(*Subscription)) (*Subscription, error) {
	if destination == "" {
		return nil, fmt.Errorf("router: empty destination")
	}
	r.mu.Lock()
	r.nextID++
	s := &Subscription{
		id:          fmt.Sprintf("sub-%d", r.nextID),
		destination: destination,
		seq:         r.nextID,
		router:      r,
	}
	setup(s)
	r.subs = append(r.subs, s)
	r.byID[s.id] = s
	live := r.live
	r.mu.Unlock()

	log.WithFields(logrus.Fields{"id": s.id, "destination": destination}).Info("新增订阅")
	if live != nil {
		// 失败时仍保留为期望订阅，下次重连时重放
		if err := live.Subscribe(ctx, destination, s.id); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (r *Router) remove(ctx context.Context, s *Subscription) error {
	if !s.removed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	delete(r.byID, s.id)
	for i, cur := range r.subs {
		if cur == s {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			break
		}
	}
	live := r.live
	r.mu.Unlock()

	if s.worker != nil {
		s.worker.stop()
	}
	if live != nil {
		return live.Unsubscribe(ctx, s.id)
	}
	return nil
}

// Subscriptions 当前期望订阅（按顺序）
func (r *Router) Subscriptions() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Subscription(nil), r.subs...)
}

// Replay 在新会话上按原始顺序重新下发全部期望订阅，每条恰好一次；
// 完成后该会话成为在线会话，之后新增的订阅直接下发。
func (r *Router) Replay(ctx context.Context, s Subscriber) error {
	r.mu.Lock()
	r.live = nil
	r.mu.Unlock()

	var last uint64
	for {
		r.mu.Lock()
		var batch []*Subscription
		for _, sub := range r.subs {
			if sub.seq > last {
				batch = append(batch, sub)
			}
		}
		if len(batch) == 0 {
			r.live = s
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		for _, sub := range batch {
			if err := s.Subscribe(ctx, sub.destination, sub.id); err != nil {
				return fmt.Errorf("replay %s: %w", sub.destination, err)
			}
			last = sub.seq
		}
		log.Infof("已重放 %d 条订阅", len(batch))
	}
}

// Detach 会话断开时调用：之后的订阅只登记不下发
func (r *Router) Detach(s Subscriber) {
	r.mu.Lock()
	if r.live == s {
		r.live = nil
	}
	r.mu.Unlock()
}

// Dispatch 按 subscription 头路由，缺失时按 destination 匹配。
// 非阻塞；返回是否找到订阅。
func (r *Router) Dispatch(f stomp.Frame) bool {
	var targets []*Subscription
	r.mu.RLock()
	if id := f.Headers.Get(stomp.HdrSubscription); id != "" {
		if s, ok := r.byID[id]; ok {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		dest := f.Headers.Get(stomp.HdrDestination)
		for _, s := range r.subs {
			if s.destination == dest {
				targets = append(targets, s)
			}
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		metrics.UnroutedFrames.Add(1)
		log.Debugf("无订阅的消息: %s", f.Headers.Get(stomp.HdrDestination))
		return false
	}
	for _, s := range targets {
		if !s.deliver(f) {
			metrics.DispatchDrops.Add(1)
			log.Warnf("订阅 %s 队列已满，丢弃消息", s.id)
			if r.opts.OnDrop != nil {
				r.opts.OnDrop(s, f)
			}
		}
	}
	return true
}

// Close 停止全部处理器 goroutine
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.live = nil
	r.mu.Unlock()
	for _, s := range subs {
		if s.worker != nil {
			s.worker.stop()
		}
	}
}
