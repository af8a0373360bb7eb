package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
}

// TokenBucket 令牌桶速率限制器
// 每 interval 补充一个令牌，最多 capacity 个
type TokenBucket struct {
	capacity   int           // 桶容量
	tokens     int           // 当前令牌数
	interval   time.Duration // 补充一个令牌所需时间
	lastRefill time.Time     // 上次补充时间
	clock      clockwork.Clock
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶：capacity 个令牌，每秒补充 perSecond 个
func NewTokenBucket(capacity int, perSecond float64) *TokenBucket {
	return NewTokenBucketWithClock(capacity, perSecond, clockwork.NewRealClock())
}

// NewTokenBucketWithClock 使用指定时钟
func NewTokenBucketWithClock(capacity int, perSecond float64, clock clockwork.Clock) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	interval := time.Second
	if perSecond > 0 {
		interval = time.Duration(float64(time.Second) / perSecond)
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		interval:   interval,
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

// refill 补充令牌（调用方持锁）
func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	if tb.tokens >= tb.capacity {
		// 满桶时不积累
		tb.lastRefill = now
		return
	}
	n := int(now.Sub(tb.lastRefill) / tb.interval)
	if n <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+n)
	if tb.tokens == tb.capacity {
		tb.lastRefill = now
	} else {
		tb.lastRefill = tb.lastRefill.Add(time.Duration(n) * tb.interval)
	}
}

// Allow 检查是否允许请求（允许则消耗一个令牌）
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens > 0 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := tb.lastRefill.Add(tb.interval).Sub(tb.clock.Now())
		tb.mu.Unlock()

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tb.clock.After(wait):
		}
	}
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}
