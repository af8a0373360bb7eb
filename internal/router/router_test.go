package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
)

type fakeSubscriber struct {
	mu      sync.Mutex
	subs    []string
	unsubs  []string
	failAt  string
	onEvery func()
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, destination, id string) error {
	if f.onEvery != nil {
		f.onEvery()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if destination == f.failAt {
		return errors.New("boom")
	}
	f.subs = append(f.subs, destination)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, id)
	return nil
}

func (f *fakeSubscriber) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

func msg(sub, dest, body string) stomp.Frame {
	return stomp.NewFrame(stomp.CmdMessage, []byte(body), stomp.HdrSubscription, sub, stomp.HdrDestination, dest)
}

func TestRouter_ReplayInOrderExactlyOnce(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	ctx := context.Background()
	topics := Topics{User: "trader", Version: "v1"}

	dests := []string{topics.Configuration(), topics.DeliveryAreas(), topics.ExecutionReports(), topics.PrivateTrades()}
	for _, d := range dests {
		_, err := r.SubscribeInline(ctx, d, func(stomp.Frame) {})
		require.NoError(t, err)
	}

	first := &fakeSubscriber{}
	require.NoError(t, r.Replay(ctx, first))
	assert.Equal(t, dests, first.subscribed())

	// 在线时新增的订阅立即下发
	_, err := r.SubscribeInline(ctx, topics.LocalView(2), func(stomp.Frame) {})
	require.NoError(t, err)
	assert.Equal(t, append(dests, topics.LocalView(2)), first.subscribed())

	// 断线重连：每条期望订阅恰好重放一次
	r.Detach(first)
	second := &fakeSubscriber{}
	require.NoError(t, r.Replay(ctx, second))
	assert.Equal(t, append(dests, topics.LocalView(2)), second.subscribed())
}

func TestRouter_SubscribeDuringReplay(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	ctx := context.Background()
	_, _ = r.SubscribeInline(ctx, "/a", func(stomp.Frame) {})

	var once sync.Once
	s := &fakeSubscriber{}
	s.onEvery = func() {
		once.Do(func() {
			go func() { _, _ = r.SubscribeInline(ctx, "/b", func(stomp.Frame) {}) }()
			time.Sleep(20 * time.Millisecond)
		})
	}
	require.NoError(t, r.Replay(ctx, s))
	require.Eventually(t, func() bool { return len(s.subscribed()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/a", "/b"}, s.subscribed())
}

func TestRouter_ReplayFailureReturnsError(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	ctx := context.Background()
	_, _ = r.SubscribeInline(ctx, "/a", func(stomp.Frame) {})
	_, _ = r.SubscribeInline(ctx, "/b", func(stomp.Frame) {})
	assert.Error(t, r.Replay(ctx, &fakeSubscriber{failAt: "/b"}))
}

func TestRouter_DispatchBySubscriptionAndDestination(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	ctx := context.Background()

	var got []string
	a, _ := r.SubscribeInline(ctx, "/a", func(f stomp.Frame) { got = append(got, "a:"+string(f.Body)) })
	_, _ = r.SubscribeInline(ctx, "/b", func(f stomp.Frame) { got = append(got, "b:"+string(f.Body)) })

	assert.True(t, r.Dispatch(msg(a.ID(), "/ignored", "1")))
	assert.True(t, r.Dispatch(msg("", "/b", "2")))
	assert.True(t, r.Dispatch(msg("sub-unknown", "/a", "3")))
	assert.False(t, r.Dispatch(msg("", "/nowhere", "4")))
	assert.Equal(t, []string{"a:1", "b:2", "a:3"}, got)
}

func TestRouter_CancelUnsubscribes(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	ctx := context.Background()
	s := &fakeSubscriber{}
	require.NoError(t, r.Replay(ctx, s))

	sub, err := r.SubscribeInline(ctx, "/a", func(stomp.Frame) {})
	require.NoError(t, err)
	require.NoError(t, sub.Cancel(ctx))
	require.NoError(t, sub.Cancel(ctx))
	assert.Equal(t, []string{sub.ID()}, s.unsubs)
	assert.Empty(t, r.Subscriptions())
	assert.False(t, r.Dispatch(msg(sub.ID(), "/a", "x")))
}

func TestRouter_SlowHandlerDropsWithoutBlocking(t *testing.T) {
	var drops int
	r := New(Options{QueueSize: 2, OnDrop: func(*Subscription, stomp.Frame) { drops++ }})
	defer r.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sub, err := r.Subscribe(context.Background(), "/slow", func(stomp.Frame) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	require.NoError(t, err)

	r.Dispatch(msg(sub.ID(), "/slow", "0"))
	<-started // 第一条已被取出，处理器阻塞

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Dispatch(msg(sub.ID(), "/slow", "x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on slow handler")
	}
	close(release)
	assert.Equal(t, 8, drops)
	assert.Equal(t, int64(8), sub.Dropped())
}

func TestPublisher(t *testing.T) {
	p := NewPublisher[int]("test", 4)
	defer p.Close()

	got := make(chan int, 8)
	h := p.Subscribe(func(v int) { got <- v })
	assert.Equal(t, 1, p.Len())

	p.Publish(1)
	p.Publish(2)
	assert.Equal(t, 1, <-got)
	assert.Equal(t, 2, <-got)

	h.Cancel()
	h.Cancel()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.Publish(3))
}

func TestDestinations(t *testing.T) {
	tp := Topics{User: "trader", Version: "v1"}
	assert.Equal(t, "/user/trader/v1/streaming/orderExecutionReport", tp.ExecutionReports())
	assert.Equal(t, "/user/trader/v1/streaming/privateTrade", tp.PrivateTrades())
	assert.Equal(t, "/user/trader/v1/configuration", tp.Configuration())
	assert.Equal(t, "/user/trader/v1/streaming/localview/2", tp.LocalView(2))
	assert.Equal(t, "/user/trader/v1/streaming/ticker", tp.Ticker())
	assert.Equal(t, "/user/trader/v1/conflated/ticker", tp.ConflatedTicker())
	assert.Equal(t, "/user/trader/v1/streaming/publicStatistics", tp.PublicStatistics())
	assert.Equal(t, "/v1/orderEntryRequest", tp.OrderEntry())
	assert.Equal(t, "/v1/orderModificationRequest", tp.OrderModification())
	assert.Equal(t, "/v1/contracts", PublicDestination("v1", "contracts"))
}
