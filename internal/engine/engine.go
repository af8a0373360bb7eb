// Package engine 交易会话引擎：组合凭证、会话、订阅路由、订单、持仓与重连监督，
// 对外提供下单/改单/撤单、查询和事件回调。每个引擎实例拥有自己的全部状态。
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/auth"
	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
	"github.com/Andrei-Ionita/BRM-Trading/internal/oms"
	"github.com/Andrei-Ionita/BRM-Trading/internal/position"
	"github.com/Andrei-Ionita/BRM-Trading/internal/router"
	"github.com/Andrei-Ionita/BRM-Trading/internal/session"
	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
	"github.com/Andrei-Ionita/BRM-Trading/internal/supervisor"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/persistence"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/ratelimit"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/syncgroup"
)

var log = logrus.WithField("component", "engine")

// Deps 外部依赖
type Deps struct {
	Identity  auth.IdentityProvider // 必填
	Ledger    position.Ledger       // 可选：成交持久化
	Snapshots persistence.Service   // 可选：订单/持仓快照
}

// Snapshot 停止时落盘的状态
type Snapshot struct {
	SavedAt   time.Time         `json:"savedAt"`
	Status    domain.Status     `json:"status"`
	Orders    []domain.Order    `json:"orders"`
	Positions []domain.Position `json:"positions"`
}

// Engine 交易会话引擎
type Engine struct {
	cfg   Config
	deps  Deps
	clock clockwork.Clock

	tokens    *auth.Manager
	router    *router.Router
	sup       *supervisor.Supervisor
	orders    *oms.Manager
	positions *position.Tracker
	limiter   *ratelimit.TokenBucket
	saver     *persistence.Saver
	topics    router.Topics

	events   *router.Publisher[domain.OrderEvent]
	fills    *router.Publisher[domain.Fill]
	trades   *router.Publisher[domain.PrivateTrade]
	statuses *router.Publisher[domain.Status]

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	cancel   context.CancelFunc
	group    *syncgroup.SyncGroup
}

// New 构造引擎；不做任何网络操作
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Identity == nil {
		return nil, fmt.Errorf("engine: identity provider is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("engine: user is required")
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		clock:     cfg.Clock,
		topics:    router.Topics{User: cfg.User, Version: cfg.APIVersion},
		router:    router.New(router.Options{QueueSize: cfg.HandlerQueueSize}),
		positions: position.NewTracker(deps.Ledger),
		events:    router.NewPublisher[domain.OrderEvent]("order-events", cfg.HandlerQueueSize),
		fills:     router.NewPublisher[domain.Fill]("fills", cfg.HandlerQueueSize),
		trades:    router.NewPublisher[domain.PrivateTrade]("private-trades", cfg.HandlerQueueSize),
		statuses:  router.NewPublisher[domain.Status]("status", cfg.HandlerQueueSize),
		group:     syncgroup.NewSyncGroup(),
	}
	if cfg.OrderRate > 0 {
		e.limiter = ratelimit.NewTokenBucketWithClock(cfg.OrderBurst, cfg.OrderRate, cfg.Clock)
	}
	if deps.Snapshots != nil && cfg.SnapshotDelay > 0 {
		e.saver = persistence.NewSaver(cfg.SnapshotDelay, cfg.Clock, e.saveSnapshot)
	}
	e.tokens = auth.NewManager(cfg.Auth, deps.Identity, cfg.Clock)
	e.orders = oms.NewManager(cfg.Orders, oms.SenderFunc(e.send), oms.Hooks{
		OnEvent: func(ev domain.OrderEvent) {
			e.events.Publish(ev)
			e.snapshotChanged()
		},
		OnFill: e.onFill,
	})
	e.sup = supervisor.New(cfg.Supervisor, supervisor.Deps{
		Connect:   e.connect,
		Tokens:    e.tokens,
		Router:    e.router,
		Reconcile: e.orders.DeactivateAfterOutage,
	})
	e.sup.OnState(func(domain.SessionState, error) { e.statuses.Publish(e.Status()) })
	e.tokens.OnStatus(func(bool, error) { e.statuses.Publish(e.Status()) })
	return e, nil
}

func (e *Engine) connect(ctx context.Context, cred *domain.Credential) (supervisor.Session, error) {
	conn, err := session.Connect(ctx, e.cfg.Session, cred, func(f stomp.Frame) { e.router.Dispatch(f) })
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// send 订单请求出口：限速后交给 supervisor 门控
func (e *Engine) send(ctx context.Context, destination string, body []byte) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: order throttle: %v", domain.ErrSessionUnavailable, err)
		}
	}
	return e.sup.Do(ctx, func(s supervisor.Session) error {
		return s.Send(ctx, destination, body)
	})
}

func (e *Engine) onFill(f domain.Fill) {
	if e.positions.OnFill(f) {
		e.fills.Publish(f)
		e.snapshotChanged()
	}
}

func (e *Engine) snapshotChanged() {
	if e.saver != nil {
		e.saver.Trigger()
	}
}

func (e *Engine) onExecutionReports(f stomp.Frame) {
	reports, err := domain.ParseExecutionReports(f.Body, e.clock.Now())
	if err != nil {
		metrics.DecodeErrors.Add(1)
		log.WithError(err).Warn("无法解析执行回报，已忽略")
		return
	}
	for _, r := range reports {
		e.orders.HandleExecutionReport(r)
	}
}

func (e *Engine) onPrivateTrades(f stomp.Frame) {
	trades, err := domain.ParsePrivateTrades(f.Body)
	if err != nil {
		metrics.DecodeErrors.Add(1)
		log.WithError(err).Warn("无法解析私有成交，已忽略")
		return
	}
	for _, t := range trades {
		e.trades.Publish(t)
	}
}

// Start 恢复持仓、登记内部订阅并启动后台任务。ctx 只约束启动阶段；停止用 Stop。
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	if err := e.positions.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore positions")
	}
	if _, err := e.router.SubscribeInline(ctx, e.topics.ExecutionReports(), e.onExecutionReports); err != nil {
		return errors.Wrap(err, "subscribe execution reports")
	}
	if _, err := e.router.SubscribeInline(ctx, e.topics.PrivateTrades(), e.onPrivateTrades); err != nil {
		return errors.Wrap(err, "subscribe private trades")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.group.Add(func() error {
		if err := e.tokens.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	e.group.Add(func() error { return e.sup.Run(runCtx) })
	e.group.Add(func() error {
		e.watchEscalations(runCtx)
		return nil
	})
	if e.saver != nil {
		e.group.Add(func() error {
			e.saver.Run(runCtx)
			return nil
		})
	}
	e.group.Run()

	log.WithFields(logrus.Fields{"user": e.cfg.User, "url": e.cfg.Session.URL}).Info("引擎已启动")
	return nil
}

func (e *Engine) watchEscalations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-e.tokens.Escalations():
			log.WithError(err).Error("凭证刷新连续失败，已达上报阈值")
			e.statuses.Publish(e.Status())
		}
	}
}

// Stop 排空发送队列（受 DrainTimeout 限制）、关闭会话、停止后台任务并写快照。可重复调用。
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		dctx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
		if err := e.sup.Shutdown(dctx); err != nil {
			e.stopErr = errors.Wrap(err, "shutdown supervisor")
		}
		cancel()
		if e.cancel != nil {
			e.cancel()
			if err := e.group.Wait(); err != nil {
				log.WithError(err).Warn("后台任务退出异常")
			}
		}
		if err := e.positions.Close(ctx); err != nil {
			log.WithError(err).Warn("成交流水未写完")
		}
		e.saveSnapshot()
		e.orders.Close()
		e.router.Close()
		e.events.Close()
		e.fills.Close()
		e.trades.Close()
		e.statuses.Close()
		log.Info("引擎已停止")
	})
	return e.stopErr
}

func (e *Engine) saveSnapshot() {
	if e.deps.Snapshots == nil {
		return
	}
	snap := Snapshot{
		SavedAt:   e.clock.Now(),
		Status:    e.Status(),
		Orders:    e.orders.Snapshot(),
		Positions: e.positions.Positions(),
	}
	store := e.deps.Snapshots.NewStore("engine", e.cfg.User, "snapshot")
	if err := store.Save(snap); err != nil {
		log.WithError(err).Warn("写快照失败")
		return
	}
	metrics.SnapshotSaves.Add(1)
	log.Infof("快照已保存：%d 个订单，%d 个持仓", len(snap.Orders), len(snap.Positions))
}

// Place 提交订单，返回 clientOrderId
func (e *Engine) Place(ctx context.Context, spec domain.OrderSpec) (string, error) {
	return e.orders.Place(ctx, spec)
}

// Modify 改单
func (e *Engine) Modify(ctx context.Context, clientOrderID string, changes domain.OrderChanges) error {
	return e.orders.Modify(ctx, clientOrderID, changes)
}

// Cancel 撤单
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	return e.orders.Cancel(ctx, clientOrderID)
}

// Deactivate 停用订单（保留在交易所，可重新激活）
func (e *Engine) Deactivate(ctx context.Context, clientOrderID string) error {
	return e.orders.Deactivate(ctx, clientOrderID)
}

func (e *Engine) StateOf(clientOrderID string) (domain.OrderState, error) {
	return e.orders.StateOf(clientOrderID)
}

func (e *Engine) Order(clientOrderID string) (domain.Order, error) {
	return e.orders.Order(clientOrderID)
}

func (e *Engine) Orders() []domain.Order { return e.orders.Orders() }

func (e *Engine) OpenOrders() []domain.Order { return e.orders.OpenOrders() }

func (e *Engine) PositionOf(contractID string) domain.Position {
	return e.positions.PositionOf(contractID)
}

func (e *Engine) Positions() []domain.Position { return e.positions.Positions() }

// ResetPositions 清零持仓（例如新交易日开始）；已见成交仍去重
func (e *Engine) ResetPositions(ctx context.Context) error {
	return e.positions.Reset(ctx)
}

// Subscribe 订阅任意 destination；处理器在独立 goroutine 上运行，重连后自动恢复
func (e *Engine) Subscribe(ctx context.Context, destination string, h func(stomp.Frame)) (*router.Subscription, error) {
	return e.router.Subscribe(ctx, destination, h)
}

// Topics 当前用户的私有流 destination
func (e *Engine) Topics() router.Topics { return e.topics }

func (e *Engine) OnOrderEvent(fn func(domain.OrderEvent)) *router.Handle {
	return e.events.Subscribe(fn)
}

// OnFill 新成交（重复投递的成交不会再次回调）
func (e *Engine) OnFill(fn func(domain.Fill)) *router.Handle {
	return e.fills.Subscribe(fn)
}

func (e *Engine) OnPrivateTrade(fn func(domain.PrivateTrade)) *router.Handle {
	return e.trades.Subscribe(fn)
}

// OnStatus 会话或凭证可用性变化时回调
func (e *Engine) OnStatus(fn func(domain.Status)) *router.Handle {
	return e.statuses.Subscribe(fn)
}

// Status 当前状态
func (e *Engine) Status() domain.Status {
	st := domain.Status{
		Session:       e.sup.State(),
		AuthAvailable: e.tokens.Available(),
		Reconnects:    metrics.Reconnects.Value(),
	}
	if exp := e.tokens.ExpiresAt(); !exp.IsZero() {
		st.CredentialExpiresAt = exp.UTC().Format(time.RFC3339)
	}
	if err := e.sup.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
