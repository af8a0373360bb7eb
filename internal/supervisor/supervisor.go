// Package supervisor 维持会话在线：断线后重新认证、重连、重放订阅、对账订单，
// 并作为发送路径的门控（在线时直接发送，重连期间排队或快速失败）。
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/auth"
	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
	"github.com/Andrei-Ionita/BRM-Trading/internal/router"
	"github.com/Andrei-Ionita/BRM-Trading/internal/stomp"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/sigchan"
)

var log = logrus.WithField("component", "supervisor")

// Session supervisor 需要的会话能力（*session.Conn 实现）
type Session interface {
	router.Subscriber
	Send(ctx context.Context, destination string, body []byte, headers ...stomp.Header) error
	UpdateToken(ctx context.Context, cred *domain.Credential) error
	MarkActive() bool
	Done() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
	ID() string
}

// Connector 使用给定凭证建立一条已认证的会话
type Connector func(ctx context.Context, cred *domain.Credential) (Session, error)

// TokenSource 凭证来源（*auth.Manager 实现）
type TokenSource interface {
	Acquire(ctx context.Context) (*domain.Credential, error)
	Current() *domain.Credential
	ForceRefresh()
	OnRefresh(fn auth.RefreshFunc)
	OnStatus(fn auth.StatusFunc)
}

// Replayer 期望订阅的登记表（*router.Router 实现）
type Replayer interface {
	Replay(ctx context.Context, s router.Subscriber) error
	Detach(s router.Subscriber)
}

// ReconcileFunc 按断线时长对在途订单执行失效策略，返回被失效的订单
type ReconcileFunc func(outage time.Duration) []string

// StateFunc 状态变化回调；err 为导致该状态的原因（可为 nil）
type StateFunc func(state domain.SessionState, err error)

// Config 重连与门控参数
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	DeactivationGrace      time.Duration
	QueueWhileReconnecting bool
	QueueSize              int
	InBandTokenRefresh     bool
	CloseTimeout           time.Duration

	Clock clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = time.Minute
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Deps 依赖
type Deps struct {
	Connect   Connector
	Tokens    TokenSource
	Router    Replayer
	Reconcile ReconcileFunc
}

const (
	opPending int32 = iota
	opTaken
	opAbandoned
)

type queuedOp struct {
	fn     func(Session) error
	result chan error
	mu     sync.Mutex
	state  int32
}

func (o *queuedOp) transition(from, to int32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != from {
		return false
	}
	o.state = to
	return true
}

// Supervisor 会话监督者
type Supervisor struct {
	cfg   Config
	deps  Deps
	clock clockwork.Clock

	mu       sync.Mutex
	state    domain.SessionState
	lastErr  error
	conn     Session
	connCred *domain.Credential // 当前会话使用的凭证
	authDown bool
	flushing bool
	closing  bool
	queue    []*queuedOp
	cancel   context.CancelFunc
	stateFns []StateFunc

	wake      *sigchan.Chan
	drained   *sigchan.Chan
	refreshed chan *domain.Credential
	finished  chan struct{}
	runOnce   sync.Once
}

// New 创建 supervisor
func New(cfg Config, deps Deps) *Supervisor {
	cfg.setDefaults()
	s := &Supervisor{
		cfg:       cfg,
		deps:      deps,
		clock:     cfg.Clock,
		state:     domain.SessionConnecting,
		wake:      sigchan.New(),
		drained:   sigchan.New(),
		refreshed: make(chan *domain.Credential, 1),
		finished:  make(chan struct{}),
	}
	if deps.Tokens != nil {
		deps.Tokens.OnRefresh(s.onRefresh)
		deps.Tokens.OnStatus(s.onAuthStatus)
	}
	return s
}

// OnState 注册状态回调（在 supervisor goroutine 上同步调用，不能阻塞）
func (s *Supervisor) OnState(fn StateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFns = append(s.stateFns, fn)
}

// State 当前会话状态
func (s *Supervisor) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError 最近一次导致断线/失败的原因
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Conn 当前在线会话（非 Active 时为 nil）
func (s *Supervisor) Conn() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SessionActive {
		return nil
	}
	return s.conn
}

// QueueLen 排队中的发送操作数
func (s *Supervisor) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Supervisor) setState(state domain.SessionState, err error) {
	s.mu.Lock()
	if s.state == state && err == nil {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	fns := append([]StateFunc(nil), s.stateFns...)
	s.mu.Unlock()

	entry := log.WithField("from", prev.String()).WithField("to", state.String())
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("会话状态变化")
	for _, fn := range fns {
		fn(state, err)
	}
}

func (s *Supervisor) onRefresh(old, cred *domain.Credential) {
	if old != nil {
		select {
		case <-s.refreshed:
		default:
		}
		s.refreshed <- cred
	}
	// 凭证过期期间排队的操作可以继续
	s.wake.Emit()
}

func (s *Supervisor) onAuthStatus(available bool, err error) {
	s.mu.Lock()
	s.authDown = !available
	s.mu.Unlock()
	if available {
		log.Info("凭证恢复，发送门控解除")
		s.wake.Emit()
	} else {
		log.WithError(err).Warn("凭证不可用，暂停发送")
	}
}

// open 门控是否放行（调用方持有 s.mu）
func (s *Supervisor) open() bool {
	return s.state == domain.SessionActive && s.conn != nil && s.credentialValid()
}

// credentialValid 会话凭证与当前凭证都未过期；不等刷新失败才关闭门控（调用方持有 s.mu）
func (s *Supervisor) credentialValid() bool {
	if s.authDown {
		return false
	}
	if s.connCred != nil && !s.connCred.Valid(s.clock.Now()) {
		return false
	}
	return s.deps.Tokens == nil || s.deps.Tokens.Current() != nil
}

// unavailable 门控关闭时的原因（调用方持有 s.mu）
func (s *Supervisor) unavailable() error {
	if !s.credentialValid() {
		return domain.ErrAuthenticationUnavailable
	}
	return domain.ErrSessionUnavailable
}

// Do 在在线会话上执行发送操作。
// Active 且无积压时立即执行；否则按配置排队（FIFO，有界，阻塞到执行或 ctx 结束）或快速失败。
func (s *Supervisor) Do(ctx context.Context, fn func(Session) error) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return domain.ErrShuttingDown
	}
	if s.open() && !s.flushing && len(s.queue) == 0 {
		conn := s.conn
		s.mu.Unlock()
		return fn(conn)
	}
	if !s.cfg.QueueWhileReconnecting {
		err := s.unavailable()
		s.mu.Unlock()
		metrics.RejectedOps.Add(1)
		return err
	}
	if len(s.queue) >= s.cfg.QueueSize {
		err := s.unavailable()
		s.mu.Unlock()
		metrics.RejectedOps.Add(1)
		return fmt.Errorf("%w: send queue full (%d)", err, s.cfg.QueueSize)
	}
	op := &queuedOp{fn: fn, result: make(chan error, 1)}
	s.queue = append(s.queue, op)
	open := s.open()
	s.mu.Unlock()
	metrics.QueuedOps.Add(1)
	if open {
		s.wake.Emit()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		if op.transition(opPending, opAbandoned) {
			return fmt.Errorf("%w: %v", domain.ErrSessionUnavailable, ctx.Err())
		}
		return <-op.result
	}
}

// flush 按 FIFO 执行积压的操作，直到队列清空或门控关闭
func (s *Supervisor) flush() {
	n := 0
	for {
		s.mu.Lock()
		if !s.open() || len(s.queue) == 0 {
			s.flushing = false
			s.mu.Unlock()
			if n > 0 {
				log.Infof("已执行 %d 个排队操作", n)
			}
			s.drained.Emit()
			return
		}
		s.flushing = true
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		conn := s.conn
		s.mu.Unlock()

		if !op.transition(opPending, opTaken) {
			continue
		}
		op.result <- op.fn(conn)
		n++
	}
}

// failQueue 以 err 结束所有排队操作
func (s *Supervisor) failQueue(err error) {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, op := range queue {
		if op.transition(opPending, opTaken) {
			op.result <- err
		}
	}
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialDelay
	bo.MaxInterval = s.cfg.MaxDelay
	bo.Multiplier = s.cfg.Multiplier
	bo.RandomizationFactor = s.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Clock = s.clock
	bo.Reset()
	return bo
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Run 监督循环，直到 ctx 结束或 Shutdown
func (s *Supervisor) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("supervisor already running")
	}
	defer close(s.finished)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	bo := s.newBackOff()
	var outageStart time.Time
	var stopGrace func()
	defer func() {
		if stopGrace != nil {
			stopGrace()
		}
	}()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			s.exit(nil)
			return nil
		}
		if attempt > 0 {
			d := bo.NextBackOff()
			log.Infof("%s 后重连（第 %d 次尝试）", d, attempt)
			if err := s.sleep(ctx, d); err != nil {
				s.exit(nil)
				return nil
			}
		}

		conn, err := s.establish(ctx, outageStart)
		if err != nil {
			if ctx.Err() != nil {
				s.exit(nil)
				return nil
			}
			if domain.IsAuthenticationFailure(err) {
				s.deps.Tokens.ForceRefresh()
			}
			s.setState(domain.SessionReconnecting, err)
			continue
		}
		if stopGrace != nil {
			stopGrace()
			stopGrace = nil
		}
		outageStart = time.Time{}
		bo.Reset()
		attempt = 0

		cause := s.serve(ctx, conn)
		s.deps.Router.Detach(conn)
		s.mu.Lock()
		s.conn = nil
		s.connCred = nil
		s.mu.Unlock()
		if ctx.Err() != nil {
			s.closeConn(conn)
			s.exit(nil)
			return nil
		}

		metrics.Reconnects.Add(1)
		if domain.IsAuthenticationFailure(cause) {
			s.deps.Tokens.ForceRefresh()
		}
		outageStart = s.clock.Now()
		if s.cfg.DeactivationGrace > 0 && s.deps.Reconcile != nil {
			stopGrace = s.watchGrace(outageStart)
		}
		s.setState(domain.SessionReconnecting, cause)
	}
}

// watchGrace 断线超过宽限期仍未恢复时执行一次失效策略；返回的函数取消等待
func (s *Supervisor) watchGrace(start time.Time) func() {
	timer := s.clock.NewTimer(s.cfg.DeactivationGrace)
	stop := make(chan struct{})
	go func() {
		select {
		case <-stop:
			timer.Stop()
		case <-timer.Chan():
			outage := s.clock.Since(start)
			if ids := s.deps.Reconcile(outage); len(ids) > 0 {
				log.Warnf("重连未在宽限期内完成，已失效订单: %v", ids)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// establish 认证 → 连接 → 重放订阅 → 对账 → Active
func (s *Supervisor) establish(ctx context.Context, outageStart time.Time) (Session, error) {
	if outageStart.IsZero() && s.State() != domain.SessionReconnecting {
		s.setState(domain.SessionConnecting, nil)
	}
	cred, err := s.deps.Tokens.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := s.deps.Connect(ctx, cred)
	if err != nil {
		log.WithError(err).Warn("连接失败")
		return nil, err
	}
	s.setState(domain.SessionAuthenticated, nil)

	if err := s.deps.Router.Replay(ctx, conn); err != nil {
		log.WithError(err).Warn("重放订阅失败")
		s.deps.Router.Detach(conn)
		s.closeConn(conn)
		return nil, err
	}
	if !outageStart.IsZero() && s.deps.Reconcile != nil {
		outage := s.clock.Since(outageStart)
		if ids := s.deps.Reconcile(outage); len(ids) > 0 {
			log.Warnf("断线 %s，对账后失效订单: %v", outage, ids)
		}
	}
	if !conn.MarkActive() {
		// 重放期间会话已经结束
		s.deps.Router.Detach(conn)
		err := conn.Err()
		if err == nil {
			err = domain.NewError(domain.TransportFailure, "activate", fmt.Errorf("session ended during resubscription"))
		}
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.connCred = cred
	s.mu.Unlock()
	s.setState(domain.SessionActive, nil)
	log.WithField("session", conn.ID()).Info("会话已就绪")
	return conn, nil
}

// serve Active 期间：执行积压操作、处理令牌刷新，直到会话结束
func (s *Supervisor) serve(ctx context.Context, conn Session) error {
	s.flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			err := conn.Err()
			if err == nil {
				err = domain.NewError(domain.TransportFailure, "session", fmt.Errorf("session closed"))
			}
			return err
		case <-s.wake.C():
			s.flush()
		case cred := <-s.refreshed:
			if s.usesCredential(cred) {
				// 断线期间的刷新已在重连时生效
				log.WithField("token", cred.Fingerprint()).Debug("会话已使用该凭证，忽略刷新通知")
				continue
			}
			s.rotateToken(ctx, conn, cred)
		}
	}
}

func (s *Supervisor) usesCredential(cred *domain.Credential) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connCred != nil && (s.connCred == cred || s.connCred.Token == cred.Token)
}

func (s *Supervisor) rotateToken(ctx context.Context, conn Session, cred *domain.Credential) {
	if !s.cfg.InBandTokenRefresh {
		log.Info("令牌已刷新，重连以使用新令牌")
		s.closeConn(conn)
		return
	}
	if err := conn.UpdateToken(ctx, cred); err != nil {
		log.WithError(err).Warn("原地更新令牌失败，改为重连")
		s.closeConn(conn)
		return
	}
	s.mu.Lock()
	s.connCred = cred
	s.mu.Unlock()
	s.flush()
}

func (s *Supervisor) closeConn(conn Session) {
	cctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	if err := conn.Close(cctx); err != nil {
		log.WithError(err).Debug("关闭会话")
	}
}

func (s *Supervisor) exit(err error) {
	s.failQueue(domain.ErrShuttingDown)
	s.setState(domain.SessionClosed, err)
}

// Shutdown 停止接收新操作，在 ctx 期限内执行完积压操作，然后关闭会话并结束 Run
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	already := s.closing
	s.closing = true
	cancel := s.cancel
	s.mu.Unlock()

	if !already {
		s.drainQueue(ctx)
		s.failQueue(domain.ErrShuttingDown)
	}
	if cancel == nil {
		s.setState(domain.SessionClosed, nil)
		return nil
	}
	cancel()
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainQueue 在线时等待积压操作执行完毕
func (s *Supervisor) drainQueue(ctx context.Context) {
	for {
		s.mu.Lock()
		n, open := len(s.queue), s.open()
		s.mu.Unlock()
		if n == 0 {
			return
		}
		if !open {
			log.Warnf("会话不在线，%d 个排队操作将被取消", n)
			return
		}
		s.wake.Emit()
		select {
		case <-ctx.Done():
			log.Warnf("排空超时，%d 个排队操作将被取消", n)
			return
		case <-s.drained.C():
		}
	}
}
