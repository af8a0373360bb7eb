package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Andrei-Ionita/BRM-Trading/internal/domain"
	"github.com/Andrei-Ionita/BRM-Trading/internal/metrics"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/sigchan"
)

var log = logrus.WithField("component", "auth")

// Config 刷新策略
type Config struct {
	SafetyMargin   time.Duration // 剩余有效期 <= SafetyMargin 时刷新
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	FailureCeiling int // 连续失败达到该次数时上报（0 表示不上报）
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SafetyMargin:   5 * time.Minute,
		MinBackoff:     time.Second,
		MaxBackoff:     time.Minute,
		FailureCeiling: 10,
	}
}

// RefreshFunc 凭证替换回调（old 可能为 nil）。在刷新 goroutine 上同步调用，不能阻塞。
type RefreshFunc func(old, new *domain.Credential)

// StatusFunc 可用性变化回调；available=false 时 err 为最近一次失败原因
type StatusFunc func(available bool, err error)

// Manager 持有当前凭证并在后台保持其有效。
// 凭证以原子指针整体替换，发送路径不会看到半更新的凭证。
type Manager struct {
	cfg      Config
	provider IdentityProvider
	clock    clockwork.Clock

	cred      atomic.Pointer[domain.Credential]
	available atomic.Bool
	running   atomic.Bool
	failures  atomic.Int64

	mu         sync.Mutex
	changed    chan struct{} // 每次安装新凭证时关闭并替换
	refreshFns []RefreshFunc
	statusFns  []StatusFunc

	refreshMu   sync.Mutex // 串行化对身份服务的请求
	kick        *sigchan.Chan
	escalations chan error

	availMu    sync.Mutex // 串行化可用性通知
	expiryMu   sync.Mutex
	stopExpiry chan struct{} // 停止当前凭证的到期计时
}

// NewManager 创建凭证管理器
func NewManager(cfg Config, provider IdentityProvider, clock clockwork.Clock) *Manager {
	def := DefaultConfig()
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:         cfg,
		provider:    provider,
		clock:       clock,
		changed:     make(chan struct{}),
		kick:        sigchan.New(),
		escalations: make(chan error, 4),
	}
}

// Current 非阻塞返回最近一次可用的凭证；已过期时返回 nil
func (m *Manager) Current() *domain.Credential {
	c := m.cred.Load()
	if !c.Valid(m.clock.Now()) {
		return nil
	}
	return c
}

// ExpiresAt 当前凭证的过期时间（没有凭证时为零值）
func (m *Manager) ExpiresAt() time.Time {
	if c := m.cred.Load(); c != nil {
		return c.ExpiresAt
	}
	return time.Time{}
}

// Available 是否持有未过期的凭证
func (m *Manager) Available() bool {
	return m.Current() != nil
}

// Acquire 阻塞直到存在未过期的凭证或 ctx 结束
func (m *Manager) Acquire(ctx context.Context) (*domain.Credential, error) {
	for {
		if c := m.Current(); c != nil {
			return c, nil
		}
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()

		if !m.running.Load() {
			// 没有后台刷新：由调用方自己驱动
			if err := m.refreshWithRetry(ctx, true); err != nil {
				return nil, err
			}
			continue
		}
		m.kick.Emit()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// OnRefresh 注册凭证替换回调
func (m *Manager) OnRefresh(fn RefreshFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFns = append(m.refreshFns, fn)
}

// OnStatus 注册可用性变化回调
func (m *Manager) OnStatus(fn StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusFns = append(m.statusFns, fn)
}

// Escalations 连续失败达到上限时推送最近的错误
func (m *Manager) Escalations() <-chan error {
	return m.escalations
}

// ForceRefresh 要求后台立即刷新（例如交易所拒绝了当前令牌）
func (m *Manager) ForceRefresh() {
	m.kick.Emit()
}

// Run 后台刷新循环，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	defer m.running.Store(false)
	defer m.disarmExpiry()

	for {
		wait := time.Duration(0)
		if c := m.cred.Load(); c != nil {
			wait = c.ExpiresAt.Sub(m.clock.Now()) - m.cfg.SafetyMargin
			if wait < 0 {
				wait = 0
			}
		}
		if wait > 0 {
			timer := m.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.Chan():
			case <-m.kick.C():
				timer.Stop()
			}
		} else {
			m.kick.Drain()
		}
		if err := m.refreshWithRetry(ctx, false); err != nil {
			return err
		}
	}
}

// refreshWithRetry 请求新凭证，失败时指数退避重试（次数不限），直到成功或 ctx 结束。
// onlyIfMissing 为 true 时，若等锁期间已有他人装上有效凭证则直接返回。
func (m *Manager) refreshWithRetry(ctx context.Context, onlyIfMissing bool) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if onlyIfMissing && m.Current() != nil {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.MinBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Clock = m.clock
	bo.Reset()

	for {
		c, err := m.provider.RequestToken(ctx)
		if err == nil {
			m.install(c)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.recordFailure(err)

		d := bo.NextBackOff()
		// 旧凭证到期时需要及时标记不可用
		if cur := m.cred.Load(); cur != nil {
			if rem := cur.Remaining(m.clock.Now()); rem > 0 && rem < d {
				d = rem
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(d):
		}
	}
}

func (m *Manager) install(c *domain.Credential) {
	old := m.cred.Swap(c)
	m.failures.Store(0)
	metrics.TokenRefreshes.Add(1)
	log.WithFields(logrus.Fields{
		"token":     c.Fingerprint(),
		"expiresAt": c.ExpiresAt.Format(time.RFC3339),
	}).Info("凭证已更新")

	m.mu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	refreshFns := append([]RefreshFunc(nil), m.refreshFns...)
	m.mu.Unlock()

	m.armExpiry(c)
	for _, fn := range refreshFns {
		fn(old, c)
	}
	m.setAvailable(true, nil)
}

// armExpiry 凭证到期时仍未被替换则标记不可用，不依赖刷新请求的结果
func (m *Manager) armExpiry(c *domain.Credential) {
	stop := make(chan struct{})
	m.expiryMu.Lock()
	if m.stopExpiry != nil {
		close(m.stopExpiry)
	}
	m.stopExpiry = stop
	m.expiryMu.Unlock()

	timer := m.clock.NewTimer(c.Remaining(m.clock.Now()))
	go func() {
		defer timer.Stop()
		select {
		case <-stop:
		case <-timer.Chan():
			if m.cred.Load() != c || m.Current() != nil {
				return
			}
			metrics.CredentialExpiries.Add(1)
			log.WithField("token", c.Fingerprint()).Error("凭证已过期且未能刷新，暂停发送")
			m.setAvailable(false, domain.NewError(domain.AuthenticationFailure, "token expiry", domain.ErrAuthenticationUnavailable))
			m.kick.Emit()
		}
	}()
}

func (m *Manager) disarmExpiry() {
	m.expiryMu.Lock()
	defer m.expiryMu.Unlock()
	if m.stopExpiry != nil {
		close(m.stopExpiry)
		m.stopExpiry = nil
	}
}

func (m *Manager) recordFailure(err error) {
	n := m.failures.Add(1)
	metrics.TokenRefreshFailures.Add(1)
	cur := m.cred.Load()
	entry := log.WithError(err).WithField("failures", n)
	if cur.Valid(m.clock.Now()) {
		entry.Warnf("凭证刷新失败，继续使用旧凭证（剩余 %s）", cur.Remaining(m.clock.Now()))
	} else {
		entry.Error("凭证刷新失败，当前无可用凭证")
		m.setAvailable(false, err)
	}
	if ceiling := int64(m.cfg.FailureCeiling); ceiling > 0 && n == ceiling {
		metrics.AuthEscalations.Add(1)
		select {
		case m.escalations <- err:
		default:
		}
	}
}

// setAvailable 可用性以当前凭证是否有效为准，过时的通知（例如到期计时与新凭证安装交错）被忽略
func (m *Manager) setAvailable(ok bool, err error) {
	m.availMu.Lock()
	defer m.availMu.Unlock()
	if ok != (m.Current() != nil) {
		return
	}
	if m.available.Swap(ok) == ok {
		return
	}
	m.mu.Lock()
	fns := append([]StatusFunc(nil), m.statusFns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ok, err)
	}
}
