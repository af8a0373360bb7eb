package engine

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Andrei-Ionita/BRM-Trading/internal/auth"
	"github.com/Andrei-Ionita/BRM-Trading/internal/oms"
	"github.com/Andrei-Ionita/BRM-Trading/internal/session"
	"github.com/Andrei-Ionita/BRM-Trading/internal/supervisor"
	"github.com/Andrei-Ionita/BRM-Trading/pkg/config"
)

// Config 引擎配置；各组件的时钟统一使用 Clock
type Config struct {
	User       string // 私有 destination 中的身份名
	APIVersion string

	Auth       auth.Config
	Session    session.Config
	Supervisor supervisor.Config
	Orders     oms.Config

	HandlerQueueSize int     // 每个调用方处理器的队列长度
	OrderRate        float64 // 下单/改单每秒速率，<=0 不限速
	OrderBurst       int
	DrainTimeout     time.Duration
	SnapshotDelay    time.Duration // 变化后静默多久写快照，<=0 只在 Stop 时写

	Clock clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "v1"
	}
	if c.HandlerQueueSize <= 0 {
		c.HandlerQueueSize = 256
	}
	if c.OrderBurst <= 0 {
		c.OrderBurst = 1
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	c.Session.APIVersion = c.APIVersion
	c.Session.Clock = c.Clock
	c.Supervisor.Clock = c.Clock
	c.Orders.APIVersion = c.APIVersion
	c.Orders.Clock = c.Clock
	if c.Supervisor.DeactivationGrace <= 0 {
		c.Supervisor.DeactivationGrace = c.Orders.DeactivationGrace
	}
	if c.Orders.DeactivationGrace <= 0 {
		c.Orders.DeactivationGrace = c.Supervisor.DeactivationGrace
	}
}

// FromConfig 由全局配置构造引擎配置
func FromConfig(c *config.Config) Config {
	return Config{
		User:       c.Session.User,
		APIVersion: c.Session.APIVersion,
		Auth: auth.Config{
			SafetyMargin:   c.Identity.SafetyMargin.D(),
			MinBackoff:     c.Identity.MinBackoff.D(),
			MaxBackoff:     c.Identity.MaxBackoff.D(),
			FailureCeiling: c.Identity.FailureCeiling,
		},
		Session: session.Config{
			URL:                c.Session.URL,
			SockJS:             c.Session.SockJS,
			ServerID:           -1,
			Host:               c.Session.Host,
			HeartbeatSend:      c.Session.HeartbeatSend.D(),
			HeartbeatReceive:   c.Session.HeartbeatReceive.D(),
			HeartbeatTolerance: c.Session.HeartbeatTolerance,
			ConnectTimeout:     c.Session.ConnectTimeout.D(),
			SendTimeout:        c.Session.SendTimeout.D(),
			ReceiptTimeout:     c.Session.ReceiptTimeout.D(),
			Receipts:           c.Session.Receipts,
			MaxFrameSize:       c.Session.MaxFrameSize,
			Proxy:              c.Session.Proxy,
		},
		Supervisor: supervisor.Config{
			InitialDelay:           c.Reconnect.InitialDelay.D(),
			MaxDelay:               c.Reconnect.MaxDelay.D(),
			Multiplier:             c.Reconnect.Multiplier,
			Jitter:                 c.Reconnect.Jitter,
			DeactivationGrace:      c.Orders.DeactivationGrace.D(),
			QueueWhileReconnecting: c.Orders.QueueWhileReconnecting,
			QueueSize:              c.Orders.QueueSize,
			InBandTokenRefresh:     c.Session.InBandTokenRefresh,
			CloseTimeout:           c.Session.SendTimeout.D(),
		},
		Orders: oms.Config{
			DefaultPortfolioID:    c.Orders.PortfolioID,
			DefaultDeliveryAreaID: c.Orders.DeliveryAreaID,
			DeactivationGrace:     c.Orders.DeactivationGrace.D(),
			HistoryWindow:         c.Orders.HistoryWindow.D(),
		},
		HandlerQueueSize: c.Router.QueueSize,
		OrderRate:        c.Orders.RatePerSecond,
		OrderBurst:       c.Orders.RateBurst,
		DrainTimeout:     c.Shutdown.DrainTimeout.D(),
		SnapshotDelay:    c.Persistence.Debounce.D(),
	}
}
