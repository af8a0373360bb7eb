package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数；应在 ctx 到期前返回
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序依次执行（后启动的先关闭），总体受 ctx 超时约束。
type Manager struct {
	callbacks []namedHandler
	mu        sync.Mutex
	once      sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）
// ctx 应该是一个带超时的 context，避免无限等待
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		callbacks := append([]namedHandler(nil), m.callbacks...)
		m.mu.Unlock()

		log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))
		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			if ctx.Err() != nil {
				log.Warnf("关闭超时，跳过剩余回调: %s 等 %d 个", cb.name, i+1)
				return
			}
			if err := cb.fn(ctx); err != nil {
				log.WithError(err).Warnf("关闭回调失败: %s", cb.name)
				continue
			}
			log.Debugf("关闭回调完成: %s", cb.name)
		}
		log.Info("所有关闭回调已完成")
	})
}
