package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/relayer/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Handler 关闭处理函数；ctx 带超时，处理函数应在 ctx 结束前返回
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序分阶段执行：后启动的组件先关闭（例如先停止事件消费，再等待提交完成，最后关闭存储）。
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
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

// Shutdown 执行所有关闭回调（阻塞调用），返回第一个出现的错误。
// 某个回调超时后不再等待它，继续执行后续回调。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	callbacks := append([]namedHandler(nil), m.callbacks...)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Infof("没有注册的关闭回调")
		return nil
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	var firstErr error
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		start := time.Now()
		done := make(chan error, 1)
		go func() { done <- cb.fn(ctx) }()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		entry := logger.WithFields(logrus.Fields{"component": cb.name, "elapsed": time.Since(start)})
		if err != nil {
			entry.WithError(err).Warn("关闭回调失败")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entry.Debug("关闭回调完成")
	}
	logger.Infof("所有关闭回调已完成")
	return firstErr
}
