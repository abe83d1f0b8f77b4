package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/internal/logger"
	"go.uber.org/zap"
)

// Manager 通道管理器，按平台索引适配器
type Manager struct {
	channels map[bus.Platform]Channel
	mu       sync.RWMutex
}

// NewManager 创建通道管理器
func NewManager() *Manager {
	return &Manager{
		channels: make(map[bus.Platform]Channel),
	}
}

// Register 注册通道
func (m *Manager) Register(channel Channel) error {
	if channel == nil {
		return fmt.Errorf("channel is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := channel.Platform()
	if !p.Valid() {
		return fmt.Errorf("channel has unknown platform %q", p)
	}
	if _, ok := m.channels[p]; ok {
		return fmt.Errorf("channel %s already registered", p)
	}

	m.channels[p] = channel
	logger.Info("Channel registered", zap.String("channel", string(p)))
	return nil
}

// Start 启动所有需要连通性检查的通道
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for p, channel := range m.channels {
		s, ok := channel.(starter)
		if !ok {
			continue
		}
		logger.Info("Starting channel", zap.String("channel", string(p)))
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", p, err)
		}
	}
	return nil
}

// Get 获取通道
func (m *Manager) Get(p bus.Platform) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channel, ok := m.channels[p]
	return channel, ok
}

// Platforms 返回已注册的平台
func (m *Manager) Platforms() []bus.Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]bus.Platform, 0, len(m.channels))
	for p := range m.channels {
		out = append(out, p)
	}
	return out
}
