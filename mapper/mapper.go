// Package mapper resolves which Telegram chat mirrors which WeChat chat.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

// Provisioner creates a destination chat for a WeChat chat seen for the first time.
type Provisioner interface {
	Provision(ctx context.Context, wxid string) (int64, error)
}

// Mapper resolves chat identifiers between the two platforms.
type Mapper struct {
	store       store.MappingStore
	provisioner Provisioner
	mu          sync.Mutex
}

// New creates a mapper. A nil provisioner rejects unknown chats.
func New(s store.MappingStore, p Provisioner) *Mapper {
	if p == nil {
		p = RejectProvisioner{}
	}
	return &Mapper{store: s, provisioner: p}
}

// Resolve returns the destination chat for a message's source chat.
// WeChat chats are provisioned on first use; Telegram chats must already be bound.
func (m *Mapper) Resolve(ctx context.Context, platform bus.Platform, sourceChatID string) (string, error) {
	switch platform {
	case bus.PlatformWeChat:
		chatID, err := m.resolveWeChat(ctx, sourceChatID)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(chatID, 10), nil
	case bus.PlatformTelegram:
		chatID, err := strconv.ParseInt(sourceChatID, 10, 64)
		if err != nil {
			return "", fmt.Errorf("telegram chat %q: %w", sourceChatID, types.ErrUnmappableChat)
		}
		return m.Reverse(ctx, chatID)
	default:
		return "", fmt.Errorf("platform %q: %w", platform, types.ErrUnmappableChat)
	}
}

func (m *Mapper) resolveWeChat(ctx context.Context, wxid string) (int64, error) {
	if cm, ok, err := m.store.ByWeChat(ctx, wxid); err != nil {
		return 0, fmt.Errorf("lookup %s: %w", wxid, err)
	} else if ok {
		return cm.TelegramChatID, nil
	}

	// Provisioning is rare; one lock keeps two first messages from the same
	// chat from creating two destinations.
	m.mu.Lock()
	defer m.mu.Unlock()

	if cm, ok, err := m.store.ByWeChat(ctx, wxid); err != nil {
		return 0, fmt.Errorf("lookup %s: %w", wxid, err)
	} else if ok {
		return cm.TelegramChatID, nil
	}

	// 只有真正无法映射的情况才是永久失败，存储故障交给调用方重试
	chatID, err := m.provisioner.Provision(ctx, wxid)
	if err != nil {
		return 0, fmt.Errorf("wechat chat %s: provision: %w", wxid, err)
	}
	if err := m.store.SaveMapping(ctx, store.ChatMapping{WeChatID: wxid, TelegramChatID: chatID, Source: "pool"}); err != nil {
		if errors.Is(err, store.ErrMappingConflict) {
			return 0, fmt.Errorf("wechat chat %s: %v: %w", wxid, err, types.ErrUnmappableChat)
		}
		return 0, fmt.Errorf("wechat chat %s: save mapping: %w", wxid, err)
	}
	logger.Info("Chat mapping created",
		zap.String("wxid", wxid),
		zap.Int64("chat_id", chatID))
	return chatID, nil
}

// Reverse returns the WeChat chat bound to a Telegram chat.
func (m *Mapper) Reverse(ctx context.Context, chatID int64) (string, error) {
	cm, ok, err := m.store.ByTelegram(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("lookup %d: %w", chatID, err)
	}
	if !ok {
		return "", fmt.Errorf("telegram chat %d is not bound: %w", chatID, types.ErrUnmappableChat)
	}
	return cm.WeChatID, nil
}

// Bind binds a Telegram chat to a WeChat chat.
func (m *Mapper) Bind(ctx context.Context, wxid string, chatID int64, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.SaveMapping(ctx, store.ChatMapping{WeChatID: wxid, TelegramChatID: chatID, Source: source})
}

// Unbind removes the binding of a Telegram chat.
func (m *Mapper) Unbind(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteMapping(ctx, chatID)
}

// List returns every mapping.
func (m *Mapper) List(ctx context.Context) ([]store.ChatMapping, error) {
	return m.store.ListMappings(ctx)
}

// ApplyBindings installs static bindings from configuration.
// Existing identical bindings are kept; conflicting ones are logged and skipped.
func (m *Mapper) ApplyBindings(ctx context.Context, bindings []config.Binding) error {
	var errs []error
	for _, b := range bindings {
		cm, ok, err := m.store.ByWeChat(ctx, b.WXID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok && cm.TelegramChatID == b.ChatID {
			continue
		}
		if err := m.Bind(ctx, b.WXID, b.ChatID, "config"); err != nil {
			logger.Warn("Skipping static binding",
				zap.String("wxid", b.WXID),
				zap.Int64("chat_id", b.ChatID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("bind %s: %w", b.WXID, err))
		}
	}
	return errors.Join(errs...)
}

// RejectProvisioner never creates destination chats.
type RejectProvisioner struct{}

func (RejectProvisioner) Provision(_ context.Context, wxid string) (int64, error) {
	return 0, fmt.Errorf("no binding for %s: %w", wxid, types.ErrUnmappableChat)
}

// PoolProvisioner hands out pre-created Telegram groups in order.
// Bots cannot create groups, so the operator creates them up front.
type PoolProvisioner struct {
	store store.MappingStore
	pool  []int64
}

// NewPoolProvisioner creates a provisioner over a fixed pool of chat ids.
func NewPoolProvisioner(s store.MappingStore, pool []int64) *PoolProvisioner {
	return &PoolProvisioner{store: s, pool: append([]int64(nil), pool...)}
}

func (p *PoolProvisioner) Provision(ctx context.Context, wxid string) (int64, error) {
	for _, chatID := range p.pool {
		_, taken, err := p.store.ByTelegram(ctx, chatID)
		if err != nil {
			return 0, err
		}
		if !taken {
			return chatID, nil
		}
	}
	return 0, fmt.Errorf("chat pool exhausted (%d groups): %w", len(p.pool), types.ErrUnmappableChat)
}
