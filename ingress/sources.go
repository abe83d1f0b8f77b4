package ingress

import (
	"context"
	"fmt"
	"strconv"

	telegrambot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
)

// UpdateFetcher 拉取 Telegram 更新，由 channels.TelegramChannel 实现
type UpdateFetcher interface {
	Updates(ctx context.Context, offset int) ([]telegrambot.Update, error)
}

// TelegramSource 以 getUpdates 的 offset 为游标
type TelegramSource struct {
	bot UpdateFetcher
}

// NewTelegramSource 创建 Telegram 源
func NewTelegramSource(bot UpdateFetcher) *TelegramSource {
	return &TelegramSource{bot: bot}
}

func (s *TelegramSource) Name() string {
	return "telegram"
}

func (s *TelegramSource) Platform() bus.Platform {
	return bus.PlatformTelegram
}

// Fetch 游标为下一个期望的 update_id
func (s *TelegramSource) Fetch(ctx context.Context, cursor string) (Batch, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return Batch{}, fmt.Errorf("bad telegram cursor %q: %w", cursor, err)
		}
		offset = n
	}

	updates, err := s.bot.Updates(ctx, offset)
	if err != nil {
		return Batch{}, err
	}

	env := &channels.Envelope{}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		msg, ok := channels.DecodeUpdate(u)
		if !ok {
			env.Skipped++
			continue
		}
		env.Messages = append(env.Messages, msg)
	}

	b := Batch{Envelope: env}
	if next != offset {
		b.Next = strconv.Itoa(next)
	}
	return b, nil
}

// Syncer 拉取后端新消息，由 channels.WeChatChannel 实现
type Syncer interface {
	Sync(ctx context.Context, key string) (*channels.Envelope, string, error)
}

// WeChatSyncSource 以后端不透明的同步键为游标
type WeChatSyncSource struct {
	backend Syncer
}

// NewWeChatSyncSource 创建后端同步源
func NewWeChatSyncSource(backend Syncer) *WeChatSyncSource {
	return &WeChatSyncSource{backend: backend}
}

func (s *WeChatSyncSource) Name() string {
	return "wechat_sync"
}

func (s *WeChatSyncSource) Platform() bus.Platform {
	return bus.PlatformWeChat
}

func (s *WeChatSyncSource) Fetch(ctx context.Context, cursor string) (Batch, error) {
	env, next, err := s.backend.Sync(ctx, cursor)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Envelope: env, Next: next}, nil
}
