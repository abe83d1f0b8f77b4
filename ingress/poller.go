// Package ingress pulls messages from sources that do not push: Telegram
// getUpdates, the backend sync endpoint and the backend websocket feed.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

// Admitter 接收入站消息的一方，即 relay
type Admitter interface {
	Ingest(ctx context.Context, msg *bus.Message) (store.Verdict, error)
	Reject(ctx context.Context, source bus.Platform, id string, err error)
	ObservePresence(ctx context.Context, p channels.Presence)
}

// Batch 一次拉取的结果
type Batch struct {
	Envelope *channels.Envelope
	// Next 全部处理完后要保存的游标，为空表示不变
	Next string
}

// Source 可轮询的消息源
type Source interface {
	Name() string
	Platform() bus.Platform
	Fetch(ctx context.Context, cursor string) (Batch, error)
}

// Poller 按固定间隔拉取一个 Source
type Poller struct {
	source   Source
	relay    Admitter
	cursors  store.CursorStore
	interval time.Duration
	cursor   string
}

// NewPoller 创建轮询器
func NewPoller(src Source, relay Admitter, cursors store.CursorStore, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{source: src, relay: relay, cursors: cursors, interval: interval}
}

// Name 返回源名称
func (p *Poller) Name() string {
	return p.source.Name()
}

// Run 循环拉取直到 ctx 结束
func (p *Poller) Run(ctx context.Context) error {
	cursor, err := p.cursors.LoadCursor(ctx, p.source.Name())
	if err != nil {
		return fmt.Errorf("load %s cursor: %w", p.source.Name(), err)
	}
	p.cursor = cursor

	logger.Info("Poller started",
		zap.String("source", p.source.Name()),
		zap.String("cursor", cursor),
		zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Poll failed",
				zap.String("source", p.source.Name()),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("Poller stopped", zap.String("source", p.source.Name()))
			return nil
		case <-ticker.C:
		}
	}
}

// Poll 拉取一批并逐条交给 relay。
// 只有整批都有了结论（接纳、重复或永久拒绝）才推进游标，
// 出现可重试的失败时游标不动，下一轮从同一位置重来。
func (p *Poller) Poll(ctx context.Context) error {
	batch, err := p.source.Fetch(ctx, p.cursor)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	if env := batch.Envelope; env != nil {
		if env.Presence != channels.PresenceUnknown {
			p.relay.ObservePresence(ctx, env.Presence)
		}
		for _, msg := range env.Messages {
			if _, err := p.relay.Ingest(ctx, msg); err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return err
				}
				if types.Classify(err) != types.Permanent {
					return fmt.Errorf("ingest %s: %w", msg.ID, err)
				}
				logger.Warn("Message rejected",
					zap.String("source", p.source.Name()),
					zap.String("msg_id", msg.ID),
					zap.Error(err))
			}
		}
		// 整批有了结论后再记录解码失败的条目，重试同一批时不会重复记死信
		for id, derr := range env.Failed {
			p.relay.Reject(ctx, p.source.Platform(), id, derr)
		}
	}

	if batch.Next == "" || batch.Next == p.cursor {
		return nil
	}
	if err := p.cursors.SaveCursor(ctx, p.source.Name(), batch.Next); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	p.cursor = batch.Next
	return nil
}

// Cursor 返回当前游标
func (p *Poller) Cursor() string {
	return p.cursor
}
