package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamMaxReconnect = 30 * time.Second
	streamIngestTries  = 3
)

// Stream 订阅后端的 websocket 推送。
// 每帧的格式与回调报文相同，断线后按指数退避重连。
type Stream struct {
	url    string
	self   string
	relay  Admitter
	dialer *websocket.Dialer

	mu        sync.RWMutex
	connected bool
}

// NewStream 创建推流订阅
func NewStream(cfg config.StreamConfig, self string, relay Admitter) *Stream {
	return &Stream{
		url:    cfg.URL,
		self:   self,
		relay:  relay,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (s *Stream) Name() string {
	return "wechat_stream"
}

// Connected 当前是否保持连接
func (s *Stream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Run 保持连接直到 ctx 结束
func (s *Stream) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = streamMaxReconnect

	for {
		served, err := s.session(ctx)
		if ctx.Err() != nil {
			logger.Info("Stream stopped", zap.String("url", s.url))
			return nil
		}
		if served {
			b.Reset()
		}

		wait := b.NextBackOff()
		logger.Warn("Stream disconnected, reconnecting",
			zap.String("url", s.url),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session 建立一次连接并读取直到出错，served 表示至少收到过一帧
func (s *Stream) session(ctx context.Context) (served bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	s.setConnected(true)
	logger.Info("Stream connected", zap.String("url", s.url))

	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		s.setConnected(false)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return served, err
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return served, fmt.Errorf("no frame within %s: %w", streamReadTimeout, err)
			}
			return served, err
		}
		served = true
		s.handle(ctx, frame)
	}
}

// Status 健康检查里的连接状态
func (s *Stream) Status() any {
	return map[string]any{"url": s.url, "connected": s.Connected()}
}

func (s *Stream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// handle 处理一帧。推流无法要求对端重发，
// 所以可重试的失败在这里重试几次，仍失败就记死信。
func (s *Stream) handle(ctx context.Context, frame []byte) {
	env, err := channels.DecodeCallback(frame, s.self)
	if err != nil {
		logger.Warn("Malformed stream frame", zap.Int("size", len(frame)), zap.Error(err))
		return
	}
	if env.Presence != channels.PresenceUnknown {
		s.relay.ObservePresence(ctx, env.Presence)
	}
	for id, derr := range env.Failed {
		s.relay.Reject(ctx, bus.PlatformWeChat, id, derr)
	}

	for _, msg := range env.Messages {
		err := ingestRetrying(ctx, s.relay, msg, streamIngestTries)
		switch {
		case err == nil || ctx.Err() != nil:
		case types.Classify(err) == types.Permanent:
			logger.Warn("Stream message rejected", zap.String("msg_id", msg.ID), zap.Error(err))
		default:
			s.relay.Reject(ctx, bus.PlatformWeChat, msg.ID, err)
		}
	}
}

// ingestRetrying 对可重试的失败原地重试，永久失败立即返回
func ingestRetrying(ctx context.Context, relay Admitter, msg *bus.Message, tries uint) error {
	_, err := backoff.Retry(ctx, func() (store.Verdict, error) {
		v, err := relay.Ingest(ctx, msg)
		if err != nil && types.Classify(err) == types.Permanent {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithMaxTries(tries))
	return err
}
