package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

const queueConsumerTag = "wegram"

// Queue 消费后端投递到 RabbitMQ 的回调报文。
// 报文格式与 HTTP 回调相同，手动确认：
// 全部入队或永久拒绝后 ack；可重试的失败先 requeue 一次，
// 再次投递仍失败就记死信并 ack，避免毒消息在队列里打转。
type Queue struct {
	url      string
	queue    string
	prefetch int
	self     string
	relay    Admitter
	tries    uint

	mu        sync.RWMutex
	connected bool
}

// NewQueue 创建队列消费者
func NewQueue(cfg config.RabbitMQConfig, self string, relay Admitter) *Queue {
	return &Queue{
		url:      cfg.URL,
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
		self:     self,
		relay:    relay,
		tries:    streamIngestTries,
	}
}

func (q *Queue) Name() string {
	return "wechat_rabbitmq"
}

// Connected 当前是否在消费
func (q *Queue) Connected() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.connected
}

// Status 健康检查里的消费状态
func (q *Queue) Status() any {
	return map[string]any{"queue": q.queue, "connected": q.Connected()}
}

// Run 保持消费直到 ctx 结束，断线按指数退避重连
func (q *Queue) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = streamMaxReconnect

	for {
		served, err := q.session(ctx)
		if ctx.Err() != nil {
			logger.Info("Queue consumer stopped", zap.String("queue", q.queue))
			return nil
		}
		if served {
			b.Reset()
		}

		wait := b.NextBackOff()
		logger.Warn("Queue consumer disconnected, reconnecting",
			zap.String("queue", q.queue),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (q *Queue) session(ctx context.Context) (served bool, err error) {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return false, fmt.Errorf("declare %s: %w", q.queue, err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return false, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, queueConsumerTag, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", q.queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	q.setConnected(true)
	defer q.setConnected(false)
	logger.Info("Queue consumer started", zap.String("queue", q.queue), zap.Int("prefetch", q.prefetch))

	for {
		select {
		case <-ctx.Done():
			return served, ctx.Err()
		case cerr := <-closed:
			if cerr == nil {
				return served, errors.New("connection closed")
			}
			return served, cerr
		case d, ok := <-deliveries:
			if !ok {
				return served, errors.New("delivery channel closed")
			}
			served = true
			q.handle(ctx, d)
		}
	}
}

func (q *Queue) setConnected(v bool) {
	q.mu.Lock()
	q.connected = v
	q.mu.Unlock()
}

// handle 处理一条投递并确认
func (q *Queue) handle(ctx context.Context, d amqp.Delivery) {
	env, err := channels.DecodeCallback(d.Body, q.self)
	if err != nil {
		logger.Warn("Malformed queue message", zap.Uint64("tag", d.DeliveryTag), zap.Int("size", len(d.Body)), zap.Error(err))
		q.settle(d.Reject(false), d)
		return
	}
	if env.Presence != channels.PresenceUnknown {
		q.relay.ObservePresence(ctx, env.Presence)
	}

	retry := make(map[string]error)
	for _, msg := range env.Messages {
		err := ingestRetrying(ctx, q.relay, msg, q.tries)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			// 停机中，交回队列由下次启动处理
			q.settle(d.Nack(false, true), d)
			return
		case types.Classify(err) == types.Permanent:
			logger.Warn("Queue message rejected", zap.String("msg_id", msg.ID), zap.Error(err))
		default:
			retry[msg.ID] = err
		}
	}

	// 已入队的消息在重投时会被去重
	if len(retry) > 0 && !d.Redelivered {
		logger.Warn("Requeueing queue message",
			zap.Uint64("tag", d.DeliveryTag),
			zap.Int("pending", len(retry)))
		q.settle(d.Nack(false, true), d)
		return
	}
	for id, rerr := range retry {
		q.relay.Reject(ctx, bus.PlatformWeChat, id, rerr)
	}
	for id, derr := range env.Failed {
		q.relay.Reject(ctx, bus.PlatformWeChat, id, derr)
	}
	q.settle(d.Ack(false), d)
}

func (q *Queue) settle(err error, d amqp.Delivery) {
	if err != nil {
		// 连接已断时确认会失败，broker 会重投
		logger.Warn("Failed to settle queue message", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
	}
}
