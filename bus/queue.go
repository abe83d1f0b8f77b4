package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageBus 规范化消息队列
// 所有入口（回调、轮询、推流）发布到同一个队列，由唯一消费者按 FIFO 转交派发器
type MessageBus struct {
	queue   chan *Message
	mu      sync.RWMutex
	closed  bool
	closeCh chan struct{}
}

// NewMessageBus 创建消息总线
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &MessageBus{
		queue:   make(chan *Message, bufferSize),
		closeCh: make(chan struct{}),
	}
}

// Publish 发布消息
// 返回 nil 表示消息已进入队列
func (b *MessageBus) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	queue := b.queue
	closeCh := b.closeCh
	b.mu.RUnlock()

	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}
	msg.Stamp(time.Now())

	select {
	case queue <- msg:
		return nil
	case <-closeCh:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 消费消息
// 总线关闭后仍会先返回队列中剩余的消息，全部取完才返回 ErrBusClosed
func (b *MessageBus) Consume(ctx context.Context) (*Message, error) {
	b.mu.RLock()
	queue := b.queue
	closeCh := b.closeCh
	b.mu.RUnlock()

	select {
	case msg := <-queue:
		return msg, nil
	default:
	}

	select {
	case msg := <-queue:
		return msg, nil
	case <-closeCh:
		select {
		case msg := <-queue:
			return msg, nil
		default:
			return nil, ErrBusClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 关闭消息总线，不再接受发布
func (b *MessageBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)
	return nil
}

// IsClosed 检查是否已关闭
func (b *MessageBus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Len 队列中待消费的消息数
func (b *MessageBus) Len() int {
	return len(b.queue)
}

// Errors
var (
	ErrBusClosed = &BusError{Message: "message bus is closed"}
)

// BusError 总线错误
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
