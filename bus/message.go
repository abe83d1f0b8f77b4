package bus

import (
	"errors"
	"fmt"
	"time"
)

// Platform 消息来源平台
type Platform string

const (
	PlatformWeChat   Platform = "wechat"
	PlatformTelegram Platform = "telegram"
)

// Opposite 返回对端平台
func (p Platform) Opposite() Platform {
	if p == PlatformWeChat {
		return PlatformTelegram
	}
	return PlatformWeChat
}

// Valid 是否为已知平台
func (p Platform) Valid() bool {
	return p == PlatformWeChat || p == PlatformTelegram
}

// Message 规范化消息，与传输方式无关
type Message struct {
	TraceID      string    `json:"trace_id"`       // 总线内部追踪ID
	ID           string    `json:"id"`             // 源平台消息ID
	Source       Platform  `json:"source"`         // 来源平台
	SourceChatID string    `json:"source_chat_id"` // 源聊天ID
	DestChatID   string    `json:"dest_chat_id"`   // 目标聊天ID，由 mapper 填充
	SenderID     string    `json:"sender_id"`      // 发送者ID
	SenderName   string    `json:"sender_name"`    // 发送者展示名
	Kind         Kind      `json:"kind"`           // 规范化类型
	RawType      string    `json:"raw_type"`       // 原始类型码，仅用于诊断
	Payload      Payload   `json:"payload"`
	ReplyTo      string    `json:"reply_to,omitempty"` // 被引用消息的源ID
	Quote        string    `json:"quote,omitempty"`    // 被引用消息的正文，平台提供时才有
	Outgoing     bool      `json:"outgoing"`           // 本人在源平台发出的消息
	Raw          string    `json:"-"`                  // 原始内容，媒体下载需要
	Timestamp    time.Time `json:"timestamp"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Payload 消息负载，仅一个分支非空
type Payload struct {
	Text       *Text       `json:"text,omitempty"`
	Media      *Media      `json:"media,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	Structured *Structured `json:"structured,omitempty"`
}

// Text 文本
type Text struct {
	Body string `json:"body"`
}

// Media 媒体引用
type Media struct {
	URL      string        `json:"url,omitempty"`    // 可直接访问的地址
	Handle   string        `json:"handle,omitempty"` // 平台内部句柄 (file_id / md5)
	MIMEHint string        `json:"mime_hint,omitempty"`
	FileName string        `json:"file_name,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Data     []byte        `json:"-"` // 下载后或转码后的内容
}

// Location 位置
type Location struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label,omitempty"`
}

// Structured 卡片、转账、小程序、引用等结构化内容
type Structured struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// NewText 创建文本负载
func NewText(body string) Payload {
	return Payload{Text: &Text{Body: body}}
}

// arms 统计非空分支数
func (p Payload) arms() int {
	n := 0
	if p.Text != nil {
		n++
	}
	if p.Media != nil {
		n++
	}
	if p.Location != nil {
		n++
	}
	if p.Structured != nil {
		n++
	}
	return n
}

// ChatKey 源聊天的去重/排序键
func (m *Message) ChatKey() string {
	return string(m.Source) + ":" + m.SourceChatID
}

// DestKey 目标聊天的派发键
func (m *Message) DestKey() string {
	return string(m.Source.Opposite()) + ":" + m.DestChatID
}

// DedupKey 全局唯一的去重键
func (m *Message) DedupKey() string {
	return m.ChatKey() + ":" + m.ID
}

// maxClockSkew 源时间超过当前时间这么多视为无效
const maxClockSkew = 24 * time.Hour

// Stamp 设置到达时间，并在源时间缺失或无效时回落到到达时间
func (m *Message) Stamp(now time.Time) {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}
	if m.Timestamp.IsZero() || m.Timestamp.Unix() <= 0 || m.Timestamp.After(now.Add(maxClockSkew)) {
		m.Timestamp = m.ReceivedAt
	}
}

// ErrInvalidMessage 消息缺少必需字段
var ErrInvalidMessage = errors.New("invalid message")

// Validate 校验入队前的必需字段
func (m *Message) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil", ErrInvalidMessage)
	case !m.Source.Valid():
		return fmt.Errorf("%w: unknown source platform %q", ErrInvalidMessage, m.Source)
	case m.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	case m.SourceChatID == "":
		return fmt.Errorf("%w: empty source chat", ErrInvalidMessage)
	case m.Payload.arms() > 1:
		return fmt.Errorf("%w: payload has %d arms", ErrInvalidMessage, m.Payload.arms())
	case m.Payload.Media != nil && !m.Kind.IsMedia():
		return fmt.Errorf("%w: media payload on %s message", ErrInvalidMessage, m.Kind)
	}
	return nil
}
