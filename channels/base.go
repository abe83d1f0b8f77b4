// Package channels 封装两端平台的收发：微信自动化后端与 Telegram Bot API。
package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallnest/wegram/bus"
)

// Channel 平台适配器接口
type Channel interface {
	// Platform 返回平台标识
	Platform() bus.Platform

	// Send 发送消息到 msg.DestChatID，返回目标平台的消息回执
	Send(ctx context.Context, msg *bus.Message) (Receipt, error)

	// Fetch 下载该平台消息中的媒体内容
	Fetch(ctx context.Context, msg *bus.Message) ([]byte, error)

	// Delete 删除或撤回本平台上的一条消息
	Delete(ctx context.Context, chatID, msgID, meta string) error
}

// Receipt 发送回执
type Receipt struct {
	ID   string
	Meta string // 撤回时需要的附加信息
}

// starter 需要在启动时做连通性检查的通道
type starter interface {
	Start(ctx context.Context) error
}

// RenderText 将非媒体负载渲染为纯文本
func RenderText(msg *bus.Message) string {
	p := msg.Payload
	switch {
	case p.Text != nil:
		return p.Text.Body
	case p.Structured != nil:
		var lines []string
		for _, s := range []string{p.Structured.Title, p.Structured.Description, p.Structured.URL} {
			if s = strings.TrimSpace(s); s != "" {
				lines = append(lines, s)
			}
		}
		return strings.Join(lines, "\n")
	case p.Location != nil:
		coords := fmt.Sprintf("%.6f,%.6f", p.Location.Lat, p.Location.Lon)
		if p.Location.Label != "" {
			return p.Location.Label + "\n" + coords
		}
		return coords
	}
	return ""
}

// ParseChatID 将 Telegram 聊天ID字符串转为整数
func ParseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return id, nil
}

// Header 返回转发到 Telegram 时放在正文前的发送者名，仅群消息需要
func Header(msg *bus.Message) string {
	if msg.Source != bus.PlatformWeChat || msg.Outgoing {
		return ""
	}
	if strings.HasSuffix(msg.SourceChatID, "@chatroom") {
		return msg.SenderName
	}
	return ""
}
