package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/media"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

// deliver 是派发器的处理函数，每次重试都会再次调用。
// 媒体在此之前已由 prepare 下载并转码，结果写在 msg 上。
func (r *Relay) deliver(ctx context.Context, msg *bus.Message) error {
	dest := msg.Source.Opposite()
	ch, ok := r.channels.Get(dest)
	if !ok {
		return types.NewPermanent("deliver", 0, fmt.Errorf("no channel for %s", dest))
	}

	if msg.Kind == bus.KindRevoke {
		if done, err := r.revoke(ctx, ch, msg); done {
			return err
		}
		if strings.TrimSpace(channels.RenderText(msg)) == "" {
			msg.Payload = bus.NewText("[" + msg.Kind.Label(r.opts.Lang) + "]")
		}
	}

	out := r.outbound(ctx, msg)
	rcpt, err := ch.Send(ctx, out)
	if err != nil {
		return err
	}

	link := store.MessageLink{
		SrcPlatform: string(msg.Source),
		SrcChat:     msg.SourceChatID,
		SrcID:       msg.ID,
		DstPlatform: string(dest),
		DstChat:     msg.DestChatID,
		DstID:       rcpt.ID,
		DstMeta:     rcpt.Meta,
	}
	if rcpt.ID != "" {
		if err := r.links.SaveLink(ctx, link); err != nil {
			logger.Warn("Failed to save message link",
				zap.String("chat", msg.ChatKey()),
				zap.String("msg_id", msg.ID),
				zap.Error(err))
		}
	}

	logger.Debug("Message relayed",
		zap.String("from", msg.ChatKey()),
		zap.String("to", msg.DestKey()),
		zap.String("msg_id", msg.ID),
		zap.String("dst_id", rcpt.ID),
		zap.String("kind", string(msg.Kind)))
	return nil
}

// revoke 删除之前转发到对端的消息。done=false 表示找不到原消息，按普通通知发送。
func (r *Relay) revoke(ctx context.Context, ch channels.Channel, msg *bus.Message) (bool, error) {
	if msg.ReplyTo == "" {
		return false, nil
	}
	link, ok, err := r.links.FindBySource(ctx, string(msg.Source), msg.SourceChatID, msg.ReplyTo)
	if err != nil {
		return true, types.NewTransient("revoke lookup", 0, err)
	}
	if !ok {
		return false, nil
	}

	err = ch.Delete(ctx, link.DstChat, link.DstID, link.DstMeta)
	if err == nil {
		logger.Info("Revoked relayed message",
			zap.String("chat", msg.ChatKey()),
			zap.String("msg_id", msg.ReplyTo),
			zap.String("dst_id", link.DstID))
		return true, nil
	}
	if types.Classify(err) == types.Retryable {
		return true, err
	}
	// 过期或无权删除时退回到文字通知
	logger.Warn("Revoke failed, sending notice instead",
		zap.String("chat", msg.ChatKey()),
		zap.String("dst_id", link.DstID),
		zap.Error(err))
	return false, nil
}

// prepare 下载媒体并在需要时转码，失败按策略降级为文字占位。
// 由派发器在发送前调用，不占用发送名额，有独立的时间预算。
func (r *Relay) prepare(ctx context.Context, msg *bus.Message) error {
	m := msg.Payload.Media
	if m == nil || len(m.Data) > 0 {
		return nil
	}

	src, ok := r.channels.Get(msg.Source)
	if !ok {
		r.degrade(msg, fmt.Errorf("no channel for %s", msg.Source))
		return nil
	}
	data, err := src.Fetch(ctx, msg)
	if err != nil {
		if types.Classify(err) == types.Retryable {
			return err
		}
		r.degrade(msg, err)
		return nil
	}

	dest := msg.Source.Opposite()
	codec := media.Sniff(data)
	if r.transcoder == nil || !msg.Kind.NeedsTranscode() || media.Playable(dest, msg.Kind, codec) {
		m.Data = data
		if m.MIMEHint == "" {
			m.MIMEHint = media.MIME(codec, msg.Kind)
		}
		return nil
	}

	dst, _ := media.Target(dest, msg.Kind, codec)
	in := *m
	in.Data = data
	out, err := r.transcoder.Transcode(ctx, &in, codec, dst)
	if err != nil {
		// 只有关闭才放弃；预算耗尽和转码器超时一样算转码失败
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		if r.opts.HardFail {
			return fmt.Errorf("%w: %v", types.ErrTranscodeFailed, err)
		}
		r.degrade(msg, err)
		return nil
	}
	msg.Payload.Media = out
	return nil
}

// degrade 将媒体消息替换为 "<sender>\n[<label>]" 加原始链接
func (r *Relay) degrade(msg *bus.Message, cause error) {
	label := "[" + msg.Kind.Label(r.opts.Lang) + "]"
	var lines []string
	// 群消息的发送者由通道作为前缀补上
	if channels.Header(msg) == "" && msg.SenderName != "" && !msg.Outgoing {
		lines = append(lines, msg.SenderName)
	}
	lines = append(lines, label)
	if m := msg.Payload.Media; m != nil && m.URL != "" {
		lines = append(lines, m.URL)
	}

	logger.Warn("Media degraded to placeholder",
		zap.String("chat", msg.ChatKey()),
		zap.String("msg_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.Error(cause))
	msg.Payload = bus.NewText(strings.Join(lines, "\n"))
}

// outbound 返回实际发送的副本：换算回复ID，补引用文本和本人前缀。
// 不修改 msg，重试时不会重复叠加前缀。
func (r *Relay) outbound(ctx context.Context, msg *bus.Message) *bus.Message {
	out := *msg
	out.ReplyTo = ""

	replyTo, linked := r.replyTarget(ctx, msg)
	quote := strings.TrimSpace(msg.Quote)
	switch {
	case linked && msg.Source.Opposite() == bus.PlatformTelegram:
		out.ReplyTo = replyTo
	case quote != "":
		out.Payload = prefixText(out.Payload, "「"+quote+"」")
	}

	if msg.Outgoing {
		out.Payload = prefixText(out.Payload, text(r.opts.Lang, "me"))
	}
	return &out
}

// replyTarget 在目标平台上找到被引用消息的ID
func (r *Relay) replyTarget(ctx context.Context, msg *bus.Message) (string, bool) {
	if msg.ReplyTo == "" {
		return "", false
	}
	dest := msg.Source.Opposite()

	// 被引用的消息由本端转发过去
	link, ok, err := r.links.FindBySource(ctx, string(msg.Source), msg.SourceChatID, msg.ReplyTo)
	if err == nil && ok && link.DstPlatform == string(dest) {
		return link.DstID, true
	}
	// 被引用的消息本身是从对端转发过来的
	link, ok, err = r.links.FindByDest(ctx, string(msg.Source), msg.SourceChatID, msg.ReplyTo)
	if err == nil && ok && link.SrcPlatform == string(dest) {
		return link.SrcID, true
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("Reply link lookup failed", zap.String("msg_id", msg.ReplyTo), zap.Error(err))
	}
	return "", false
}

// prefixText 在文本负载前加一行，非文本负载保持不变
func prefixText(p bus.Payload, line string) bus.Payload {
	if p.Text == nil {
		return p
	}
	return bus.NewText(line + "\n" + p.Text.Body)
}
