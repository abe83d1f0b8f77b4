package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

// botCommand 一条 /bind 或 /unbind
type botCommand struct {
	name   string
	arg    string
	chatID int64
}

// asCommand 识别 Telegram 群里的 /bind 与 /unbind，这类消息不再转发
func asCommand(msg *bus.Message) (botCommand, bool) {
	if msg.Source != bus.PlatformTelegram || msg.Payload.Text == nil {
		return botCommand{}, false
	}
	name, arg, ok := parseCommand(msg.Payload.Text.Body)
	if !ok || (name != "bind" && name != "unbind") {
		return botCommand{}, false
	}
	chatID, err := channels.ParseChatID(msg.SourceChatID)
	if err != nil {
		return botCommand{}, false
	}
	return botCommand{name: name, arg: arg, chatID: chatID}, true
}

// command 先经过去重闸门，同一条命令重投时不会再执行一次
func (r *Relay) command(ctx context.Context, msg *bus.Message, cmd botCommand) (store.Verdict, error) {
	verdict, err := r.gate.Admit(ctx, msg.ChatKey(), msg.ID, func() error { return nil })
	if err != nil {
		return 0, types.NewTransient("admit command", 0, err)
	}
	if verdict == store.DuplicateRejected {
		logger.Debug("Duplicate command ignored",
			zap.String("chat", msg.ChatKey()),
			zap.String("msg_id", msg.ID))
		return verdict, nil
	}
	r.runCommand(ctx, msg, cmd)
	return store.Admitted, nil
}

func (r *Relay) runCommand(ctx context.Context, msg *bus.Message, cmd botCommand) {
	name, arg, chatID := cmd.name, cmd.arg, cmd.chatID

	var reply string
	switch {
	case r.opts.OwnerChatID != 0 && msg.SenderID != fmt.Sprint(r.opts.OwnerChatID):
		reply = text(r.opts.Lang, "not_allowed")
	case name == "bind" && arg == "":
		reply = text(r.opts.Lang, "bind_usage")
	case name == "bind":
		if err := r.mapper.Bind(ctx, arg, chatID, "command"); err != nil {
			reply = fmt.Sprintf(text(r.opts.Lang, "bind_failed"), err)
		} else {
			reply = fmt.Sprintf(text(r.opts.Lang, "bind_ok"), arg)
		}
	default:
		if err := r.mapper.Unbind(ctx, chatID); err != nil {
			reply = fmt.Sprintf(text(r.opts.Lang, "unbind_failed"), err)
		} else {
			reply = text(r.opts.Lang, "unbind_ok")
		}
	}

	logger.Info("Command handled",
		zap.String("command", name),
		zap.String("arg", arg),
		zap.Int64("chat_id", chatID),
		zap.String("sender", msg.SenderID))

	if n, ok := r.notifier(); ok {
		if err := n.Notify(ctx, chatID, reply); err != nil {
			logger.Warn("Failed to reply to command", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}

// parseCommand 解析 "/name@bot arg"
func parseCommand(body string) (name, arg string, ok bool) {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "/") {
		return "", "", false
	}
	fields := strings.Fields(body[1:])
	if len(fields) == 0 {
		return "", "", false
	}
	name, _, _ = strings.Cut(fields[0], "@")
	if len(fields) > 1 {
		arg = fields[1]
	}
	return strings.ToLower(name), arg, true
}
