package gateway

import (
	"errors"
	"net/http"

	telegrambot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

// UpdateParser 解析 Telegram webhook 请求，*channels.TelegramChannel 实现了它
type UpdateParser interface {
	HandleUpdate(r *http.Request) (*telegrambot.Update, error)
}

// WithTelegramWebhook 在同一个服务器上挂载 Telegram webhook
func (s *Server) WithTelegramWebhook(path string, parser UpdateParser) *Server {
	s.webhookPath = path
	s.updates = parser
	return s
}

// handleTelegram 处理一次 webhook 推送。
// 非 2xx 会让 Telegram 稍后重发同一更新，所以只有可重试的失败才返回 503。
func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)
	update, err := s.updates.HandleUpdate(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": "body too large"})
			return
		}
		logger.Warn("Malformed telegram update", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	msg, ok := channels.DecodeUpdate(*update)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": true})
		return
	}

	verdict, err := s.relay.Ingest(r.Context(), msg)
	switch {
	case err == nil:
	case types.Classify(err) == types.Permanent:
		logger.Warn("Telegram update rejected",
			zap.Int("update_id", update.UpdateID),
			zap.String("chat", msg.SourceChatID),
			zap.Error(err))
	default:
		logger.Error("Telegram update handoff failed, leaving it to redelivery",
			zap.Int("update_id", update.UpdateID),
			zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"duplicate": err == nil && verdict == store.DuplicateRejected,
	})
}
