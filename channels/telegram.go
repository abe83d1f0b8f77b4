package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	telegrambot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

// TelegramChannel Telegram Bot 通道
type TelegramChannel struct {
	bot          *telegrambot.BotAPI
	client       *http.Client
	fileEndpoint string
	pollTimeout  int
}

// NewTelegramChannel 创建 Telegram 通道，会调用一次 getMe 校验 token
func NewTelegramChannel(cfg config.TelegramConfig) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = telegrambot.APIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// 长轮询请求需要比轮询时长多留出余量
	client := &http.Client{Timeout: timeout + time.Duration(cfg.PollTimeout)*time.Second}

	bot, err := telegrambot.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		bot:          bot,
		client:       client,
		fileEndpoint: strings.Replace(endpoint, "/bot%s/", "/file/bot%s/", 1),
		pollTimeout:  cfg.PollTimeout,
	}, nil
}

// Platform 返回平台标识
func (c *TelegramChannel) Platform() bus.Platform {
	return bus.PlatformTelegram
}

// Start 记录 bot 信息
func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.Info("Telegram bot started",
		zap.String("bot_name", c.bot.Self.UserName),
		zap.String("bot_id", strconv.FormatInt(c.bot.Self.ID, 10)),
	)
	return nil
}

// BotID 返回 bot 自身的用户ID
func (c *TelegramChannel) BotID() int64 {
	return c.bot.Self.ID
}

// Send 发送消息
func (c *TelegramChannel) Send(ctx context.Context, msg *bus.Message) (Receipt, error) {
	chatID, err := ParseChatID(msg.DestChatID)
	if err != nil {
		return Receipt{}, types.NewPermanent("telegram send", 0, err)
	}

	var replyTo int
	if msg.ReplyTo != "" {
		if id, err := strconv.Atoi(msg.ReplyTo); err == nil {
			replyTo = id
		} else {
			logger.Warn("Invalid reply_to id for telegram", zap.String("id", msg.ReplyTo), zap.Error(err))
		}
	}

	chattable := c.build(chatID, replyTo, msg)
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	sent, err := c.bot.Send(chattable)
	if err != nil {
		return Receipt{}, convertError("telegram send", err)
	}

	logger.Debug("Telegram message sent",
		zap.Int64("chat_id", chatID),
		zap.Int("message_id", sent.MessageID),
		zap.String("kind", string(msg.Kind)),
	)
	return Receipt{ID: strconv.Itoa(sent.MessageID)}, nil
}

// build 按负载选择发送方法
func (c *TelegramChannel) build(chatID int64, replyTo int, msg *bus.Message) telegrambot.Chattable {
	p := msg.Payload
	caption := Header(msg)

	if m := p.Media; m != nil && len(m.Data) > 0 {
		file := telegrambot.FileBytes{Name: m.FileName, Bytes: m.Data}
		if file.Name == "" {
			file.Name = msg.ID
		}
		switch msg.Kind {
		case bus.KindVoice:
			v := telegrambot.NewVoice(chatID, file)
			v.Duration = int(m.Duration.Seconds())
			v.Caption = caption
			v.ReplyToMessageID = replyTo
			return v
		case bus.KindVideo, bus.KindChannelVideo:
			v := telegrambot.NewVideo(chatID, file)
			v.Duration = int(m.Duration.Seconds())
			v.SupportsStreaming = true
			v.Caption = caption
			v.ReplyToMessageID = replyTo
			return v
		case bus.KindSticker:
			a := telegrambot.NewAnimation(chatID, file)
			a.Caption = caption
			a.ReplyToMessageID = replyTo
			return a
		case bus.KindPhoto:
			ph := telegrambot.NewPhoto(chatID, file)
			ph.Caption = caption
			ph.ReplyToMessageID = replyTo
			return ph
		default:
			d := telegrambot.NewDocument(chatID, file)
			d.Caption = caption
			d.ReplyToMessageID = replyTo
			return d
		}
	}

	if l := p.Location; l != nil {
		if l.Label != "" {
			v := telegrambot.NewVenue(chatID, l.Label, caption, l.Lat, l.Lon)
			v.ReplyToMessageID = replyTo
			return v
		}
		loc := telegrambot.NewLocation(chatID, l.Lat, l.Lon)
		loc.ReplyToMessageID = replyTo
		return loc
	}

	text := RenderText(msg)
	if caption != "" {
		text = caption + "\n" + text
	}
	m := telegrambot.NewMessage(chatID, text)
	m.ReplyToMessageID = replyTo
	m.DisableWebPagePreview = p.Structured == nil
	return m
}

// Delete 删除一条 Telegram 消息
func (c *TelegramChannel) Delete(ctx context.Context, chatID, msgID, _ string) error {
	cid, err := ParseChatID(chatID)
	if err != nil {
		return types.NewPermanent("telegram delete", 0, err)
	}
	mid, err := strconv.Atoi(msgID)
	if err != nil {
		return types.NewPermanent("telegram delete", 0, fmt.Errorf("invalid message id %q: %w", msgID, err))
	}
	if _, err := c.bot.Request(telegrambot.NewDeleteMessage(cid, mid)); err != nil {
		return convertError("telegram delete", err)
	}
	return nil
}

// Notify 向指定聊天发送一条文本通知
func (c *TelegramChannel) Notify(ctx context.Context, chatID int64, text string) error {
	if _, err := c.bot.Send(telegrambot.NewMessage(chatID, text)); err != nil {
		return convertError("telegram notify", err)
	}
	return nil
}

// Updates 长轮询获取 offset 之后的更新，ctx 取消时立即返回
func (c *TelegramChannel) Updates(ctx context.Context, offset int) ([]telegrambot.Update, error) {
	u := telegrambot.NewUpdate(offset)
	u.Timeout = c.pollTimeout
	u.AllowedUpdates = []string{"message"}

	type result struct {
		updates []telegrambot.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := c.bot.GetUpdates(u)
		done <- result{updates, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, convertError("telegram getUpdates", r.err)
		}
		return r.updates, nil
	}
}

// SetWebhook 让 Telegram 把更新推到 link，此后 getUpdates 不再可用
func (c *TelegramChannel) SetWebhook(link string) error {
	wh, err := telegrambot.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	wh.AllowedUpdates = []string{"message"}
	if _, err := c.bot.Request(wh); err != nil {
		return convertError("telegram setWebhook", err)
	}
	logger.Info("Telegram webhook registered", zap.String("host", wh.URL.Host))
	return nil
}

// DeleteWebhook 撤销 webhook，回到 getUpdates 长轮询
func (c *TelegramChannel) DeleteWebhook() error {
	if _, err := c.bot.Request(telegrambot.DeleteWebhookConfig{}); err != nil {
		return convertError("telegram deleteWebhook", err)
	}
	return nil
}

// HandleUpdate 解析一次 webhook 推送
func (c *TelegramChannel) HandleUpdate(r *http.Request) (*telegrambot.Update, error) {
	return c.bot.HandleUpdate(r)
}

// Fetch 下载 Telegram 文件
func (c *TelegramChannel) Fetch(ctx context.Context, msg *bus.Message) ([]byte, error) {
	if msg.Payload.Media == nil || msg.Payload.Media.Handle == "" {
		return nil, fmt.Errorf("message %s has no file", msg.ID)
	}
	file, err := c.bot.GetFile(telegrambot.FileConfig{FileID: msg.Payload.Media.Handle})
	if err != nil {
		return nil, convertError("telegram getFile", err)
	}

	url := fmt.Sprintf(c.fileEndpoint, c.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewTransient("telegram download", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.StatusError("telegram download", resp.StatusCode, nil)
	}
	return io.ReadAll(resp.Body)
}

// convertError 将 Bot API 错误转换为带分类的投递错误
func convertError(op string, err error) error {
	var apiErr *telegrambot.Error
	if errors.As(err, &apiErr) {
		return apiError(op, *apiErr)
	}
	var apiErrVal telegrambot.Error
	if errors.As(err, &apiErrVal) {
		return apiError(op, apiErrVal)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.NewTransient(op, 0, err)
}

func apiError(op string, e telegrambot.Error) error {
	err := types.StatusError(op, e.Code, errors.New(e.Message))
	var de *types.DeliveryError
	if errors.As(err, &de) && e.RetryAfter > 0 {
		de.RetryAfter = time.Duration(e.RetryAfter) * time.Second
	}
	return err
}

// DecodeUpdate 将 Telegram 更新转换为规范化消息。
// 非消息更新和 bot 自己发出的消息返回 ok=false。
func DecodeUpdate(u telegrambot.Update) (*bus.Message, bool) {
	m := u.Message
	if m == nil || m.Chat == nil {
		return nil, false
	}

	msg := &bus.Message{
		ID:           strconv.Itoa(m.MessageID),
		Source:       bus.PlatformTelegram,
		SourceChatID: strconv.FormatInt(m.Chat.ID, 10),
		Timestamp:    m.Time(),
	}
	if m.From != nil {
		if m.From.IsBot {
			return nil, false
		}
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if msg.SenderName == "" {
			msg.SenderName = m.From.UserName
		}
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
		msg.Quote = m.ReplyToMessage.Text
		if msg.Quote == "" {
			msg.Quote = m.ReplyToMessage.Caption
		}
	}

	code, payload := updatePayload(m)
	msg.RawType = bus.TelegramPrefix + code
	msg.Kind = bus.Normalize(msg.RawType)
	msg.Payload = payload
	return msg, true
}

func updatePayload(m *telegrambot.Message) (string, bus.Payload) {
	media := func(fileID, name, mime string, size int64, seconds int) bus.Payload {
		return bus.Payload{Media: &bus.Media{
			Handle:   fileID,
			FileName: name,
			MIMEHint: mime,
			Size:     size,
			Duration: time.Duration(seconds) * time.Second,
		}}
	}

	switch {
	case m.Text != "":
		return "text", bus.NewText(m.Text)
	case len(m.Photo) > 0:
		ph := m.Photo[len(m.Photo)-1]
		return "photo", media(ph.FileID, ph.FileUniqueID+".jpg", "image/jpeg", int64(ph.FileSize), 0)
	case m.Voice != nil:
		return "voice", media(m.Voice.FileID, m.Voice.FileUniqueID+".ogg", m.Voice.MimeType, int64(m.Voice.FileSize), m.Voice.Duration)
	case m.Audio != nil:
		return "audio", media(m.Audio.FileID, m.Audio.FileName, m.Audio.MimeType, int64(m.Audio.FileSize), m.Audio.Duration)
	case m.Video != nil:
		return "video", media(m.Video.FileID, m.Video.FileName, m.Video.MimeType, int64(m.Video.FileSize), m.Video.Duration)
	case m.VideoNote != nil:
		return "video_note", media(m.VideoNote.FileID, m.VideoNote.FileUniqueID+".mp4", "video/mp4", int64(m.VideoNote.FileSize), m.VideoNote.Duration)
	case m.Animation != nil:
		return "animation", media(m.Animation.FileID, m.Animation.FileName, m.Animation.MimeType, int64(m.Animation.FileSize), m.Animation.Duration)
	case m.Sticker != nil:
		return "sticker", media(m.Sticker.FileID, m.Sticker.FileUniqueID+".webp", "image/webp", int64(m.Sticker.FileSize), 0)
	case m.Venue != nil:
		return "venue", bus.Payload{Location: &bus.Location{Lat: m.Venue.Location.Latitude, Lon: m.Venue.Location.Longitude, Label: m.Venue.Title}}
	case m.Location != nil:
		return "location", bus.Payload{Location: &bus.Location{Lat: m.Location.Latitude, Lon: m.Location.Longitude}}
	case m.Document != nil:
		return "document", media(m.Document.FileID, m.Document.FileName, m.Document.MimeType, int64(m.Document.FileSize), 0)
	case m.Contact != nil:
		name := strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName)
		return "contact", bus.Payload{Structured: &bus.Structured{
			Title:  name,
			Fields: map[string]string{"phone": m.Contact.PhoneNumber},
		}}
	}
	return "unknown", bus.Payload{}
}
