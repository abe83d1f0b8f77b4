package channels

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/types"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// 分段下载的块大小
	downloadChunkSize = 65536
	// MaxMediaSize Bot API 上传文件的上限，更大的媒体不下载
	MaxMediaSize = 50 << 20
	// 预分配上限，长度来自消息 XML 或后端返回，不可全信
	maxPrealloc = 1 << 20
)

// errBackendRejected 后端返回 Success=false
var errBackendRejected = errors.New("backend rejected")

// WeChatChannel 微信自动化后端客户端
type WeChatChannel struct {
	client *resty.Client
	wxid   string
	prefix string
}

// NewWeChatChannel 创建微信后端客户端
func NewWeChatChannel(cfg config.WeChatConfig) *WeChatChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WeChatChannel{
		client: client,
		wxid:   cfg.WXID,
		prefix: cfg.ResolvedAPIPrefix(),
	}
}

// Platform 返回平台标识
func (c *WeChatChannel) Platform() bus.Platform {
	return bus.PlatformWeChat
}

// Self 返回本账号 wxid
func (c *WeChatChannel) Self() string {
	return c.wxid
}

// call 调用后端接口，返回 Data 字段
func (c *WeChatChannel) call(ctx context.Context, path string, body any) (gjson.Result, error) {
	op := "wechat " + path
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.prefix + path)
	if err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return gjson.Result{}, types.NewTransient(op, 0, err)
	}
	if resp.IsError() {
		return gjson.Result{}, types.StatusError(op, resp.StatusCode(), errors.New(snippet(resp.String())))
	}

	raw := resp.Body()
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, types.NewPermanent(op, resp.StatusCode(), fmt.Errorf("invalid json: %w", types.ErrDecode))
	}
	root := gjson.ParseBytes(raw)
	if ok := root.Get("Success"); ok.Exists() && !ok.Bool() {
		msg := root.Get("Message").String()
		// 掉线、风控等后端状态会自行恢复
		return gjson.Result{}, types.NewTransient(op, 0, fmt.Errorf("%w: %s", errBackendRejected, msg))
	}
	return root.Get("Data"), nil
}

// Send 将消息发送到微信，返回后端分配的消息ID和撤回所需的元数据
func (c *WeChatChannel) Send(ctx context.Context, msg *bus.Message) (Receipt, error) {
	to := msg.DestChatID
	var (
		data gjson.Result
		err  error
	)
	p := msg.Payload
	switch {
	case p.Media != nil && len(p.Media.Data) > 0:
		data, err = c.sendMedia(ctx, to, msg.Kind, p.Media)
	case p.Location != nil:
		data, err = c.call(ctx, "/Msg/ShareLocation", map[string]any{
			"Wxid":      c.wxid,
			"ToWxid":    to,
			"Latitude":  p.Location.Lat,
			"Longitude": p.Location.Lon,
			"Label":     p.Location.Label,
			"Poiname":   p.Location.Label,
			"Scale":     15,
		})
	default:
		data, err = c.call(ctx, "/Msg/SendTxt", map[string]any{
			"Wxid":    c.wxid,
			"ToWxid":  to,
			"Content": RenderText(msg),
			"Type":    1,
		})
	}
	if err != nil {
		return Receipt{}, err
	}
	return wechatReceipt(data, to), nil
}

func (c *WeChatChannel) sendMedia(ctx context.Context, to string, kind bus.Kind, m *bus.Media) (gjson.Result, error) {
	b64 := base64.StdEncoding.EncodeToString(m.Data)
	switch kind {
	case bus.KindVoice:
		ms := m.Duration.Milliseconds()
		if ms <= 0 {
			ms = 1000
		}
		return c.call(ctx, "/Msg/SendVoice", map[string]any{
			"Wxid":      c.wxid,
			"ToWxid":    to,
			"Base64":    b64,
			"Type":      4,
			"VoiceTime": ms,
		})
	case bus.KindVideo:
		return c.call(ctx, "/Msg/SendVideo", map[string]any{
			"Wxid":        c.wxid,
			"ToWxid":      to,
			"Base64":      b64,
			"ImageBase64": "",
			"PlayLength":  int(m.Duration.Seconds()),
		})
	case bus.KindSticker:
		return c.call(ctx, "/Msg/SendEmoji", map[string]any{
			"Wxid":     c.wxid,
			"ToWxid":   to,
			"Md5":      m.Handle,
			"TotalLen": m.Size,
		})
	case bus.KindFile:
		return c.call(ctx, "/Msg/SendFile", map[string]any{
			"Wxid":     c.wxid,
			"ToWxid":   to,
			"Base64":   b64,
			"FileName": m.FileName,
		})
	default:
		return c.call(ctx, "/Msg/UploadImg", map[string]any{
			"Wxid":   c.wxid,
			"ToWxid": to,
			"Base64": b64,
		})
	}
}

// wechatReceipt 从发送结果中提取 NewMsgId。
// 不同接口把结果放在 Data.List 或 Data 的第一个非空数组中。
func wechatReceipt(data gjson.Result, to string) Receipt {
	item := data.Get("List.0")
	if !item.Exists() {
		data.ForEach(func(_, v gjson.Result) bool {
			if v.IsArray() && len(v.Array()) > 0 {
				item = v.Array()[0]
				return false
			}
			return true
		})
	}
	if !item.Exists() {
		item = data
	}
	r := Receipt{ID: firstOf(item, "NewMsgId", "Newmsgid", "newMsgId")}
	client := firstOf(item, "ClientMsgid", "ClientImgId.string", "clientmsgid", "clientMsgId")
	created := firstOf(item, "Createtime", "createtime", "createTime", "CreateTime")
	if client != "" || created != "" {
		r.Meta = strings.Join([]string{to, client, created}, "|")
	}
	return r
}

func firstOf(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" && v.String() != "0" {
			return v.String()
		}
	}
	return ""
}

// Delete 撤回一条已发送的微信消息，meta 为发送时记录的元数据
func (c *WeChatChannel) Delete(ctx context.Context, chatID, msgID, meta string) error {
	parts := strings.SplitN(meta, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	to := parts[0]
	if to == "" {
		to = chatID
	}
	_, err := c.call(ctx, "/Msg/Revoke", map[string]any{
		"Wxid":        c.wxid,
		"ToUserName":  to,
		"NewMsgId":    msgID,
		"ClientMsgId": parts[1],
		"CreateTime":  parts[2],
	})
	return err
}

// Heartbeat 调用登录心跳，返回账号是否在线
func (c *WeChatChannel) Heartbeat(ctx context.Context) (bool, error) {
	_, err := c.call(ctx, "/Login/HeartBeat", map[string]any{"Wxid": c.wxid})
	if err != nil {
		if errors.Is(err, errBackendRejected) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Sync 拉取新消息，key 为上次返回的同步键
func (c *WeChatChannel) Sync(ctx context.Context, key string) (*Envelope, string, error) {
	data, err := c.call(ctx, "/Msg/Sync", map[string]any{
		"Wxid":    c.wxid,
		"Scene":   0,
		"Synckey": key,
	})
	if err != nil {
		return nil, key, err
	}
	env := &Envelope{Presence: PresenceOnline}
	decodeAddMsgs(data.Get("AddMsgs"), c.wxid, env)

	next := data.Get("KeyBuf.buffer").String()
	if next == "" {
		next = key
	}
	return env, next, nil
}

// Fetch 下载消息中的媒体内容
func (c *WeChatChannel) Fetch(ctx context.Context, msg *bus.Message) ([]byte, error) {
	if msg.Payload.Media == nil {
		return nil, fmt.Errorf("message %s has no media", msg.ID)
	}
	doc, _ := parseXML(msg.Raw)
	if doc == nil {
		doc = &wxXML{}
	}

	switch msg.Kind {
	case bus.KindPhoto:
		if doc.Img != nil {
			data, err := c.downloadCDNImage(ctx, doc.Img)
			if err == nil {
				return data, nil
			}
			logger.Debug("CDN image download failed, falling back to chunks",
				zap.String("msg_id", msg.ID),
				zap.Error(err))
		}
		total := int64(0)
		if doc.Img != nil {
			total = atoi64(doc.Img.HDLength)
			if total == 0 {
				total = atoi64(doc.Img.Length)
			}
		}
		return c.downloadChunks(ctx, "/Tools/DownloadImg", total, func(section map[string]any, total int64) map[string]any {
			return c.msgChunkBody(msg, section, total)
		})
	case bus.KindVideo:
		total := msg.Payload.Media.Size
		return c.downloadChunks(ctx, "/Tools/DownloadVideo", total, func(section map[string]any, total int64) map[string]any {
			return c.msgChunkBody(msg, section, total)
		})
	case bus.KindFile:
		if doc.AppMsg == nil {
			return nil, fmt.Errorf("file message %s: %w", msg.ID, types.ErrDecode)
		}
		app := doc.AppMsg
		return c.downloadChunks(ctx, "/Tools/DownloadFile", atoi64(app.AppAttach.TotalLen), func(section map[string]any, total int64) map[string]any {
			return map[string]any{
				"AppID":    app.AppID,
				"AttachId": app.AppAttach.AttachID,
				"DataLen":  total,
				"Section":  section,
				"UserName": "",
				"Wxid":     c.wxid,
			}
		})
	case bus.KindVoice:
		return c.downloadVoice(ctx, msg, doc.Voice)
	case bus.KindSticker:
		return c.downloadEmoji(ctx, msg.Payload.Media)
	}
	return nil, fmt.Errorf("kind %s has no downloadable media", msg.Kind)
}

func (c *WeChatChannel) msgChunkBody(msg *bus.Message, section map[string]any, total int64) map[string]any {
	return map[string]any{
		"CompressType": 0,
		"DataLen":      total,
		"MsgId":        atoi64(msg.ID),
		"Section":      section,
		"Wxid":         c.wxid,
		"ToWxid":       msg.SourceChatID,
	}
}

// downloadChunks 按 64KiB 分段下载并拼接。
// total 未知时先用一个整块探测后端返回的 totalLen。
func (c *WeChatChannel) downloadChunks(ctx context.Context, path string, total int64, body func(section map[string]any, total int64) map[string]any) ([]byte, error) {
	if total <= 0 {
		data, err := c.call(ctx, path, body(map[string]any{"StartPos": 0, "DataLen": downloadChunkSize}, 0))
		if err != nil {
			return nil, err
		}
		total = data.Get("totalLen").Int()
		if total <= 0 {
			return nil, types.NewPermanent("wechat "+path, 0, fmt.Errorf("unknown media length: %w", types.ErrDecode))
		}
	}
	if total > MaxMediaSize {
		return nil, types.NewPermanent("wechat "+path, 0, fmt.Errorf("media is %d bytes, limit %d", total, MaxMediaSize))
	}

	out := make([]byte, 0, min(total, maxPrealloc))
	for start := int64(0); start < total; start += downloadChunkSize {
		size := min(int64(downloadChunkSize), total-start)
		data, err := c.call(ctx, path, body(map[string]any{"StartPos": start, "DataLen": size}, total))
		if err != nil {
			return nil, err
		}
		chunk, err := decodeBuffer(data.Get("data.buffer").String())
		if err != nil {
			return nil, types.NewPermanent("wechat "+path, 0, fmt.Errorf("chunk at %d: %v: %w", start, err, types.ErrDecode))
		}
		if len(out)+len(chunk) > MaxMediaSize {
			return nil, types.NewPermanent("wechat "+path, 0, fmt.Errorf("media exceeds %d bytes", MaxMediaSize))
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (c *WeChatChannel) downloadCDNImage(ctx context.Context, img *wxImg) ([]byte, error) {
	url := img.CDNBigImgURL
	if url == "" {
		url = img.CDNMidImgURL
	}
	if url == "" {
		url = img.CDNThumbURL
	}
	if url == "" || img.AESKey == "" {
		return nil, errors.New("no cdn reference")
	}
	data, err := c.call(ctx, "/Tools/CdnDownloadImage", map[string]any{
		"FileAesKey": img.AESKey,
		"FileNo":     url,
		"Wxid":       c.wxid,
	})
	if err != nil {
		return nil, err
	}
	return decodeBuffer(data.Get("Image").String())
}

func (c *WeChatChannel) downloadVoice(ctx context.Context, msg *bus.Message, v *wxVoice) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("voice message %s: %w", msg.ID, types.ErrDecode)
	}
	data, err := c.call(ctx, "/Tools/DownloadVoice", map[string]any{
		"Bufid":        v.BufID,
		"FromUserName": msg.SourceChatID,
		"Length":       atoi64(v.Length),
		"MsgId":        atoi64(msg.ID),
		"Wxid":         c.wxid,
	})
	if err != nil {
		return nil, err
	}
	return decodeBuffer(data.Get("data.buffer").String())
}

func (c *WeChatChannel) downloadEmoji(ctx context.Context, m *bus.Media) ([]byte, error) {
	url := m.URL
	if url == "" {
		data, err := c.call(ctx, "/Tools/EmojiDownload", map[string]any{"Md5": m.Handle, "Wxid": c.wxid})
		if err != nil {
			return nil, err
		}
		url = firstOf(data, "url", "emojiList.0.url")
	}
	if url == "" {
		return nil, types.NewPermanent("wechat emoji", 0, fmt.Errorf("no url for %s", m.Handle))
	}
	resp, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, types.NewTransient("wechat emoji", 0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, types.StatusError("wechat emoji", resp.StatusCode(), nil)
	}
	return resp.Body(), nil
}

// decodeBuffer 解码 base64，去掉可能存在的 data URI 头
func decodeBuffer(s string) ([]byte, error) {
	if _, rest, ok := strings.Cut(s, ","); ok {
		s = rest
	}
	if s == "" {
		return nil, errors.New("empty buffer")
	}
	return base64.StdEncoding.DecodeString(s)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
