package channels

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/types"
	"github.com/tidwall/gjson"
)

// Presence 微信账号在线状态
type Presence int

const (
	PresenceUnknown Presence = iota
	PresenceOnline
	PresenceOffline
)

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	}
	return "unknown"
}

// 回调 Message 字段的已知取值
const (
	callbackNewMessages = "成功"
	callbackLoggedOut   = "用户可能退出"
)

// Envelope 一次回调或同步返回的解码结果
type Envelope struct {
	Presence Presence
	Messages []*bus.Message
	Skipped  int
	// Failed 无法解码的条目，按原始 MsgId 记录
	Failed map[string]error
}

// DecodeCallback 解码后端推送的回调报文
func DecodeCallback(body []byte, self string) (*Envelope, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("callback body: %w", types.ErrDecode)
	}
	root := gjson.ParseBytes(body)

	env := &Envelope{Presence: PresenceOnline}
	if root.Get("Message").String() == callbackLoggedOut {
		env.Presence = PresenceOffline
	}
	decodeAddMsgs(root.Get("Data.AddMsgs"), self, env)
	return env, nil
}

func decodeAddMsgs(list gjson.Result, self string, env *Envelope) {
	list.ForEach(func(_, item gjson.Result) bool {
		msg, ok, err := DecodeAddMsg(item, self)
		switch {
		case err != nil:
			if env.Failed == nil {
				env.Failed = make(map[string]error)
			}
			env.Failed[item.Get("MsgId").String()] = err
		case !ok:
			env.Skipped++
		default:
			env.Messages = append(env.Messages, msg)
		}
		return true
	})
}

// 不会成为消息的会话
var skippedChats = []string{"notification_messages", "@placeholder_foldgroup"}

// DecodeAddMsg 将一条 AddMsg 解码为规范化消息。
// ok 为 false 表示该条目按规则跳过。
func DecodeAddMsg(r gjson.Result, self string) (*bus.Message, bool, error) {
	from := r.Get("FromUserName.string").String()
	to := r.Get("ToUserName.string").String()
	content := r.Get("Content.string").String()
	outer := r.Get("MsgType").Int()

	if outer == 51 {
		return nil, false, nil
	}
	for _, s := range skippedChats {
		if strings.HasSuffix(from, s) {
			return nil, false, nil
		}
	}

	id := r.Get("NewMsgId").String()
	if id == "" || id == "0" {
		id = r.Get("MsgId").String()
	}
	if id == "" || from == "" {
		return nil, false, fmt.Errorf("addmsg without id or sender: %w", types.ErrDecode)
	}

	msg := &bus.Message{
		ID:       id,
		Source:   bus.PlatformWeChat,
		SenderID: from,
		RawType:  strconv.FormatInt(outer, 10),
	}
	if ts := r.Get("CreateTime").Int(); ts > 0 {
		msg.Timestamp = time.Unix(ts, 0)
	}

	chat := from
	if from == self {
		chat = to
		msg.Outgoing = true
	}
	msg.SourceChatID = chat

	// 群消息正文以 "发送者:\n" 开头
	if strings.HasSuffix(chat, "@chatroom") && !msg.Outgoing {
		if sender, rest, found := strings.Cut(content, ":\n"); found && !strings.ContainsAny(sender, " <") {
			msg.SenderID = sender
			content = rest
		}
	}
	msg.SenderName = senderName(r.Get("PushContent").String(), msg.SenderID)

	code := msg.RawType
	var doc *wxXML
	if outer != 1 {
		parsed, err := parseXML(content)
		if err != nil && (outer == 49 || outer == 10002 || outer == 50) {
			return nil, false, fmt.Errorf("msg %s type %d: %v: %w", id, outer, err, types.ErrDecode)
		}
		doc = parsed
		if doc != nil {
			switch outer {
			case 49:
				if doc.AppMsg != nil {
					code = strings.TrimSpace(doc.AppMsg.Type)
				}
			case 10002, 50:
				code = doc.Type
			}
		}
	}
	if bus.Ignored(code) {
		return nil, false, nil
	}

	msg.Kind = bus.Normalize(code)
	msg.RawType = code
	msg.Raw = content

	// 自己在微信上的撤回不回传
	if msg.Kind == bus.KindRevoke && msg.Outgoing {
		return nil, false, nil
	}

	fillPayload(msg, content, doc)
	return msg, true, nil
}

// senderName 从 PushContent ("昵称 : 内容") 提取展示名
func senderName(push, fallback string) string {
	if name, _, ok := strings.Cut(push, " : "); ok && name != "" {
		return name
	}
	return fallback
}

func fillPayload(msg *bus.Message, content string, doc *wxXML) {
	if doc == nil {
		doc = &wxXML{}
	}
	app := doc.AppMsg
	if app == nil {
		app = &wxAppMsg{}
	}

	switch msg.Kind {
	case bus.KindText:
		msg.Payload = bus.NewText(content)
	case bus.KindPhoto:
		m := &bus.Media{Handle: msg.ID, MIMEHint: "image/jpeg", FileName: msg.ID + ".jpg"}
		if doc.Img != nil {
			m.Size = atoi64(doc.Img.Length)
		}
		msg.Payload.Media = m
	case bus.KindVoice:
		m := &bus.Media{Handle: msg.ID, MIMEHint: "audio/silk", FileName: msg.ID + ".silk"}
		if doc.Voice != nil {
			m.Size = atoi64(doc.Voice.Length)
			m.Duration = time.Duration(atoi64(doc.Voice.VoiceLength)) * time.Millisecond
		}
		msg.Payload.Media = m
	case bus.KindVideo:
		m := &bus.Media{Handle: msg.ID, MIMEHint: "video/mp4", FileName: msg.ID + ".mp4"}
		if doc.Video != nil {
			m.Size = atoi64(doc.Video.Length)
			m.Duration = time.Duration(atoi64(doc.Video.PlayLength)) * time.Second
		}
		msg.Payload.Media = m
	case bus.KindSticker:
		m := &bus.Media{Handle: msg.ID, MIMEHint: "image/gif", FileName: msg.ID + ".gif"}
		if doc.Emoji != nil {
			m.URL = doc.Emoji.CDNURL
			m.Handle = doc.Emoji.MD5
			m.Size = atoi64(doc.Emoji.Len)
		}
		msg.Payload.Media = m
	case bus.KindFile:
		msg.Payload.Media = &bus.Media{
			Handle:   app.AppAttach.AttachID,
			FileName: app.Title,
			Size:     atoi64(app.AppAttach.TotalLen),
		}
	case bus.KindLocation:
		if doc.Location != nil {
			label := doc.Location.PoiName
			if label == "" {
				label = doc.Location.Label
			}
			msg.Payload.Location = &bus.Location{Lat: doc.Location.X, Lon: doc.Location.Y, Label: label}
		}
	case bus.KindLink:
		msg.Payload.Structured = &bus.Structured{Title: app.Title, Description: app.Des, URL: app.URL}
	case bus.KindChatRecord:
		msg.Payload.Structured = &bus.Structured{Title: app.Title, Description: app.Des}
	case bus.KindMiniProgram:
		msg.Payload.Structured = &bus.Structured{Title: app.Title, Description: app.SourceDisplayName}
	case bus.KindChannelVideo:
		msg.Payload.Structured = &bus.Structured{Title: app.FinderFeed.Nickname, Description: app.FinderFeed.Desc}
	case bus.KindGroupNote:
		msg.Payload.Structured = &bus.Structured{Title: app.Title}
	case bus.KindTransfer, bus.KindRedPacket:
		desc := app.WCPayInfo.FeeDesc
		if desc == "" {
			desc = app.Des
		}
		msg.Payload.Structured = &bus.Structured{Title: app.Title, Description: desc}
	case bus.KindQuote:
		msg.Payload = bus.NewText(app.Title)
		if app.ReferMsg != nil {
			msg.ReplyTo = strings.TrimSpace(app.ReferMsg.SvrID)
			msg.Quote = app.ReferMsg.Content
		}
	case bus.KindBusinessCard:
		msg.Payload.Structured = &bus.Structured{
			Title:  doc.Nickname,
			Fields: map[string]string{"wxid": doc.Username},
		}
	case bus.KindRevoke:
		if doc.Revoke != nil {
			msg.Payload = bus.NewText(doc.Revoke.ReplaceMsg)
			msg.ReplyTo = strings.TrimSpace(doc.Revoke.NewMsgID)
		}
	case bus.KindPat:
		if doc.Pat != nil {
			msg.Payload = bus.NewText(patTemplate.ReplaceAllString(doc.Pat.Template, "$1"))
		}
	}
}

var patTemplate = regexp.MustCompile(`\$\{([^}]+)\}`)

// wxXML 消息正文的 XML 结构，根元素可能是 msg、sysmsg 或 voipmsg
type wxXML struct {
	XMLName  xml.Name
	Type     string       `xml:"type,attr"`
	Username string       `xml:"username,attr"`
	Nickname string       `xml:"nickname,attr"`
	AppMsg   *wxAppMsg    `xml:"appmsg"`
	Img      *wxImg       `xml:"img"`
	Voice    *wxVoice     `xml:"voicemsg"`
	Video    *wxVideo     `xml:"videomsg"`
	Emoji    *wxEmoji     `xml:"emoji"`
	Location *wxLocation  `xml:"location"`
	Revoke   *wxRevokeMsg `xml:"revokemsg"`
	Pat      *wxPat       `xml:"pat"`
}

type wxAppMsg struct {
	AppID             string `xml:"appid,attr"`
	Type              string `xml:"type"`
	Title             string `xml:"title"`
	Des               string `xml:"des"`
	URL               string `xml:"url"`
	SourceDisplayName string `xml:"sourcedisplayname"`
	AppAttach         struct {
		TotalLen string `xml:"totallen"`
		AttachID string `xml:"attachid"`
		FileExt  string `xml:"fileext"`
	} `xml:"appattach"`
	ReferMsg *struct {
		SvrID       string `xml:"svrid"`
		Content     string `xml:"content"`
		DisplayName string `xml:"displayname"`
	} `xml:"refermsg"`
	FinderFeed struct {
		Nickname string `xml:"nickname"`
		Desc     string `xml:"desc"`
	} `xml:"finderFeed"`
	WCPayInfo struct {
		FeeDesc string `xml:"feedesc"`
	} `xml:"wcpayinfo"`
}

type wxImg struct {
	AESKey       string `xml:"aeskey,attr"`
	CDNBigImgURL string `xml:"cdnbigimgurl,attr"`
	CDNMidImgURL string `xml:"cdnmidimgurl,attr"`
	CDNThumbURL  string `xml:"cdnthumburl,attr"`
	Length       string `xml:"length,attr"`
	HDLength     string `xml:"hdlength,attr"`
}

type wxVoice struct {
	Length      string `xml:"length,attr"`
	VoiceLength string `xml:"voicelength,attr"`
	BufID       string `xml:"bufid,attr"`
}

type wxVideo struct {
	Length     string `xml:"length,attr"`
	PlayLength string `xml:"playlength,attr"`
}

type wxEmoji struct {
	MD5    string `xml:"md5,attr"`
	Len    string `xml:"len,attr"`
	CDNURL string `xml:"cdnurl,attr"`
}

type wxLocation struct {
	X       float64 `xml:"x,attr"`
	Y       float64 `xml:"y,attr"`
	Label   string  `xml:"label,attr"`
	PoiName string  `xml:"poiname,attr"`
}

type wxRevokeMsg struct {
	NewMsgID   string `xml:"newmsgid"`
	ReplaceMsg string `xml:"replacemsg"`
}

type wxPat struct {
	Template string `xml:"template"`
}

func parseXML(content string) (*wxXML, error) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "<") {
		return nil, fmt.Errorf("content is not xml")
	}
	var doc wxXML
	if err := xml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
