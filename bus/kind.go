package bus

// Kind 规范化消息类型
type Kind string

const (
	KindText         Kind = "text"
	KindPhoto        Kind = "photo"
	KindVoice        Kind = "voice"
	KindVideo        Kind = "video"
	KindSticker      Kind = "sticker"
	KindLocation     Kind = "location"
	KindLink         Kind = "link"
	KindFile         Kind = "file"
	KindChatRecord   Kind = "chat_record"
	KindMiniProgram  Kind = "mini_program"
	KindChannelVideo Kind = "channel_video"
	KindGroupNote    Kind = "group_note"
	KindQuote        Kind = "quote"
	KindTransfer     Kind = "transfer"
	KindRedPacket    Kind = "red_packet"
	KindBusinessCard Kind = "business_card"
	KindRevoke       Kind = "revoke"
	KindPat          Kind = "pat"
	KindVoIP         Kind = "voip"
	KindUnknown      Kind = "unknown"
)

// TelegramPrefix Telegram 更新类型在类型表中的前缀
const TelegramPrefix = "tg:"

// kindTable 原始类型码到规范类型，多对一
var kindTable = map[string]Kind{
	"1":    KindText,
	"3":    KindPhoto,
	"34":   KindVoice,
	"43":   KindVideo,
	"47":   KindSticker,
	"48":   KindLocation,
	"5":    KindLink,
	"49":   KindLink,
	"6":    KindFile,
	"66":   KindFile,
	"19":   KindChatRecord,
	"33":   KindMiniProgram,
	"36":   KindMiniProgram,
	"51":   KindChannelVideo,
	"63":   KindChannelVideo,
	"53":   KindGroupNote,
	"57":   KindQuote,
	"2000": KindTransfer,
	"2001": KindRedPacket,
	"42":   KindBusinessCard,

	"revokemsg":     KindRevoke,
	"pat":           KindPat,
	"VoIPBubbleMsg": KindVoIP,

	"tg:text":       KindText,
	"tg:photo":      KindPhoto,
	"tg:voice":      KindVoice,
	"tg:audio":      KindVoice,
	"tg:video":      KindVideo,
	"tg:video_note": KindVideo,
	"tg:sticker":    KindSticker,
	"tg:animation":  KindSticker,
	"tg:location":   KindLocation,
	"tg:venue":      KindLocation,
	"tg:document":   KindFile,
	"tg:contact":    KindBusinessCard,
}

// Normalize 将平台原始类型码映射为规范类型，未知类型返回 KindUnknown
func Normalize(code string) Kind {
	if k, ok := kindTable[code]; ok {
		return k
	}
	return KindUnknown
}

// blacklist 解码阶段直接跳过的类型码
var blacklist = map[string]struct{}{
	"open_chat":      {},
	"bizlivenotify":  {},
	"qy_chat_update": {},
	"74":             {},
}

// Ignored 是否为无需转发的状态类消息
func Ignored(code string) bool {
	_, ok := blacklist[code]
	return ok
}

// IsMedia 是否携带需要下载的媒体内容
func (k Kind) IsMedia() bool {
	switch k {
	case KindPhoto, KindVoice, KindVideo, KindSticker, KindFile, KindChannelVideo:
		return true
	}
	return false
}

// NeedsTranscode 是否可能需要转码
func (k Kind) NeedsTranscode() bool {
	return k == KindVoice || k == KindVideo || k == KindChannelVideo
}

var labels = map[Kind][3]string{
	// zh, ja, en
	KindText:         {"文本", "テキスト", "Text"},
	KindPhoto:        {"图片", "写真", "Photo"},
	KindVoice:        {"语音", "音声", "Voice"},
	KindVideo:        {"视频", "動画", "Video"},
	KindSticker:      {"表情", "ステッカー", "Sticker"},
	KindLocation:     {"位置", "位置", "Location"},
	KindLink:         {"链接", "リンク", "Link"},
	KindFile:         {"文件", "ファイル", "File"},
	KindChatRecord:   {"聊天记录", "チャット履歴", "Chat history"},
	KindMiniProgram:  {"小程序", "ミニプログラム", "Mini program"},
	KindChannelVideo: {"视频号", "チャンネル", "Channel video"},
	KindGroupNote:    {"群接龙", "グループノート", "Group note"},
	KindQuote:        {"引用", "引用", "Quote"},
	KindTransfer:     {"转账", "送金", "Transfer"},
	KindRedPacket:    {"红包", "ラッキマネー", "Red packet"},
	KindBusinessCard: {"联系人", "連絡先", "Contact"},
	KindRevoke:       {"撤回", "撤回", "Recalled"},
	KindPat:          {"拍一拍", "軽く叩く", "Pat"},
	KindVoIP:         {"通话", "通話", "Call"},
	KindUnknown:      {"未知", "不明", "Unknown"},
}

// Label 返回本地化的类型标签，未知语言回落到中文
func (k Kind) Label(lang string) string {
	l, ok := labels[k]
	if !ok {
		l = labels[KindUnknown]
	}
	switch lang {
	case "ja":
		return l[1]
	case "en":
		return l[2]
	default:
		return l[0]
	}
}
