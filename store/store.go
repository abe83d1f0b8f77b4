// Package store holds the relay's long-lived state: forward records used for
// admission, chat mappings, reply links, dead letters and poll cursors.
package store

import (
	"context"
	"errors"
	"time"
)

// Verdict is the result of an admission attempt.
type Verdict int

const (
	Admitted Verdict = iota + 1
	DuplicateRejected
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case DuplicateRejected:
		return "duplicate"
	default:
		return "none"
	}
}

// ErrMappingConflict is returned when saving a mapping would break the
// one-to-one correspondence between a WeChat chat and a Telegram chat.
var ErrMappingConflict = errors.New("chat mapping conflict")

// ForwardStore records which (chatKey, messageID) pairs have been admitted.
type ForwardStore interface {
	// Record stores the key if absent and reports whether it was newly stored.
	Record(ctx context.Context, chatKey, messageID string, at time.Time) (bool, error)
	// Forget removes a key; used to roll back an admission whose enqueue failed.
	Forget(ctx context.Context, chatKey, messageID string) error
	// Trim drops records forwarded before the cutoff.
	Trim(ctx context.Context, before time.Time) (int64, error)
}

// ChatMapping binds a WeChat chat (wxid or chatroom id) to a Telegram chat.
type ChatMapping struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	WeChatID       string    `gorm:"column:wechat_id;uniqueIndex;size:191;not null" json:"wechat_id"`
	TelegramChatID int64     `gorm:"uniqueIndex;not null" json:"telegram_chat_id"`
	Source         string    `gorm:"size:16" json:"source"` // config, command, pool
	CreatedAt      time.Time `json:"created_at"`
}

// MappingStore persists chat mappings.
type MappingStore interface {
	ByWeChat(ctx context.Context, wxid string) (ChatMapping, bool, error)
	ByTelegram(ctx context.Context, chatID int64) (ChatMapping, bool, error)
	SaveMapping(ctx context.Context, m ChatMapping) error
	DeleteMapping(ctx context.Context, chatID int64) error
	ListMappings(ctx context.Context) ([]ChatMapping, error)
}

// MessageLink pairs a relayed message with the message it produced on the
// other platform, so quotes, replies and revokes can be carried across.
type MessageLink struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	SrcPlatform string    `gorm:"size:16;index:idx_link_src,priority:1" json:"src_platform"`
	SrcChat     string    `gorm:"size:191;index:idx_link_src,priority:2" json:"src_chat"`
	SrcID       string    `gorm:"size:191;index:idx_link_src,priority:3" json:"src_id"`
	DstPlatform string    `gorm:"size:16;index:idx_link_dst,priority:1" json:"dst_platform"`
	DstChat     string    `gorm:"size:191;index:idx_link_dst,priority:2" json:"dst_chat"`
	DstID       string    `gorm:"size:191;index:idx_link_dst,priority:3" json:"dst_id"`
	DstMeta     string    `gorm:"size:191" json:"dst_meta,omitempty"` // platform data needed to revoke DstID
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// LinkStore persists message links.
type LinkStore interface {
	SaveLink(ctx context.Context, l MessageLink) error
	FindBySource(ctx context.Context, platform, chat, id string) (MessageLink, bool, error)
	FindByDest(ctx context.Context, platform, chat, id string) (MessageLink, bool, error)
	TrimLinks(ctx context.Context, before time.Time) (int64, error)
}

// DeadLetter is a message that could not be delivered.
type DeadLetter struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	ChatKey   string    `gorm:"size:191;index" json:"chat_key"`
	DestKey   string    `gorm:"size:191" json:"dest_key"`
	MessageID string    `gorm:"size:191" json:"message_id"`
	Kind      string    `gorm:"size:32" json:"kind"`
	Reason    string    `gorm:"size:32" json:"reason"` // permanent, exhausted, unmappable, transcode, shutdown
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	Payload   string    `json:"payload"` // JSON encoded message
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// DeadLetterSink records dead letters for operators.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int64, error)
}

// PollCursor is the last position read from a polled source.
type PollCursor struct {
	Source    string    `gorm:"primaryKey;size:64"`
	Cursor    string    `gorm:"type:text"`
	UpdatedAt time.Time
}

// CursorStore persists poll cursors.
type CursorStore interface {
	LoadCursor(ctx context.Context, source string) (string, error)
	SaveCursor(ctx context.Context, source, cursor string) error
}
