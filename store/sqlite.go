package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQL is a gorm-backed store on a pure-Go SQLite database.
// It implements every store interface.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQL, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ForwardRecord{}, &ChatMapping{}, &MessageLink{}, &DeadLetter{}, &PollCursor{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQL{db: db}, nil
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ForwardRecord is one admitted (chatKey, messageID) pair.
type ForwardRecord struct {
	ChatKey     string    `gorm:"primaryKey;size:191"`
	MessageID   string    `gorm:"primaryKey;size:191"`
	ForwardedAt time.Time `gorm:"index"`
}

func (s *SQL) Record(ctx context.Context, chatKey, messageID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ForwardRecord{ChatKey: chatKey, MessageID: messageID, ForwardedAt: at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *SQL) Forget(ctx context.Context, chatKey, messageID string) error {
	return s.db.WithContext(ctx).
		Where("chat_key = ? AND message_id = ?", chatKey, messageID).
		Delete(&ForwardRecord{}).Error
}

func (s *SQL) Trim(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("forwarded_at < ?", before).Delete(&ForwardRecord{})
	return res.RowsAffected, res.Error
}

func (s *SQL) ByWeChat(ctx context.Context, wxid string) (ChatMapping, bool, error) {
	var cm ChatMapping
	err := s.db.WithContext(ctx).Where("wechat_id = ?", wxid).Take(&cm).Error
	return found(cm, err)
}

func (s *SQL) ByTelegram(ctx context.Context, chatID int64) (ChatMapping, bool, error) {
	var cm ChatMapping
	err := s.db.WithContext(ctx).Where("telegram_chat_id = ?", chatID).Take(&cm).Error
	return found(cm, err)
}

func (s *SQL) SaveMapping(ctx context.Context, cm ChatMapping) error {
	cm.ID = 0
	err := s.db.WithContext(ctx).Create(&cm).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s <-> %d", ErrMappingConflict, cm.WeChatID, cm.TelegramChatID)
	}
	return err
}

func (s *SQL) DeleteMapping(ctx context.Context, chatID int64) error {
	return s.db.WithContext(ctx).Where("telegram_chat_id = ?", chatID).Delete(&ChatMapping{}).Error
}

func (s *SQL) ListMappings(ctx context.Context) ([]ChatMapping, error) {
	var out []ChatMapping
	err := s.db.WithContext(ctx).Order("wechat_id").Find(&out).Error
	return out, err
}

func (s *SQL) SaveLink(ctx context.Context, l MessageLink) error {
	l.ID = 0
	return s.db.WithContext(ctx).Create(&l).Error
}

func (s *SQL) FindBySource(ctx context.Context, platform, chat, id string) (MessageLink, bool, error) {
	var l MessageLink
	err := s.db.WithContext(ctx).
		Where("src_platform = ? AND src_chat = ? AND src_id = ?", platform, chat, id).
		Order("id DESC").Take(&l).Error
	return found(l, err)
}

func (s *SQL) FindByDest(ctx context.Context, platform, chat, id string) (MessageLink, bool, error) {
	var l MessageLink
	err := s.db.WithContext(ctx).
		Where("dst_platform = ? AND dst_chat = ? AND dst_id = ?", platform, chat, id).
		Order("id DESC").Take(&l).Error
	return found(l, err)
}

func (s *SQL) TrimLinks(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&MessageLink{})
	return res.RowsAffected, res.Error
}

func (s *SQL) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	return s.db.WithContext(ctx).Create(&dl).Error
}

func (s *SQL) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *SQL) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DeadLetter{}).Count(&n).Error
	return n, err
}

func (s *SQL) LoadCursor(ctx context.Context, source string) (string, error) {
	var pc PollCursor
	err := s.db.WithContext(ctx).Where("source = ?", source).Take(&pc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return pc.Cursor, err
}

func (s *SQL) SaveCursor(ctx context.Context, source, cursor string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(&PollCursor{Source: source, Cursor: cursor, UpdatedAt: time.Now()}).Error
}

func found[T any](v T, err error) (T, bool, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
