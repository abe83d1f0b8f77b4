package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisForwardPrefix = "wegram:fwd:"
	redisDeadLetters   = "wegram:deadletters"
	redisDeadMaxLen    = 10000
)

// Redis keeps forward records as expiring keys and dead letters in a stream.
// Expiry replaces Trim, so Trim only reports zero.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// key 与 Memory 使用同样的 \x00 分隔，chatKey 本身含有冒号
func (r *Redis) key(chatKey, messageID string) string {
	return redisForwardPrefix + forwardKey(chatKey, messageID)
}

func (r *Redis) Record(ctx context.Context, chatKey, messageID string, at time.Time) (bool, error) {
	return r.client.SetNX(ctx, r.key(chatKey, messageID), at.Unix(), r.ttl).Result()
}

func (r *Redis) Forget(ctx context.Context, chatKey, messageID string) error {
	return r.client.Del(ctx, r.key(chatKey, messageID)).Err()
}

func (r *Redis) Trim(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *Redis) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisDeadLetters,
		MaxLen: redisDeadMaxLen,
		Approx: true,
		Values: map[string]any{
			"id":         dl.ID,
			"chat_key":   dl.ChatKey,
			"dest_key":   dl.DestKey,
			"message_id": dl.MessageID,
			"kind":       dl.Kind,
			"reason":     dl.Reason,
			"error":      dl.Error,
			"attempts":   dl.Attempts,
			"payload":    dl.Payload,
			"created_at": dl.CreatedAt.UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd dead letter (stream=%s): %w", redisDeadLetters, err)
	}
	return nil
}

func (r *Redis) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := r.client.XRevRangeN(ctx, redisDeadLetters, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, parseDeadLetter(m))
	}
	return out, nil
}

func (r *Redis) CountDeadLetters(ctx context.Context) (int64, error) {
	return r.client.XLen(ctx, redisDeadLetters).Result()
}

func parseDeadLetter(m redis.XMessage) DeadLetter {
	str := func(k string) string {
		if v, ok := m.Values[k].(string); ok {
			return v
		}
		return ""
	}
	dl := DeadLetter{
		ID:        str("id"),
		ChatKey:   str("chat_key"),
		DestKey:   str("dest_key"),
		MessageID: str("message_id"),
		Kind:      str("kind"),
		Reason:    str("reason"),
		Error:     str("error"),
		Payload:   str("payload"),
	}
	dl.Attempts, _ = strconv.Atoi(str("attempts"))
	if ms, err := strconv.ParseInt(str("created_at"), 10, 64); err == nil {
		dl.CreatedAt = time.UnixMilli(ms)
	}
	return dl
}
