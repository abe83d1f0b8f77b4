package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// 错误分类（relay 全链路共用）
var (
	// ErrAuthentication 回调鉴权失败，请求直接拒绝
	ErrAuthentication = errors.New("authentication failed")
	// ErrDecode 负载无法解析，不重试
	ErrDecode = errors.New("decode failed")
	// ErrDuplicate 重复消息，正常稳态结果，不视为失败
	ErrDuplicate = errors.New("duplicate message")
	// ErrUnmappableChat 无法建立聊天映射
	ErrUnmappableChat = errors.New("unmappable chat")
	// ErrTranscodeFailed 转码失败
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrTransientDelivery 临时投递失败，可重试
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrPermanentDelivery 永久投递失败，直接进入死信
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

// Outcome 投递结果
type Outcome int

const (
	Delivered Outcome = iota
	Retryable
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// DeliveryError 平台发送失败，携带分类信息
type DeliveryError struct {
	Op         string
	Code       int
	RetryAfter time.Duration
	Transient  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Transient {
		return []error{e.Err, ErrTransientDelivery}
	}
	return []error{e.Err, ErrPermanentDelivery}
}

// NewTransient 构造可重试错误
func NewTransient(op string, code int, err error) error {
	return &DeliveryError{Op: op, Code: code, Transient: true, Err: err}
}

// NewPermanent 构造永久错误
func NewPermanent(op string, code int, err error) error {
	return &DeliveryError{Op: op, Code: code, Err: err}
}

// StatusError 按 HTTP 状态码构造投递错误：429、408 和 5xx 可重试，其余 4xx 永久失败
func StatusError(op string, code int, err error) error {
	if err == nil {
		err = errors.New(strings.ToLower(fmt.Sprintf("http %d", code)))
	}
	if code == 429 || code == 408 || code >= 500 {
		return NewTransient(op, code, err)
	}
	return NewPermanent(op, code, err)
}

// RetryAfterOf 返回错误携带的限流等待时间
func RetryAfterOf(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Classify 将任意错误映射为投递结果
func Classify(err error) Outcome {
	if err == nil {
		return Delivered
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		if de.Transient {
			return Retryable
		}
		return Permanent
	}
	switch {
	case errors.Is(err, ErrTransientDelivery):
		return Retryable
	case errors.Is(err, ErrPermanentDelivery),
		errors.Is(err, ErrUnmappableChat),
		errors.Is(err, ErrDecode),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrTranscodeFailed):
		return Permanent
	case errors.Is(err, context.DeadlineExceeded):
		return Retryable
	case errors.Is(err, context.Canceled):
		return Permanent
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retryable
	}

	switch defaultClassifier.ClassifyError(err) {
	case ReasonRateLimit, ReasonTimeout, ReasonNetwork, ReasonServer:
		return Retryable
	case ReasonAuth, ReasonNotFound:
		return Permanent
	}
	// 未识别的错误按可重试处理，由重试上限兜底
	return Retryable
}

// Reason 错误原因
type Reason string

const (
	ReasonAuth      Reason = "auth"
	ReasonRateLimit Reason = "rate_limit"
	ReasonTimeout   Reason = "timeout"
	ReasonNetwork   Reason = "network"
	ReasonServer    Reason = "server"
	ReasonNotFound  Reason = "not_found"
	ReasonUnknown   Reason = "unknown"
)

// ErrorClassifier 错误分类器接口
type ErrorClassifier interface {
	ClassifyError(err error) Reason
}

// SimpleErrorClassifier 基于错误文本的分类器，用于无类型信息的第三方错误
type SimpleErrorClassifier struct {
	authPatterns      []string
	rateLimitPatterns []string
	timeoutPatterns   []string
	networkPatterns   []string
	serverPatterns    []string
	notFoundPatterns  []string
}

var defaultClassifier = NewSimpleErrorClassifier()

// NewSimpleErrorClassifier 创建简单错误分类器
func NewSimpleErrorClassifier() *SimpleErrorClassifier {
	return &SimpleErrorClassifier{
		authPatterns: []string{
			"unauthorized", "forbidden", "bot was blocked", "bot was kicked",
			"not enough rights", "invalid token", "401", "403",
		},
		rateLimitPatterns: []string{
			"rate limit", "too many requests", "429", "retry after", "flood",
		},
		timeoutPatterns: []string{
			"timeout", "timed out", "deadline exceeded",
		},
		networkPatterns: []string{
			"connection refused", "connection reset", "broken pipe", "no such host",
			"eof", "network is unreachable",
		},
		serverPatterns: []string{
			"internal server error", "bad gateway", "service unavailable",
			"gateway timeout", "500", "502", "503", "504",
		},
		notFoundPatterns: []string{
			"chat not found", "user not found", "message to reply not found",
			"peer_id_invalid", "chat_id is empty",
		},
	}
}

// ClassifyError 分类错误
func (c *SimpleErrorClassifier) ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	errMsg := strings.ToLower(err.Error())

	switch {
	case c.matchesAny(errMsg, c.notFoundPatterns):
		return ReasonNotFound
	case c.matchesAny(errMsg, c.rateLimitPatterns):
		return ReasonRateLimit
	case c.matchesAny(errMsg, c.authPatterns):
		return ReasonAuth
	case c.matchesAny(errMsg, c.timeoutPatterns):
		return ReasonTimeout
	case c.matchesAny(errMsg, c.networkPatterns):
		return ReasonNetwork
	case c.matchesAny(errMsg, c.serverPatterns):
		return ReasonServer
	}
	return ReasonUnknown
}

// matchesAny 检查错误消息是否匹配任何模式
func (c *SimpleErrorClassifier) matchesAny(errMsg string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
