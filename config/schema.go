package config

import (
	"strings"
	"time"
)

// Config 是主配置结构
type Config struct {
	Lang        string            `mapstructure:"lang" json:"lang" yaml:"lang"`
	Log         LogConfig         `mapstructure:"log" json:"log" yaml:"log"`
	WeChat      WeChatConfig      `mapstructure:"wechat" json:"wechat" yaml:"wechat"`
	Telegram    TelegramConfig    `mapstructure:"telegram" json:"telegram" yaml:"telegram"`
	Callback    CallbackConfig    `mapstructure:"callback" json:"callback" yaml:"callback"`
	Polling     PollingConfig     `mapstructure:"polling" json:"polling" yaml:"polling"`
	Stream      StreamConfig      `mapstructure:"stream" json:"stream" yaml:"stream"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq" json:"rabbitmq" yaml:"rabbitmq"`
	Store       StoreConfig       `mapstructure:"store" json:"store" yaml:"store"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch" json:"dispatch" yaml:"dispatch"`
	Media       MediaConfig       `mapstructure:"media" json:"media" yaml:"media"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" json:"maintenance" yaml:"maintenance"`
	Bindings    []Binding         `mapstructure:"bindings" json:"bindings" yaml:"bindings"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Development bool   `mapstructure:"development" json:"development" yaml:"development"`
}

// WeChatConfig 微信自动化后端配置
type WeChatConfig struct {
	BaseURL   string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	APIPrefix string        `mapstructure:"api_prefix" json:"api_prefix" yaml:"api_prefix"` // 为空时由 variant 决定
	Variant   string        `mapstructure:"variant" json:"variant" yaml:"variant"`          // v1 | wx849
	WXID      string        `mapstructure:"wxid" json:"wxid" yaml:"wxid"`                   // 本人账号
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// TelegramConfig Telegram Bot 配置
type TelegramConfig struct {
	Token       string        `mapstructure:"token" json:"token" yaml:"token"`
	APIEndpoint string        `mapstructure:"api_endpoint" json:"api_endpoint" yaml:"api_endpoint"`
	OwnerChatID int64         `mapstructure:"owner_chat_id" json:"owner_chat_id" yaml:"owner_chat_id"`
	ChatPool    []int64       `mapstructure:"chat_pool" json:"chat_pool" yaml:"chat_pool"`
	PollTimeout int           `mapstructure:"poll_timeout" json:"poll_timeout" yaml:"poll_timeout"` // getUpdates 长轮询秒数
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	Rate        float64       `mapstructure:"rate" json:"rate" yaml:"rate"` // 每秒发送上限
	Burst       int           `mapstructure:"burst" json:"burst" yaml:"burst"`
	Webhook     WebhookConfig `mapstructure:"webhook" json:"webhook" yaml:"webhook"`
}

// WebhookConfig Telegram webhook 入口，挂在回调服务器上
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" json:"url" yaml:"url"` // 公网 https 地址，不含路径
	Path    string `mapstructure:"path" json:"path" yaml:"path"`
	Secret  string `mapstructure:"secret" json:"secret" yaml:"secret"` // 作为路径的最后一段
}

// CallbackConfig 回调入口配置
type CallbackConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" json:"host" yaml:"host"`
	Port    int    `mapstructure:"port" json:"port" yaml:"port"`
	Path    string `mapstructure:"path" json:"path" yaml:"path"` // 为空时由 variant 决定
	Secret  string `mapstructure:"secret" json:"secret" yaml:"secret"`
	MaxBody int64  `mapstructure:"max_body" json:"max_body" yaml:"max_body"`
}

// PollingConfig 轮询配置
type PollingConfig struct {
	Interval   time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	Telegram   bool          `mapstructure:"telegram" json:"telegram" yaml:"telegram"`
	WeChatSync bool          `mapstructure:"wechat_sync" json:"wechat_sync" yaml:"wechat_sync"`
}

// StreamConfig 后端 websocket 推流配置
type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" json:"url" yaml:"url"`
}

// RabbitMQConfig 后端把回调报文投递到队列时的消费配置
type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	URL      string `mapstructure:"url" json:"url" yaml:"url"`
	Queue    string `mapstructure:"queue" json:"queue" yaml:"queue"`
	Prefetch int    `mapstructure:"prefetch" json:"prefetch" yaml:"prefetch"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	Driver        string        `mapstructure:"driver" json:"driver" yaml:"driver"` // memory | sqlite | redis
	SQLitePath    string        `mapstructure:"sqlite_path" json:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr     string        `mapstructure:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" json:"redis_password" yaml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" json:"redis_db" yaml:"redis_db"`
	Retention     time.Duration `mapstructure:"retention" json:"retention" yaml:"retention"`
}

// DispatchConfig 派发配置
type DispatchConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent"`
	MaxAttempts    int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" json:"max_backoff" yaml:"max_backoff"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" json:"send_timeout" yaml:"send_timeout"`
	// PrepareTimeout 下载加转码的总预算，0 表示按 media.timeout 推算
	PrepareTimeout time.Duration `mapstructure:"prepare_timeout" json:"prepare_timeout" yaml:"prepare_timeout"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl" json:"idle_ttl" yaml:"idle_ttl"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" json:"drain_timeout" yaml:"drain_timeout"`
	QueueSize      int           `mapstructure:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// MediaConfig 转码配置
type MediaConfig struct {
	Workers     int           `mapstructure:"workers" json:"workers" yaml:"workers"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	FFmpeg      string        `mapstructure:"ffmpeg" json:"ffmpeg" yaml:"ffmpeg"`
	SilkDecoder string        `mapstructure:"silk_decoder" json:"silk_decoder" yaml:"silk_decoder"`
	SilkEncoder string        `mapstructure:"silk_encoder" json:"silk_encoder" yaml:"silk_encoder"`
	HardFail    bool          `mapstructure:"hard_fail" json:"hard_fail" yaml:"hard_fail"`
	TmpDir      string        `mapstructure:"tmp_dir" json:"tmp_dir" yaml:"tmp_dir"`
}

// MaintenanceConfig 定时维护任务配置
type MaintenanceConfig struct {
	TrimSchedule      string `mapstructure:"trim_schedule" json:"trim_schedule" yaml:"trim_schedule"`
	HeartbeatSchedule string `mapstructure:"heartbeat_schedule" json:"heartbeat_schedule" yaml:"heartbeat_schedule"`
}

// Binding 静态聊天绑定
type Binding struct {
	WXID   string `mapstructure:"wxid" json:"wxid" yaml:"wxid"`
	ChatID int64  `mapstructure:"chat_id" json:"chat_id" yaml:"chat_id"`
}

// 后端路径变体
const (
	VariantV1    = "v1"
	VariantWX849 = "wx849"
)

// ResolvedAPIPrefix 返回后端 API 路径前缀
func (c WeChatConfig) ResolvedAPIPrefix() string {
	if c.APIPrefix != "" {
		return c.APIPrefix
	}
	if c.Variant == VariantWX849 {
		return "/VXAPI"
	}
	return "/api"
}

// MountPath 返回 webhook 的监听路径
func (c WebhookConfig) MountPath() string {
	p := c.Path
	if p == "" {
		p = "/telegram/webhook"
	}
	if c.Secret != "" {
		p = strings.TrimSuffix(p, "/") + "/" + c.Secret
	}
	return p
}

// PublicURL 返回注册给 Telegram 的完整地址
func (c WebhookConfig) PublicURL() string {
	return strings.TrimSuffix(c.URL, "/") + c.MountPath()
}

// ResolvedPath 返回回调监听路径
func (c CallbackConfig) ResolvedPath(variant, wxid string) string {
	if c.Path != "" {
		return c.Path
	}
	if variant == VariantWX849 {
		return "/wx849/callback"
	}
	return "/msg/SyncMessage/" + wxid
}
