// Package gateway 提供接收后端回调推送和 Telegram webhook 的 HTTP 入口以及健康检查。
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
)

// 默认回调报文上限
const defaultMaxBody = 5 << 20

// wx849 变体的固定回调路径，任何变体都接受
const wx849CallbackPath = "/wx849/callback"

// Relay 回调入口依赖的转发引擎能力
type Relay interface {
	// Ingest 接纳一条消息，返回去重结论
	Ingest(ctx context.Context, msg *bus.Message) (store.Verdict, error)
	// ObservePresence 报告微信账号在线状态
	ObservePresence(ctx context.Context, p channels.Presence)
	// Reject 记录一条无法解码的入站条目
	Reject(ctx context.Context, source bus.Platform, id string, err error)
	// Health 返回整体是否健康及各组件状态
	Health(ctx context.Context) (bool, map[string]any)
}

// Server 回调 HTTP 服务器
type Server struct {
	cfg      config.CallbackConfig
	path     string
	self     string
	relay    Relay
	server   *http.Server
	listener net.Listener
	mu       sync.RWMutex
	running  bool

	webhookPath string
	updates     UpdateParser
}

// NewServer 创建回调服务器
func NewServer(cfg config.CallbackConfig, wechat config.WeChatConfig, relay Relay) *Server {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	return &Server{
		cfg:   cfg,
		path:  cfg.ResolvedPath(wechat.Variant, wechat.WXID),
		self:  wechat.WXID,
		relay: relay,
	}
}

// Handler 返回路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(s.path, s.handleCallback)
	if s.path != wx849CallbackPath {
		mux.HandleFunc(wx849CallbackPath, s.handleCallback)
	}
	if s.updates != nil {
		mux.HandleFunc(s.webhookPath, s.handleTelegram)
	}
	return mux
}

// Path 返回回调监听路径
func (s *Server) Path() string {
	return s.path
}

// Start 启动服务器，监听失败时同步返回错误
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.running = true

	go func() {
		logger.Info("Callback server started",
			zap.String("addr", ln.Addr().String()),
			zap.String("path", s.path),
		)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Callback server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop 停止服务器，等待进行中的请求完成
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown callback server", zap.Error(err))
		return err
	}
	logger.Info("Callback server stopped")
	return nil
}

// Name 组件名
func (s *Server) Name() string {
	return "callback"
}

// Run 启动服务并阻塞到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// IsRunning 检查是否运行中
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// handleHealth 健康检查处理器
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	healthy, components := s.relay.Health(r.Context())
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"time":       time.Now().Unix(),
		"components": components,
	})
}

// handleCallback 处理后端推送
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authenticate(r) {
		logger.Warn("Callback rejected: bad credentials", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": types.ErrAuthentication.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"success": false, "error": "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "failed to read body"})
		return
	}

	env, err := channels.DecodeCallback(body, s.self)
	if err != nil {
		logger.Warn("Malformed callback body",
			zap.Int("content_length", len(body)),
			zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	ctx := r.Context()
	s.relay.ObservePresence(ctx, env.Presence)

	var admitted, duplicates, rejected int
	for _, msg := range env.Messages {
		verdict, err := s.relay.Ingest(ctx, msg)
		switch {
		case err == nil && verdict == store.DuplicateRejected:
			duplicates++
		case err == nil:
			admitted++
		case types.Classify(err) == types.Permanent:
			// 不可映射或校验失败的消息已由 relay 记录死信，重试没有意义
			rejected++
			logger.Warn("Callback message rejected",
				zap.String("msg_id", msg.ID),
				zap.String("chat", msg.SourceChatID),
				zap.Error(err))
		default:
			logger.Error("Callback handoff failed, asking upstream to retry",
				zap.String("msg_id", msg.ID),
				zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": err.Error()})
			return
		}
	}

	// 503 时上游会重发整包，解码失败的条目留到这里才记死信
	for id, derr := range env.Failed {
		s.relay.Reject(ctx, bus.PlatformWeChat, id, derr)
	}

	logger.Debug("Callback handled",
		zap.Int("admitted", admitted),
		zap.Int("duplicates", duplicates),
		zap.Int("rejected", rejected),
		zap.Int("skipped", env.Skipped),
		zap.Int("failed", len(env.Failed)))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"admitted":   admitted,
		"duplicates": duplicates,
	})
}

// authenticate 校验回调密钥，未配置密钥时不校验
func (s *Server) authenticate(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return true
	}

	var key string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		key = strings.TrimPrefix(auth, "Bearer ")
	} else if k := r.Header.Get("X-Api-Key"); k != "" {
		key = k
	} else {
		key = r.URL.Query().Get("key")
	}

	// 使用恒定时间比较防止时序攻击
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Secret)) == 1
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", zap.Error(err))
	}
}
