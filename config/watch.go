package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeFunc 配置变更回调，old 为变更前的配置
type ChangeFunc func(old, cur *Config)

// Watcher 监听配置文件变化并重新解析
// 只有日志级别和静态绑定支持热加载，其它字段变化需要重启
type Watcher struct {
	v        *viper.Viper
	mu       sync.Mutex
	current  *Config
	onChange ChangeFunc
	onError  func(error)
}

// Watch 读取配置并开始监听文件变化
func Watch(configPath string, onChange ChangeFunc, onError func(error)) (*Watcher, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("watch requires a config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v, current: cfg, onChange: onChange, onError: onError}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
	return w, nil
}

// handle 处理 fsnotify 事件
func (w *Watcher) handle(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := decode(w.v)
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("reload %s: %w", e.Name, err))
		}
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// Current 返回最近一次成功加载的配置
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// File 返回正在监听的配置文件路径
func (w *Watcher) File() string {
	return w.v.ConfigFileUsed()
}
