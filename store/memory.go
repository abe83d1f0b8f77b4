package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process implementation of every store interface.
// State is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	forwards map[string]time.Time
	byWX     map[string]ChatMapping
	byTG     map[int64]ChatMapping
	links    []MessageLink
	dead     []DeadLetter
	cursors  map[string]string
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		forwards: make(map[string]time.Time),
		byWX:     make(map[string]ChatMapping),
		byTG:     make(map[int64]ChatMapping),
		cursors:  make(map[string]string),
	}
}

func forwardKey(chatKey, messageID string) string {
	return chatKey + "\x00" + messageID
}

func (m *Memory) Record(_ context.Context, chatKey, messageID string, at time.Time) (bool, error) {
	key := forwardKey(chatKey, messageID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forwards[key]; ok {
		return false, nil
	}
	m.forwards[key] = at
	return true, nil
}

func (m *Memory) Forget(_ context.Context, chatKey, messageID string) error {
	m.mu.Lock()
	delete(m.forwards, forwardKey(chatKey, messageID))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Trim(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, at := range m.forwards {
		if at.Before(before) {
			delete(m.forwards, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ByWeChat(_ context.Context, wxid string) (ChatMapping, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cm, ok := m.byWX[wxid]
	return cm, ok, nil
}

func (m *Memory) ByTelegram(_ context.Context, chatID int64) (ChatMapping, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cm, ok := m.byTG[chatID]
	return cm, ok, nil
}

func (m *Memory) SaveMapping(_ context.Context, cm ChatMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byWX[cm.WeChatID]; ok {
		return ErrMappingConflict
	}
	if _, ok := m.byTG[cm.TelegramChatID]; ok {
		return ErrMappingConflict
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = time.Now()
	}
	m.byWX[cm.WeChatID] = cm
	m.byTG[cm.TelegramChatID] = cm
	return nil
}

func (m *Memory) DeleteMapping(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cm, ok := m.byTG[chatID]; ok {
		delete(m.byTG, chatID)
		delete(m.byWX, cm.WeChatID)
	}
	return nil
}

func (m *Memory) ListMappings(_ context.Context) ([]ChatMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChatMapping, 0, len(m.byWX))
	for _, cm := range m.byWX {
		out = append(out, cm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeChatID < out[j].WeChatID })
	return out, nil
}

func (m *Memory) SaveLink(_ context.Context, l MessageLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.links = append(m.links, l)
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindBySource(_ context.Context, platform, chat, id string) (MessageLink, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.links) - 1; i >= 0; i-- {
		l := m.links[i]
		if l.SrcPlatform == platform && l.SrcChat == chat && l.SrcID == id {
			return l, true, nil
		}
	}
	return MessageLink{}, false, nil
}

func (m *Memory) FindByDest(_ context.Context, platform, chat, id string) (MessageLink, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.links) - 1; i >= 0; i-- {
		l := m.links[i]
		if l.DstPlatform == platform && l.DstChat == chat && l.DstID == id {
			return l, true, nil
		}
	}
	return MessageLink{}, false, nil
}

func (m *Memory) TrimLinks(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.links[:0]
	var n int64
	for _, l := range m.links {
		if l.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.links = kept
	return n, nil
}

func (m *Memory) RecordDeadLetter(_ context.Context, dl DeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.dead = append(m.dead, dl)
	m.mu.Unlock()
	return nil
}

// ListDeadLetters returns the newest dead letters first.
func (m *Memory) ListDeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeadLetter, 0, len(m.dead))
	for i := len(m.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.dead[i])
	}
	return out, nil
}

func (m *Memory) CountDeadLetters(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dead)), nil
}

func (m *Memory) LoadCursor(_ context.Context, source string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[source], nil
}

func (m *Memory) SaveCursor(_ context.Context, source, cursor string) error {
	m.mu.Lock()
	m.cursors[source] = cursor
	m.mu.Unlock()
	return nil
}
