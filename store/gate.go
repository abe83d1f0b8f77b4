package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/wegram/internal/logger"
	"go.uber.org/zap"
)

// Gate serializes admission per chat. Check, record and enqueue run under
// the chat's lock, so admission order equals queue order and a key can be
// admitted at most once.
type Gate struct {
	store ForwardStore
	locks *keyedMutex
	now   func() time.Time
}

// NewGate creates a gate over the given forward store.
func NewGate(fs ForwardStore) *Gate {
	return &Gate{store: fs, locks: newKeyedMutex(), now: time.Now}
}

// Admit records (chatKey, messageID) and runs enqueue if the key is new.
// When enqueue fails the record is rolled back and the error returned, so
// there is never an admission without a queue entry.
func (g *Gate) Admit(ctx context.Context, chatKey, messageID string, enqueue func() error) (Verdict, error) {
	unlock := g.locks.lock(chatKey)
	defer unlock()

	fresh, err := g.store.Record(ctx, chatKey, messageID, g.now())
	if err != nil {
		return 0, fmt.Errorf("record %s/%s: %w", chatKey, messageID, err)
	}
	if !fresh {
		return DuplicateRejected, nil
	}

	if err := enqueue(); err != nil {
		// Use a fresh context: the caller's may be the reason enqueue failed.
		rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ferr := g.store.Forget(rbCtx, chatKey, messageID); ferr != nil {
			logger.Error("Failed to roll back admission",
				zap.String("chat", chatKey),
				zap.String("message", messageID),
				zap.Error(ferr))
		}
		return 0, fmt.Errorf("enqueue %s/%s: %w", chatKey, messageID, err)
	}
	return Admitted, nil
}

// Trim drops forward records older than the retention window.
func (g *Gate) Trim(ctx context.Context, retention time.Duration) (int64, error) {
	return g.store.Trim(ctx, g.now().Add(-retention))
}

// keyedMutex is a set of mutexes created on demand and released when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
