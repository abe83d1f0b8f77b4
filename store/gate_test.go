package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitIsIdempotent(t *testing.T) {
	g := NewGate(NewMemory())
	ctx := context.Background()
	enqueued := 0
	enqueue := func() error { enqueued++; return nil }

	v, err := g.Admit(ctx, "wechat:wxid_a", "1", enqueue)
	require.NoError(t, err)
	assert.Equal(t, Admitted, v)

	v, err = g.Admit(ctx, "wechat:wxid_a", "1", enqueue)
	require.NoError(t, err)
	assert.Equal(t, DuplicateRejected, v)
	assert.Equal(t, 1, enqueued)

	// Same id in a different chat is a different key.
	v, err = g.Admit(ctx, "wechat:wxid_b", "1", enqueue)
	require.NoError(t, err)
	assert.Equal(t, Admitted, v)
}

func TestAdmitConcurrentSameKeyAdmitsOnce(t *testing.T) {
	g := NewGate(NewMemory())
	ctx := context.Background()

	var admitted, enqueued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.Admit(ctx, "wechat:room@chatroom", "m1", func() error {
				enqueued.Add(1)
				return nil
			})
			if err == nil && v == Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, admitted.Load())
	assert.EqualValues(t, 1, enqueued.Load())
	assert.Zero(t, g.locks.size(), "locks must be released")
}

func TestAdmitRollsBackWhenEnqueueFails(t *testing.T) {
	mem := NewMemory()
	g := NewGate(mem)
	ctx := context.Background()

	_, err := g.Admit(ctx, "telegram:-100", "7", func() error { return errors.New("queue full") })
	require.Error(t, err)

	// The failed admission left no record behind, so a retry is admitted.
	v, err := g.Admit(ctx, "telegram:-100", "7", func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Admitted, v)
}

func TestAdmitPreservesEnqueueOrderPerChat(t *testing.T) {
	g := NewGate(NewMemory())
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprint(i)
		_, err := g.Admit(ctx, "wechat:wxid_a", id, func() error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	for i, id := range order {
		assert.Equal(t, fmt.Sprint(i), id)
	}
}

type failingStore struct{ *Memory }

func (f *failingStore) Record(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("disk full")
}

func TestAdmitSurfacesStoreError(t *testing.T) {
	g := NewGate(&failingStore{Memory: NewMemory()})
	called := false
	_, err := g.Admit(context.Background(), "wechat:a", "1", func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called, "enqueue must not run when the record fails")
}

func TestGateTrim(t *testing.T) {
	mem := NewMemory()
	g := NewGate(mem)
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := mem.Record(ctx, "wechat:a", "old", now.Add(-8*24*time.Hour))
	require.NoError(t, err)
	_, err = mem.Record(ctx, "wechat:a", "new", now.Add(-time.Hour))
	require.NoError(t, err)

	n, err := g.Trim(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	fresh, err := mem.Record(ctx, "wechat:a", "new", now)
	require.NoError(t, err)
	assert.False(t, fresh, "recent record must survive trim")
}
