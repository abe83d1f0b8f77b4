package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/wegram/bus"
)

// worker delivers the messages of one destination chat, one at a time.
type worker struct {
	d   *Dispatcher
	key string

	idleTTL time.Duration

	mu    sync.Mutex
	queue []*bus.Message
	wake  chan struct{}

	busy atomic.Bool
}

func newWorker(d *Dispatcher, key string) *worker {
	return &worker{
		d:       d,
		key:     key,
		idleTTL: d.opts.IdleTTL,
		wake:    make(chan struct{}, 1),
	}
}

// push appends a message; the caller holds d.mu.
func (w *worker) push(msg *bus.Message) {
	w.mu.Lock()
	w.queue = append(w.queue, msg)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.d.wg.Done()

	timer := time.NewTimer(w.idleTTL)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			w.abandon()
			return
		}

		msg := w.dequeue()
		if msg == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.idleTTL)

			select {
			case <-ctx.Done():
				w.abandon()
				return
			case <-w.wake:
				continue
			case <-w.d.draining:
				if w.d.retire(w) {
					return
				}
				continue
			case <-timer.C:
				if w.d.retire(w) {
					return
				}
				continue
			}
		}

		w.busy.Store(true)
		w.d.deliver(ctx, msg)
		w.busy.Store(false)
	}
}

func (w *worker) dequeue() *bus.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	msg := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return msg
}

func (w *worker) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if w.busy.Load() {
		n++
	}
	return n
}

// abandon removes the worker and dead-letters whatever is still queued.
func (w *worker) abandon() {
	w.d.mu.Lock()
	if cur, ok := w.d.workers[w.key]; ok && cur == w {
		delete(w.d.workers, w.key)
	}
	w.mu.Lock()
	left := w.queue
	w.queue = nil
	w.mu.Unlock()
	w.d.mu.Unlock()

	for _, msg := range left {
		w.d.deadLetter(msg, ReasonShutdown, 0, errShutdown)
	}
}
