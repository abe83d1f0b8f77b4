// Package dispatch delivers admitted messages to their destination chats.
// Each destination chat has one serial worker; different chats run in
// parallel under a global concurrency cap.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Dead letter reasons.
const (
	ReasonPermanent  = "permanent"
	ReasonExhausted  = "exhausted"
	ReasonUnmappable = "unmappable"
	ReasonTranscode  = "transcode"
	ReasonDecode     = "decode"
	ReasonShutdown   = "shutdown"
)

const (
	defaultIdleTTL     = 10 * time.Minute
	defaultMaxAttempts = 5
	deadLetterTimeout  = 5 * time.Second
	// 两步转码各一分钟，再加一次下载
	defaultPrepareTimeout = 150 * time.Second
)

// ErrClosed is returned by Enqueue after Shutdown has started.
var ErrClosed = errors.New("dispatcher is shut down")

var errShutdown = errors.New("relay shutting down before delivery")

// Handler delivers one message. The returned error is classified with
// types.Classify to decide between retry and dead letter.
type Handler func(ctx context.Context, msg *bus.Message) error

// Options tunes a Dispatcher.
type Options struct {
	MaxConcurrent  int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendTimeout    time.Duration
	IdleTTL        time.Duration
	// Limits throttles sends per destination platform.
	Limits map[bus.Platform]*rate.Limiter

	// Prepare runs before the first send attempt, outside the rate limit and
	// the send cap, under PrepareTimeout. It is retried like a send until it
	// succeeds once; it must leave its result on msg.
	Prepare        Handler
	PrepareTimeout time.Duration
}

// OptionsFromConfig builds options from configuration.
func OptionsFromConfig(cfg config.DispatchConfig, tg config.TelegramConfig) Options {
	opts := Options{
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		SendTimeout:    cfg.SendTimeout,
		PrepareTimeout: cfg.PrepareTimeout,
		IdleTTL:        cfg.IdleTTL,
		Limits:         map[bus.Platform]*rate.Limiter{},
	}
	if tg.Rate > 0 {
		burst := tg.Burst
		if burst <= 0 {
			burst = 1
		}
		opts.Limits[bus.PlatformTelegram] = rate.NewLimiter(rate.Limit(tg.Rate), burst)
	}
	return opts
}

// Dispatcher routes messages into per-destination workers.
type Dispatcher struct {
	opts    Options
	handler Handler
	dead    store.DeadLetterSink
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*worker
	closed   bool
	draining chan struct{}

	delivered    atomic.Int64
	deadLettered atomic.Int64
}

// New creates a dispatcher.
func New(opts Options, handler Handler, dead store.DeadLetterSink) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 30 * opts.InitialBackoff
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = defaultPrepareTimeout
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:     opts,
		handler:  handler,
		dead:     dead,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*worker),
		draining: make(chan struct{}),
	}
}

// Enqueue appends a message to its destination chat's queue.
// Messages for one destination are delivered in Enqueue order.
func (d *Dispatcher) Enqueue(msg *bus.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	key := msg.DestKey()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	w, ok := d.workers[key]
	if !ok {
		w = newWorker(d, key)
		d.workers[key] = w
		d.wg.Add(1)
		go w.run(d.ctx)
	}
	w.push(msg)
	return nil
}

// retire removes an idle worker. It reports false if work arrived meanwhile.
func (d *Dispatcher) retire(w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	w.mu.Lock()
	empty := len(w.queue) == 0
	w.mu.Unlock()
	if !empty {
		return false
	}
	if cur, ok := d.workers[w.key]; ok && cur == w {
		delete(d.workers, w.key)
	}
	return true
}

// deliver runs the retry loop for one message and dead-letters it on failure.
func (d *Dispatcher) deliver(ctx context.Context, msg *bus.Message) {
	var (
		attempts int
		last     error
		prepared = d.opts.Prepare == nil
	)
	op := func() (struct{}, error) {
		attempts++
		var err error
		if !prepared {
			err = d.prepare(ctx, msg)
			prepared = err == nil
		}
		if err == nil {
			err = d.attempt(ctx, msg)
		}
		last = err
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || types.Classify(err) == types.Permanent {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Debug("Delivery attempt failed",
			zap.String("dest", msg.DestKey()),
			zap.String("msg_id", msg.ID),
			zap.Int("attempt", attempts),
			zap.Error(err))
		if wait := types.RetryAfterOf(err); wait > 0 {
			return struct{}{}, backoff.RetryAfter(int(math.Ceil(wait.Seconds())))
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(d.opts.MaxAttempts)),
	)
	if err == nil {
		d.delivered.Add(1)
		return
	}
	if last == nil {
		last = err
	}

	reason := ReasonExhausted
	switch {
	case ctx.Err() != nil:
		reason = ReasonShutdown
	case errors.Is(last, types.ErrTranscodeFailed):
		reason = ReasonTranscode
	case types.Classify(last) == types.Permanent:
		reason = ReasonPermanent
	}
	d.deadLetter(msg, reason, attempts, last)
}

// attempt makes one send under the rate limit, the global cap and the send timeout.
func (d *Dispatcher) attempt(ctx context.Context, msg *bus.Message) error {
	if lim, ok := d.opts.Limits[msg.Source.Opposite()]; ok {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return safeCall(sendCtx, "send", d.handler, msg)
}

// prepare runs the Prepare hook under its own deadline without holding a send slot.
func (d *Dispatcher) prepare(ctx context.Context, msg *bus.Message) error {
	prepCtx, cancel := context.WithTimeout(ctx, d.opts.PrepareTimeout)
	defer cancel()
	return safeCall(prepCtx, "prepare", d.opts.Prepare, msg)
}

// safeCall turns a panicking handler into a permanent failure so one bad
// message cannot take the worker down with it.
func safeCall(ctx context.Context, stage string, h Handler, msg *bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked",
				zap.String("stage", stage),
				zap.String("msg_id", msg.ID),
				zap.Any("recover", r))
			err = types.NewPermanent(stage, 0, fmt.Errorf("panic: %v", r))
		}
	}()
	return h(ctx, msg)
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	return b
}

// deadLetter records a message that will not be delivered.
func (d *Dispatcher) deadLetter(msg *bus.Message, reason string, attempts int, cause error) {
	d.deadLettered.Add(1)
	logger.Warn("Message dead-lettered",
		zap.String("dest", msg.DestKey()),
		zap.String("msg_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if d.dead == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	if err := d.dead.RecordDeadLetter(ctx, NewDeadLetter(msg, reason, attempts, cause)); err != nil {
		logger.Error("Failed to record dead letter",
			zap.String("msg_id", msg.ID),
			zap.Error(err))
	}
}

// NewDeadLetter builds the dead letter record for a message.
func NewDeadLetter(msg *bus.Message, reason string, attempts int, cause error) store.DeadLetter {
	dl := store.DeadLetter{
		ID:        uuid.NewString(),
		ChatKey:   msg.ChatKey(),
		DestKey:   msg.DestKey(),
		MessageID: msg.ID,
		Kind:      string(msg.Kind),
		Reason:    reason,
		Attempts:  attempts,
		CreatedAt: time.Now(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if raw, err := json.Marshal(msg); err == nil {
		dl.Payload = string(raw)
	}
	return dl
}

// Shutdown stops accepting messages and drains the queues until ctx is done.
// Whatever is still queued at that point is dead-lettered with ReasonShutdown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.draining)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		logger.Info("Dispatcher drained",
			zap.Int64("delivered", d.delivered.Load()),
			zap.Int64("dead_lettered", d.deadLettered.Load()))
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}

// Workers returns the number of live destination workers.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Pending returns queued plus in-flight messages.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.workers {
		n += w.pending()
	}
	return n
}

// Stats 投递统计
type Stats struct {
	Workers      int   `json:"workers"`
	Pending      int   `json:"pending"`
	Delivered    int64 `json:"delivered"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:      d.Workers(),
		Pending:      d.Pending(),
		Delivered:    d.delivered.Load(),
		DeadLettered: d.deadLettered.Load(),
	}
}
