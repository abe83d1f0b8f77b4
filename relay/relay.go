// Package relay ties the pieces together: it admits messages from every
// ingress, hands them to the dispatcher in admission order and delivers them
// through the opposite platform's channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/dispatch"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/mapper"
	"github.com/smallnest/wegram/media"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetention = 7 * 24 * time.Hour
	noticeTimeout    = 10 * time.Second
)

// Transcoder converts media between codecs.
type Transcoder interface {
	Transcode(ctx context.Context, ref *bus.Media, src, dst media.Codec) (*bus.Media, error)
}

// Notifier sends plain text notices to a Telegram chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Heartbeater reports whether the WeChat account is logged in.
type Heartbeater interface {
	Heartbeat(ctx context.Context) (bool, error)
}

// Component is an ingress or maintenance loop that runs alongside the relay.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

// Reporter is a component that adds its own entry to the health report.
type Reporter interface {
	Name() string
	Status() any
}

// Options 转发行为配置
type Options struct {
	Lang        string
	OwnerChatID int64
	HardFail    bool
	Retention   time.Duration
	Dispatch    dispatch.Options
}

// Deps are the collaborators a Relay needs.
type Deps struct {
	Channels    *channels.Manager
	Mapper      *mapper.Mapper
	Gate        *store.Gate
	Links       store.LinkStore
	DeadLetters store.DeadLetterSink
	Transcoder  Transcoder
	Bus         *bus.MessageBus
}

// Relay is the message relay engine.
type Relay struct {
	opts       Options
	channels   *channels.Manager
	mapper     *mapper.Mapper
	gate       *store.Gate
	links      store.LinkStore
	dead       store.DeadLetterSink
	transcoder Transcoder
	bus        *bus.MessageBus
	dispatcher *dispatch.Dispatcher

	presence atomic.Int32
	running  atomic.Bool

	mu           sync.Mutex
	cancelRun    context.CancelFunc
	cancelDrain  context.CancelFunc
	consumerDone chan struct{}
	done         chan struct{}
	reporters    []Reporter
	runErr       error
	notices      sync.WaitGroup
}

// New creates a relay.
func New(opts Options, deps Deps) *Relay {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	r := &Relay{
		opts:       opts,
		channels:   deps.Channels,
		mapper:     deps.Mapper,
		gate:       deps.Gate,
		links:      deps.Links,
		dead:       deps.DeadLetters,
		transcoder: deps.Transcoder,
		bus:        deps.Bus,
	}
	dopts := opts.Dispatch
	dopts.Prepare = r.prepare
	r.dispatcher = dispatch.New(dopts, r.deliver, deps.DeadLetters)
	return r
}

// Ingest validates, maps and admits one inbound message.
// Errors are classified: decode and unmappable failures are permanent
// (already dead-lettered), everything else is transient.
func (r *Relay) Ingest(ctx context.Context, msg *bus.Message) (store.Verdict, error) {
	if err := msg.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", types.ErrDecode, err)
		if msg != nil {
			r.recordDead(msg, dispatch.ReasonDecode, err)
		}
		return 0, err
	}

	if cmd, ok := asCommand(msg); ok {
		return r.command(ctx, msg, cmd)
	}
	if r.isEcho(ctx, msg) {
		return store.DuplicateRejected, nil
	}

	dest, err := r.mapper.Resolve(ctx, msg.Source, msg.SourceChatID)
	if err != nil {
		if errors.Is(err, types.ErrUnmappableChat) {
			r.recordDead(msg, dispatch.ReasonUnmappable, err)
			return 0, err
		}
		return 0, types.NewTransient("resolve", 0, err)
	}
	msg.DestChatID = dest

	verdict, err := r.gate.Admit(ctx, msg.ChatKey(), msg.ID, func() error {
		return r.bus.Publish(ctx, msg)
	})
	if err != nil {
		return 0, types.NewTransient("admit", 0, err)
	}
	if verdict == store.DuplicateRejected {
		logger.Debug("Duplicate message rejected",
			zap.String("chat", msg.ChatKey()),
			zap.String("msg_id", msg.ID))
	}
	return verdict, nil
}

// isEcho reports whether a self-sent WeChat message is one the relay itself
// sent on behalf of Telegram.
func (r *Relay) isEcho(ctx context.Context, msg *bus.Message) bool {
	if msg.Source != bus.PlatformWeChat || !msg.Outgoing {
		return false
	}
	_, ok, err := r.links.FindByDest(ctx, string(bus.PlatformWeChat), msg.SourceChatID, msg.ID)
	return err == nil && ok
}

// Reject dead-letters an inbound entry that could not be decoded.
func (r *Relay) Reject(_ context.Context, source bus.Platform, id string, cause error) {
	reason := dispatch.ReasonDecode
	if !errors.Is(cause, types.ErrDecode) {
		reason = dispatch.ReasonExhausted
	}
	r.recordDead(&bus.Message{ID: id, Source: source, Kind: bus.KindUnknown}, reason, cause)
}

func (r *Relay) recordDead(msg *bus.Message, reason string, cause error) {
	logger.Warn("Inbound message dead-lettered",
		zap.String("chat", msg.ChatKey()),
		zap.String("msg_id", msg.ID),
		zap.String("reason", reason),
		zap.Error(cause))
	if r.dead == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.dead.RecordDeadLetter(ctx, dispatch.NewDeadLetter(msg, reason, 0, cause)); err != nil {
		logger.Error("Failed to record dead letter", zap.String("msg_id", msg.ID), zap.Error(err))
	}
}

// ObservePresence records the WeChat login state and tells the owner about
// each transition. Coming online at startup is not a transition worth a notice.
func (r *Relay) ObservePresence(_ context.Context, p channels.Presence) {
	if p == channels.PresenceUnknown {
		return
	}
	old := channels.Presence(r.presence.Swap(int32(p)))
	if old == p || (old == channels.PresenceUnknown && p == channels.PresenceOnline) {
		return
	}

	logger.Info("WeChat presence changed",
		zap.String("from", old.String()),
		zap.String("to", p.String()))
	r.notifyOwner(text(r.opts.Lang, p.String()))
}

// Presence returns the last observed WeChat login state.
func (r *Relay) Presence() channels.Presence {
	return channels.Presence(r.presence.Load())
}

func (r *Relay) notifyOwner(body string) {
	if r.opts.OwnerChatID == 0 {
		return
	}
	n, ok := r.notifier()
	if !ok {
		return
	}
	r.notices.Add(1)
	go func() {
		defer r.notices.Done()
		ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
		defer cancel()
		if err := n.Notify(ctx, r.opts.OwnerChatID, body); err != nil {
			logger.Warn("Failed to notify owner", zap.Error(err))
		}
	}()
}

func (r *Relay) notifier() (Notifier, bool) {
	ch, ok := r.channels.Get(bus.PlatformTelegram)
	if !ok {
		return nil, false
	}
	n, ok := ch.(Notifier)
	return n, ok
}

// Heartbeat polls the backend login state and feeds it into presence.
func (r *Relay) Heartbeat(ctx context.Context) error {
	ch, ok := r.channels.Get(bus.PlatformWeChat)
	if !ok {
		return fmt.Errorf("no wechat channel")
	}
	hb, ok := ch.(Heartbeater)
	if !ok {
		return fmt.Errorf("wechat channel has no heartbeat")
	}
	online, err := hb.Heartbeat(ctx)
	if err != nil {
		return err
	}
	if online {
		r.ObservePresence(ctx, channels.PresenceOnline)
	} else {
		r.ObservePresence(ctx, channels.PresenceOffline)
	}
	return nil
}

// Trim drops forward records and message links older than the retention window.
func (r *Relay) Trim(ctx context.Context) error {
	records, err := r.gate.Trim(ctx, r.opts.Retention)
	if err != nil {
		return fmt.Errorf("trim forward records: %w", err)
	}
	links, err := r.links.TrimLinks(ctx, time.Now().Add(-r.opts.Retention))
	if err != nil {
		return fmt.Errorf("trim links: %w", err)
	}
	logger.Info("Relay state trimmed",
		zap.Int64("records", records),
		zap.Int64("links", links),
		zap.Duration("retention", r.opts.Retention))
	return nil
}

// Start starts the channels, the bus consumer and every component.
func (r *Relay) Start(ctx context.Context, comps ...Component) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("relay already running")
	}
	if err := r.channels.Start(ctx); err != nil {
		r.running.Store(false)
		return fmt.Errorf("start channels: %w", err)
	}

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	runCtx, cancelRun := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	r.mu.Lock()
	r.cancelDrain = cancelDrain
	r.cancelRun = cancelRun
	r.consumerDone = make(chan struct{})
	r.done = make(chan struct{})
	r.reporters = r.reporters[:0]
	for _, c := range comps {
		if rep, ok := c.(Reporter); ok {
			r.reporters = append(r.reporters, rep)
		}
	}
	consumerDone, done := r.consumerDone, r.done
	r.mu.Unlock()

	go r.consume(drainCtx, consumerDone)

	for _, c := range comps {
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				logger.Error("Component failed", zap.String("component", c.Name()), zap.Error(err))
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			return nil
		})
	}
	go func() {
		err := g.Wait()
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		close(done)
	}()

	logger.Info("Relay started", zap.Int("components", len(comps)))
	return nil
}

// Done is closed once every component has returned.
func (r *Relay) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the first component error, if any.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// consume forwards bus messages to the dispatcher in admission order.
func (r *Relay) consume(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, err := r.bus.Consume(ctx)
		if err != nil {
			if !errors.Is(err, bus.ErrBusClosed) {
				r.abandonQueued()
			}
			return
		}
		if err := r.dispatcher.Enqueue(msg); err != nil {
			r.recordDead(msg, dispatch.ReasonShutdown, err)
		}
	}
}

// abandonQueued dead-letters whatever is left on a closed bus.
func (r *Relay) abandonQueued() {
	if !r.bus.IsClosed() {
		return
	}
	for {
		msg, err := r.bus.Consume(context.Background())
		if err != nil {
			return
		}
		r.recordDead(msg, dispatch.ReasonShutdown, err)
	}
}

// Stop stops ingress first, then drains the bus and the dispatcher until ctx
// expires. Messages not delivered by then are dead-lettered.
func (r *Relay) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	r.mu.Lock()
	cancelRun, cancelDrain := r.cancelRun, r.cancelDrain
	consumerDone, done := r.consumerDone, r.done
	r.mu.Unlock()

	var errs []error
	cancelRun()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for components: %w", ctx.Err()))
	}

	_ = r.bus.Close()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		cancelDrain()
		<-consumerDone
	}
	cancelDrain()

	if err := r.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	r.notices.Wait()

	logger.Info("Relay stopped", zap.Any("stats", r.dispatcher.Stats()))
	return errors.Join(errs...)
}

// Health reports whether the relay is running with the account online.
func (r *Relay) Health(ctx context.Context) (bool, map[string]any) {
	running := r.running.Load()
	presence := r.Presence()

	components := map[string]any{
		"running":       running,
		"wechat_online": presence.String(),
		"dispatcher":    r.dispatcher.Stats(),
		"bus_pending":   r.bus.Len(),
	}
	if r.dead != nil {
		if n, err := r.dead.CountDeadLetters(ctx); err == nil {
			components["dead_letters"] = n
		} else {
			components["dead_letters"] = err.Error()
		}
	}
	r.mu.Lock()
	for _, rep := range r.reporters {
		components[rep.Name()] = rep.Status()
	}
	r.mu.Unlock()
	return running && presence != channels.PresenceOffline, components
}

// Dispatcher exposes the dispatcher for stats.
func (r *Relay) Dispatcher() *dispatch.Dispatcher {
	return r.dispatcher
}
