package ingress

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	telegrambot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct {
	mu       sync.Mutex
	ingested []string
	rejected []string
	presence []channels.Presence
	fail     map[string]error
}

func (f *fakeAdmitter) Ingest(_ context.Context, msg *bus.Message) (store.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, msg.ID)
	if err, ok := f.fail[msg.ID]; ok {
		return 0, err
	}
	return store.Admitted, nil
}

func (f *fakeAdmitter) Reject(_ context.Context, _ bus.Platform, id string, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, id)
}

func (f *fakeAdmitter) ObservePresence(_ context.Context, p channels.Presence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, p)
}

func (f *fakeAdmitter) snapshot() (ingested, rejected []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ingested...), append([]string(nil), f.rejected...)
}

type fakeSource struct {
	batches []Batch
	cursors []string
}

func (s *fakeSource) Name() string           { return "fake" }
func (s *fakeSource) Platform() bus.Platform { return bus.PlatformTelegram }

func (s *fakeSource) Fetch(_ context.Context, cursor string) (Batch, error) {
	s.cursors = append(s.cursors, cursor)
	if len(s.batches) == 0 {
		return Batch{}, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func msgs(ids ...string) []*bus.Message {
	out := make([]*bus.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, &bus.Message{ID: id, Source: bus.PlatformTelegram, SourceChatID: "-100", Payload: bus.NewText(id)})
	}
	return out
}

func TestPollAdvancesCursorAfterWholeBatch(t *testing.T) {
	src := &fakeSource{batches: []Batch{
		{Envelope: &channels.Envelope{Messages: msgs("1", "2")}, Next: "3"},
	}}
	relay := &fakeAdmitter{}
	cursors := store.NewMemory()
	p := NewPoller(src, relay, cursors, time.Millisecond)

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, "3", p.Cursor())
	saved, _ := cursors.LoadCursor(context.Background(), "fake")
	assert.Equal(t, "3", saved)
	assert.Equal(t, []string{"1", "2"}, relay.ingested)
}

func TestPollKeepsCursorOnTransientFailure(t *testing.T) {
	batch := Batch{Envelope: &channels.Envelope{Messages: msgs("1", "2", "3")}, Next: "4"}
	src := &fakeSource{batches: []Batch{batch, batch}}
	relay := &fakeAdmitter{fail: map[string]error{
		"2": types.NewTransient("publish", 0, errors.New("queue full")),
	}}
	p := NewPoller(src, relay, store.NewMemory(), time.Millisecond)

	err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Empty(t, p.Cursor())
	assert.Equal(t, []string{"1", "2"}, relay.ingested, "rest of batch is skipped")

	// next tick refetches from the same cursor
	delete(relay.fail, "2")
	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []string{"", ""}, src.cursors)
	assert.Equal(t, "4", p.Cursor())
}

func TestPollAdvancesPastPermanentRejects(t *testing.T) {
	src := &fakeSource{batches: []Batch{{
		Envelope: &channels.Envelope{
			Messages: msgs("1", "2"),
			Failed:   map[string]error{"9": types.ErrDecode},
		},
		Next: "10",
	}}}
	relay := &fakeAdmitter{fail: map[string]error{"1": types.ErrUnmappableChat}}
	p := NewPoller(src, relay, store.NewMemory(), time.Millisecond)

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, "10", p.Cursor())
	assert.Equal(t, []string{"9"}, relay.rejected)
}

func TestPollRejectsDecodeFailuresOncePerBatch(t *testing.T) {
	batch := Batch{
		Envelope: &channels.Envelope{
			Messages: msgs("1", "2"),
			Failed:   map[string]error{"9": types.ErrDecode},
		},
		Next: "10",
	}
	src := &fakeSource{batches: []Batch{batch, batch}}
	relay := &fakeAdmitter{fail: map[string]error{
		"2": types.NewTransient("publish", 0, errors.New("queue full")),
	}}
	p := NewPoller(src, relay, store.NewMemory(), time.Millisecond)

	require.Error(t, p.Poll(context.Background()))
	_, rejected := relay.snapshot()
	assert.Empty(t, rejected)

	delete(relay.fail, "2")
	require.NoError(t, p.Poll(context.Background()))
	_, rejected = relay.snapshot()
	assert.Equal(t, []string{"9"}, rejected)
	assert.Equal(t, "10", p.Cursor())
}

func TestPollerRunResumesFromStoredCursor(t *testing.T) {
	cursors := store.NewMemory()
	require.NoError(t, cursors.SaveCursor(context.Background(), "fake", "42"))
	src := &fakeSource{}
	p := NewPoller(src, &fakeAdmitter{}, cursors, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	require.NotEmpty(t, src.cursors)
	assert.Equal(t, "42", src.cursors[0])
}

type fakeUpdates struct {
	offsets []int
	updates []telegrambot.Update
}

func (f *fakeUpdates) Updates(_ context.Context, offset int) ([]telegrambot.Update, error) {
	f.offsets = append(f.offsets, offset)
	return f.updates, nil
}

func TestTelegramSourceOffsets(t *testing.T) {
	chat := &telegrambot.Chat{ID: -100}
	user := &telegrambot.User{ID: 7, FirstName: "Bob"}
	bot := &fakeUpdates{updates: []telegrambot.Update{
		{UpdateID: 10, Message: &telegrambot.Message{MessageID: 1, Chat: chat, From: user, Text: "a"}},
		{UpdateID: 11},
		{UpdateID: 12, Message: &telegrambot.Message{MessageID: 2, Chat: chat, From: user, Text: "b"}},
	}}
	src := NewTelegramSource(bot)

	b, err := src.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "13", b.Next)
	assert.Len(t, b.Envelope.Messages, 2)
	assert.Equal(t, 1, b.Envelope.Skipped)

	bot.updates = nil
	b, err = src.Fetch(context.Background(), "13")
	require.NoError(t, err)
	assert.Empty(t, b.Next)
	assert.Equal(t, []int{0, 13}, bot.offsets)

	_, err = src.Fetch(context.Background(), "x")
	assert.Error(t, err)
}

type fakeSyncer struct{ keys []string }

func (f *fakeSyncer) Sync(_ context.Context, key string) (*channels.Envelope, string, error) {
	f.keys = append(f.keys, key)
	return &channels.Envelope{Presence: channels.PresenceOnline, Messages: msgs("w1")}, "k1", nil
}

func TestWeChatSyncSource(t *testing.T) {
	backend := &fakeSyncer{}
	relay := &fakeAdmitter{}
	p := NewPoller(NewWeChatSyncSource(backend), relay, store.NewMemory(), time.Millisecond)

	require.NoError(t, p.Poll(context.Background()))
	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []string{"", "k1"}, backend.keys)
	assert.Equal(t, []channels.Presence{channels.PresenceOnline, channels.PresenceOnline}, relay.presence)
}

const streamFrame = `{"Message":"成功","Data":{"AddMsgs":[{"MsgId":5,"NewMsgId":5,` +
	`"FromUserName":{"string":"wxid_alice"},"ToUserName":{"string":"wxid_self"},` +
	`"Content":{"string":"hi"},"MsgType":1,"CreateTime":1700000000}]}}`

func TestStreamDeliversFramesAndReconnects(t *testing.T) {
	var (
		mu    sync.Mutex
		conns int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		conns++
		mu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(streamFrame))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{garbage`))
		// drop the connection to force a reconnect
	}))
	defer srv.Close()

	relay := &fakeAdmitter{}
	s := NewStream(config.StreamConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, "wxid_self", relay)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	ingested, _ := relay.snapshot()
	require.NotEmpty(t, ingested)
	assert.Equal(t, "5", ingested[0])
	assert.False(t, s.Connected())
}

func TestStreamRejectsAfterRetries(t *testing.T) {
	relay := &fakeAdmitter{fail: map[string]error{
		"5": types.NewTransient("publish", 0, errors.New("queue full")),
	}}
	s := NewStream(config.StreamConfig{}, "wxid_self", relay)
	s.handle(context.Background(), []byte(streamFrame))

	ingested, rejected := relay.snapshot()
	assert.Len(t, ingested, streamIngestTries)
	assert.Equal(t, []string{"5"}, rejected)
}

type fakeAck struct {
	acked    []uint64
	requeued []uint64
	dropped  []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error { a.acked = append(a.acked, tag); return nil }

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.dropped = append(a.dropped, tag)
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestQueueSettlesDeliveries(t *testing.T) {
	transient := types.NewTransient("publish", 0, errors.New("queue full"))
	cases := []struct {
		name        string
		body        string
		redelivered bool
		fail        map[string]error
		acked       bool
		requeued    bool
		dropped     bool
		rejected    []string
	}{
		{name: "admitted", body: streamFrame, acked: true},
		{name: "malformed", body: `{garbage`, dropped: true},
		{name: "permanent", body: streamFrame, fail: map[string]error{"5": types.ErrUnmappableChat}, acked: true},
		{name: "transient first delivery", body: streamFrame, fail: map[string]error{"5": transient}, requeued: true},
		{name: "transient redelivery", body: streamFrame, redelivered: true,
			fail: map[string]error{"5": transient}, acked: true, rejected: []string{"5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			relay := &fakeAdmitter{fail: tc.fail}
			q := NewQueue(config.RabbitMQConfig{Queue: "wxapi", Prefetch: 1}, "wxid_self", relay)
			q.tries = 1
			ack := &fakeAck{}

			q.handle(context.Background(), amqp.Delivery{
				Acknowledger: ack,
				DeliveryTag:  7,
				Redelivered:  tc.redelivered,
				Body:         []byte(tc.body),
			})

			assert.Equal(t, tc.acked, len(ack.acked) == 1)
			assert.Equal(t, tc.requeued, len(ack.requeued) == 1)
			assert.Equal(t, tc.dropped, len(ack.dropped) == 1)
			_, rejected := relay.snapshot()
			assert.Equal(t, tc.rejected, rejected)
		})
	}
}

func TestQueueStatus(t *testing.T) {
	q := NewQueue(config.RabbitMQConfig{Queue: "wxapi"}, "wxid_self", &fakeAdmitter{})
	assert.Equal(t, "wechat_rabbitmq", q.Name())
	assert.Equal(t, map[string]any{"queue": "wxapi", "connected": false}, q.Status())
}
