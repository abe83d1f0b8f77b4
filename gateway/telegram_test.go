package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	telegrambot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
)

const webhookPath = "/telegram/webhook/s3cret"

func newWebhookServer(relay *fakeRelay) http.Handler {
	s := NewServer(
		config.CallbackConfig{Host: "127.0.0.1", MaxBody: 1024},
		config.WeChatConfig{Variant: config.VariantV1, WXID: testWXID},
		relay,
	)
	// HandleUpdate only decodes the request body
	return s.WithTelegramWebhook(webhookPath, &telegrambot.BotAPI{}).Handler()
}

func telegramUpdate(fromBot bool) string {
	bot := "false"
	if fromBot {
		bot = "true"
	}
	return `{"update_id":5,"message":{"message_id":3,"date":1700000000,` +
		`"chat":{"id":-100,"type":"group"},"from":{"id":7,"is_bot":` + bot + `,"first_name":"Bob"},"text":"hi"}}`
}

func TestTelegramWebhookIngests(t *testing.T) {
	relay := &fakeRelay{}
	h := newWebhookServer(relay)

	rec := post(h, webhookPath, telegramUpdate(false), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(relay.ingested) != 1 {
		t.Fatalf("ingested = %d", len(relay.ingested))
	}
	msg := relay.ingested[0]
	if msg.Source != bus.PlatformTelegram || msg.ID != "3" || msg.SourceChatID != "-100" {
		t.Fatalf("message = %+v", msg)
	}

	// updates from bots are acknowledged without ingesting
	rec = post(h, webhookPath, telegramUpdate(true), nil)
	if rec.Code != http.StatusOK || len(relay.ingested) != 1 {
		t.Fatalf("bot update: status = %d ingested = %d", rec.Code, len(relay.ingested))
	}
}

func TestTelegramWebhookStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"transient asks for redelivery", types.NewTransient("publish", 0, errors.New("queue full")), telegramUpdate(false), http.StatusServiceUnavailable},
		{"unmappable is acknowledged", types.ErrUnmappableChat, telegramUpdate(false), http.StatusOK},
		{"malformed json", nil, `{"update_id":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			relay := &fakeRelay{ingest: func(*bus.Message) (store.Verdict, error) {
				return 0, tc.err
			}}
			rec := post(newWebhookServer(relay), webhookPath, tc.body, nil)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestTelegramWebhookOnlyWhenConfigured(t *testing.T) {
	h := newWebhookServer(&fakeRelay{})
	req := httptest.NewRequest(http.MethodGet, webhookPath, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}

	plain := newTestServer(t, "", &fakeRelay{})
	rec = post(plain, webhookPath, telegramUpdate(false), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unconfigured webhook status = %d, want 404", rec.Code)
	}
}
