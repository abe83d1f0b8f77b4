package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/channels"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/store"
	"github.com/smallnest/wegram/types"
)

const testWXID = "wxid_self"

type fakeRelay struct {
	mu       sync.Mutex
	ingested []*bus.Message
	rejected []string
	presence []channels.Presence
	ingest   func(msg *bus.Message) (store.Verdict, error)
	healthy  bool
}

func (f *fakeRelay) Ingest(_ context.Context, msg *bus.Message) (store.Verdict, error) {
	f.mu.Lock()
	f.ingested = append(f.ingested, msg)
	fn := f.ingest
	f.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return store.Admitted, nil
}

func (f *fakeRelay) ObservePresence(_ context.Context, p channels.Presence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, p)
}

func (f *fakeRelay) Reject(_ context.Context, _ bus.Platform, id string, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, id)
}

func (f *fakeRelay) Health(context.Context) (bool, map[string]any) {
	return f.healthy, map[string]any{"running": f.healthy}
}

func newTestServer(t *testing.T, secret string, relay *fakeRelay) http.Handler {
	t.Helper()
	s := NewServer(
		config.CallbackConfig{Host: "127.0.0.1", Secret: secret, MaxBody: 1024},
		config.WeChatConfig{Variant: config.VariantV1, WXID: testWXID},
		relay,
	)
	if s.Path() != "/msg/SyncMessage/"+testWXID {
		t.Fatalf("path = %s", s.Path())
	}
	return s.Handler()
}

func callbackBody(msgs ...string) string {
	return `{"Message":"成功","Data":{"AddMsgs":[` + strings.Join(msgs, ",") + `]}}`
}

func textMsg(id int, from, content string) string {
	c, _ := json.Marshal(content)
	return `{"MsgId":` + strconv.Itoa(id) + `,"NewMsgId":` + strconv.Itoa(id) +
		`,"FromUserName":{"string":"` + from + `"},"ToUserName":{"string":"` + testWXID +
		`"},"Content":{"string":` + string(c) + `},"MsgType":1,"CreateTime":1700000000}`
}

func post(h http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCallbackRejectsBadKey(t *testing.T) {
	relay := &fakeRelay{}
	h := newTestServer(t, "s3cret", relay)

	rec := post(h, "/msg/SyncMessage/"+testWXID, callbackBody(textMsg(1, "wxid_a", "hi")), map[string]string{"X-Api-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(relay.ingested) != 0 || len(relay.presence) != 0 {
		t.Fatalf("unauthenticated request mutated state: %+v", relay)
	}
}

func TestCallbackAcceptsEachKeyForm(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		header map[string]string
	}{
		{"bearer", "/msg/SyncMessage/" + testWXID, map[string]string{"Authorization": "Bearer s3cret"}},
		{"api key header", "/msg/SyncMessage/" + testWXID, map[string]string{"X-Api-Key": "s3cret"}},
		{"query", "/msg/SyncMessage/" + testWXID + "?key=s3cret", nil},
		{"wx849 path", "/wx849/callback?key=s3cret", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			relay := &fakeRelay{}
			h := newTestServer(t, "s3cret", relay)
			rec := post(h, tc.path, callbackBody(textMsg(1, "wxid_a", "hi")), tc.header)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
			}
			if len(relay.ingested) != 1 {
				t.Fatalf("ingested = %d", len(relay.ingested))
			}
		})
	}
}

func TestCallbackOversizeBody(t *testing.T) {
	relay := &fakeRelay{}
	h := newTestServer(t, "", relay)
	big := callbackBody(textMsg(1, "wxid_a", strings.Repeat("x", 4096)))
	rec := post(h, "/msg/SyncMessage/"+testWXID, big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestCallbackMalformedJSON(t *testing.T) {
	relay := &fakeRelay{}
	h := newTestServer(t, "", relay)
	rec := post(h, "/msg/SyncMessage/"+testWXID, `{"Message":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(relay.ingested) != 0 {
		t.Fatalf("malformed body should not be ingested")
	}
}

func TestCallbackAdmitsInOrder(t *testing.T) {
	relay := &fakeRelay{}
	h := newTestServer(t, "", relay)
	body := callbackBody(textMsg(1, "wxid_a", "one"), textMsg(2, "wxid_a", "two"), `{"MsgId":3}`)
	rec := post(h, "/msg/SyncMessage/"+testWXID, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["success"] != true || resp["admitted"] != float64(2) {
		t.Fatalf("response = %v", resp)
	}
	if relay.ingested[0].ID != "1" || relay.ingested[1].ID != "2" {
		t.Fatalf("order = %s, %s", relay.ingested[0].ID, relay.ingested[1].ID)
	}
	if len(relay.rejected) != 1 || relay.rejected[0] != "3" {
		t.Fatalf("rejected = %v", relay.rejected)
	}
	if len(relay.presence) != 1 || relay.presence[0] != channels.PresenceOnline {
		t.Fatalf("presence = %v", relay.presence)
	}
}

func TestCallbackTransientFailureAsksForRetry(t *testing.T) {
	relay := &fakeRelay{ingest: func(*bus.Message) (store.Verdict, error) {
		return 0, types.NewTransient("publish", 0, errors.New("queue full"))
	}}
	h := newTestServer(t, "", relay)
	rec := post(h, "/msg/SyncMessage/"+testWXID, callbackBody(textMsg(1, "wxid_a", "hi")), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCallbackUnmappableIsAcknowledged(t *testing.T) {
	relay := &fakeRelay{ingest: func(*bus.Message) (store.Verdict, error) {
		return 0, types.ErrUnmappableChat
	}}
	h := newTestServer(t, "", relay)
	rec := post(h, "/msg/SyncMessage/"+testWXID, callbackBody(textMsg(1, "wxid_a", "hi")), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCallbackLoggedOutPresence(t *testing.T) {
	relay := &fakeRelay{}
	h := newTestServer(t, "", relay)
	rec := post(h, "/msg/SyncMessage/"+testWXID, `{"Message":"用户可能退出","Data":{}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(relay.presence) != 1 || relay.presence[0] != channels.PresenceOffline {
		t.Fatalf("presence = %v", relay.presence)
	}
}

func TestCallbackMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, "", &fakeRelay{})
	req := httptest.NewRequest(http.MethodGet, "/msg/SyncMessage/"+testWXID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	for _, healthy := range []bool{true, false} {
		h := newTestServer(t, "", &fakeRelay{healthy: healthy})
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		var resp map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := "ok"
		if !healthy {
			want = "degraded"
		}
		if resp["status"] != want {
			t.Fatalf("status = %v, want %s", resp["status"], want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(config.CallbackConfig{Host: "127.0.0.1", Port: 0}, config.WeChatConfig{WXID: testWXID}, &fakeRelay{healthy: true})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() || s.Addr() == "" {
		t.Fatalf("server not running")
	}
	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Fatalf("server still running after Stop")
	}
}
