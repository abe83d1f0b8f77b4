package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/config"
	"github.com/smallnest/wegram/types"
)

type backendCall struct {
	Path string
	Body map[string]any
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []backendCall
	reply func(path string, body map[string]any) (int, string)
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, backendCall{Path: r.URL.Path, Body: body})
	f.mu.Unlock()

	status, resp := f.reply(r.URL.Path, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp))
}

func newWeChatFixture(t *testing.T, reply func(path string, body map[string]any) (int, string)) (*WeChatChannel, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{reply: reply}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	ch := NewWeChatChannel(config.WeChatConfig{
		BaseURL: srv.URL,
		Variant: config.VariantV1,
		WXID:    selfWXID,
		Timeout: 2 * time.Second,
	})
	return ch, fb
}

func TestWeChatSendText(t *testing.T) {
	ch, fb := newWeChatFixture(t, func(path string, body map[string]any) (int, string) {
		return 200, `{"Success":true,"Data":{"List":[{"NewMsgId":4242,"ClientMsgid":7,"Createtime":1700000000}]}}`
	})

	msg := &bus.Message{ID: "1", DestChatID: "wxid_alice", Kind: bus.KindText, Payload: bus.NewText("hello")}
	rcpt, err := ch.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rcpt.ID != "4242" || rcpt.Meta != "wxid_alice|7|1700000000" {
		t.Fatalf("receipt = %+v", rcpt)
	}
	if len(fb.calls) != 1 || fb.calls[0].Path != "/api/Msg/SendTxt" {
		t.Fatalf("calls = %+v", fb.calls)
	}
	b := fb.calls[0].Body
	if b["ToWxid"] != "wxid_alice" || b["Content"] != "hello" || b["Wxid"] != selfWXID {
		t.Fatalf("body = %+v", b)
	}

	if err := ch.Delete(context.Background(), "wxid_alice", rcpt.ID, rcpt.Meta); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	last := fb.calls[len(fb.calls)-1]
	if last.Path != "/api/Msg/Revoke" || last.Body["ClientMsgId"] != "7" || last.Body["NewMsgId"] != "4242" {
		t.Fatalf("revoke call = %+v", last)
	}
}

func TestWeChatSendVoiceUsesSilkPayload(t *testing.T) {
	ch, fb := newWeChatFixture(t, func(path string, body map[string]any) (int, string) {
		return 200, `{"Success":true,"Data":{"NewMsgId":1}}`
	})
	msg := &bus.Message{
		ID:         "1",
		DestChatID: "wxid_alice",
		Kind:       bus.KindVoice,
		Payload:    bus.Payload{Media: &bus.Media{Data: []byte("#!SILK_V3"), Duration: 2 * time.Second}},
	}
	if _, err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	b := fb.calls[0].Body
	if fb.calls[0].Path != "/api/Msg/SendVoice" || b["VoiceTime"] != float64(2000) || b["Type"] != float64(4) {
		t.Fatalf("call = %+v", fb.calls[0])
	}
}

func TestWeChatErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   types.Outcome
	}{
		{"server error", 502, `bad gateway`, types.Retryable},
		{"rate limited", 429, `{}`, types.Retryable},
		{"bad request", 400, `{"Message":"bad"}`, types.Permanent},
		{"backend offline", 200, `{"Success":false,"Message":"not logged in"}`, types.Retryable},
		{"garbage", 200, `<html>`, types.Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch, _ := newWeChatFixture(t, func(string, map[string]any) (int, string) { return tc.status, tc.body })
			_, err := ch.Send(context.Background(), &bus.Message{DestChatID: "x", Payload: bus.NewText("hi")})
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := types.Classify(err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", err, got, tc.want)
			}
		})
	}
}

func TestWeChatHeartbeat(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	ch, _ := newWeChatFixture(t, func(string, map[string]any) (int, string) {
		if online.Load() {
			return 200, `{"Success":true,"Data":{}}`
		}
		return 200, `{"Success":false,"Message":"用户可能退出"}`
	})
	ok, err := ch.Heartbeat(context.Background())
	if err != nil || !ok {
		t.Fatalf("Heartbeat online = %v, %v", ok, err)
	}
	online.Store(false)
	ok, err = ch.Heartbeat(context.Background())
	if err != nil || ok {
		t.Fatalf("Heartbeat offline = %v, %v", ok, err)
	}
}

func TestWeChatChunkedVideoDownload(t *testing.T) {
	video := bytes.Repeat([]byte("0123456789"), 10000) // 100000 bytes, two chunks
	ch, fb := newWeChatFixture(t, func(path string, body map[string]any) (int, string) {
		section := body["Section"].(map[string]any)
		start := int(section["StartPos"].(float64))
		size := int(section["DataLen"].(float64))
		chunk := base64.StdEncoding.EncodeToString(video[start : start+size])
		return 200, `{"Success":true,"Data":{"data":{"buffer":"data:video/mp4;base64,` + chunk + `"}}}`
	})

	msg := &bus.Message{
		ID:           "123",
		Source:       bus.PlatformWeChat,
		SourceChatID: "wxid_alice",
		Kind:         bus.KindVideo,
		Raw:          `<msg><videomsg length="100000" playlength="3" /></msg>`,
		Payload:      bus.Payload{Media: &bus.Media{Handle: "123", Size: 100000}},
	}
	data, err := ch.Fetch(context.Background(), msg)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(data, video) {
		t.Fatalf("downloaded %d bytes, want %d", len(data), len(video))
	}
	if len(fb.calls) != 2 {
		t.Fatalf("expected 2 chunk calls, got %d", len(fb.calls))
	}
	if fb.calls[0].Path != "/api/Tools/DownloadVideo" || fb.calls[1].Body["Section"].(map[string]any)["StartPos"] != float64(65536) {
		t.Fatalf("calls = %+v", fb.calls)
	}
}

func TestWeChatOversizedMediaIsPermanent(t *testing.T) {
	for _, tc := range []struct {
		name     string
		size     int64
		totalLen string
	}{
		{name: "declared in message", size: 1 << 50, totalLen: "0"},
		{name: "reported by backend", size: 0, totalLen: "1125899906842624"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ch, fb := newWeChatFixture(t, func(path string, body map[string]any) (int, string) {
				return 200, `{"Success":true,"Data":{"totalLen":` + tc.totalLen + `,"data":{"buffer":"AAAA"}}}`
			})
			msg := &bus.Message{
				ID:           "123",
				Source:       bus.PlatformWeChat,
				SourceChatID: "wxid_alice",
				Kind:         bus.KindVideo,
				Payload:      bus.Payload{Media: &bus.Media{Handle: "123", Size: tc.size}},
			}
			_, err := ch.Fetch(context.Background(), msg)
			if err == nil {
				t.Fatalf("expected oversized media to fail")
			}
			if got := types.Classify(err); got != types.Permanent {
				t.Fatalf("classify = %s, want permanent (%v)", got, err)
			}
			if tc.size > 0 && len(fb.calls) != 0 {
				t.Fatalf("declared oversize should not hit the backend, calls = %d", len(fb.calls))
			}
		})
	}
}

func TestWeChatSync(t *testing.T) {
	ch, _ := newWeChatFixture(t, func(path string, body map[string]any) (int, string) {
		if path != "/api/Msg/Sync" {
			return 404, ``
		}
		return 200, `{"Success":true,"Data":{"AddMsgs":[` + addMsg("wxid_alice", selfWXID, "hi", 1) + `],"KeyBuf":{"buffer":"next-key"}}}`
	})
	env, next, err := ch.Sync(context.Background(), "k0")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if next != "next-key" || len(env.Messages) != 1 {
		t.Fatalf("next=%q env=%+v", next, env)
	}
}

func TestWeChatContextCancelIsNotWrapped(t *testing.T) {
	ch, _ := newWeChatFixture(t, func(string, map[string]any) (int, string) {
		time.Sleep(200 * time.Millisecond)
		return 200, `{"Success":true}`
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.Send(ctx, &bus.Message{DestChatID: "x", Payload: bus.NewText("hi")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
