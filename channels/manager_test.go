package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/smallnest/wegram/bus"
)

type testChannel struct {
	platform bus.Platform
	started  bool
	startErr error
}

func (c *testChannel) Platform() bus.Platform { return c.platform }

func (c *testChannel) Send(ctx context.Context, msg *bus.Message) (Receipt, error) {
	return Receipt{ID: "1"}, nil
}

func (c *testChannel) Fetch(ctx context.Context, msg *bus.Message) ([]byte, error) { return nil, nil }

func (c *testChannel) Delete(ctx context.Context, chatID, msgID, meta string) error { return nil }

func (c *testChannel) Start(ctx context.Context) error {
	c.started = true
	return c.startErr
}

func TestManagerRegisterNilChannelShouldNotPanic(t *testing.T) {
	mgr := NewManager()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("registering nil channel should return error, got panic: %v", r)
		}
	}()

	var ch Channel
	if err := mgr.Register(ch); err == nil {
		t.Fatalf("expected error when registering nil channel")
	}
}

func TestManagerRegisterRejectsDuplicatePlatform(t *testing.T) {
	mgr := NewManager()
	if err := mgr.Register(&testChannel{platform: bus.PlatformTelegram}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := mgr.Register(&testChannel{platform: bus.PlatformTelegram}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := mgr.Register(&testChannel{platform: "irc"}); err == nil {
		t.Fatalf("expected unknown platform error")
	}

	ch, ok := mgr.Get(bus.PlatformTelegram)
	if !ok || ch.Platform() != bus.PlatformTelegram {
		t.Fatalf("Get(telegram) = %v, %v", ch, ok)
	}
	if _, ok := mgr.Get(bus.PlatformWeChat); ok {
		t.Fatalf("wechat should not be registered")
	}
	if got := len(mgr.Platforms()); got != 1 {
		t.Fatalf("Platforms() len = %d, want 1", got)
	}
}

func TestManagerStartPropagatesError(t *testing.T) {
	mgr := NewManager()
	tg := &testChannel{platform: bus.PlatformTelegram, startErr: errors.New("bad token")}
	if err := mgr.Register(tg); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if !tg.started {
		t.Fatalf("channel Start was not called")
	}
}

func TestRenderText(t *testing.T) {
	cases := []struct {
		name string
		msg  *bus.Message
		want string
	}{
		{"text", &bus.Message{Payload: bus.NewText("hi")}, "hi"},
		{"structured", &bus.Message{Payload: bus.Payload{Structured: &bus.Structured{Title: "T", URL: "https://x"}}}, "T\nhttps://x"},
		{"location", &bus.Message{Payload: bus.Payload{Location: &bus.Location{Lat: 1.5, Lon: 2.25, Label: "Home"}}}, "Home\n1.500000,2.250000"},
		{"empty", &bus.Message{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RenderText(tc.msg); got != tc.want {
				t.Fatalf("RenderText() = %q, want %q", got, tc.want)
			}
		})
	}
}
