package channels

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/types"
	"github.com/tidwall/gjson"
)

const selfWXID = "wxid_self"

func addMsg(from, to, content string, msgType int) string {
	return `{"MsgId":1001,"NewMsgId":9001,"FromUserName":{"string":"` + from +
		`"},"ToUserName":{"string":"` + to + `"},"Content":{"string":` + jsonString(content) +
		`},"MsgType":` + strconv.Itoa(msgType) + `,"CreateTime":1700000000,"PushContent":"Alice : hi"}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func decodeOne(t *testing.T, raw string) (*bus.Message, bool, error) {
	t.Helper()
	if !gjson.Valid(raw) {
		t.Fatalf("test fixture is not valid json: %s", raw)
	}
	return DecodeAddMsg(gjson.Parse(raw), selfWXID)
}

func TestDecodeText(t *testing.T) {
	msg, ok, err := decodeOne(t, addMsg("wxid_alice", selfWXID, "hello", 1))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if msg.ID != "9001" || msg.SourceChatID != "wxid_alice" || msg.Kind != bus.KindText {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Payload.Text == nil || msg.Payload.Text.Body != "hello" {
		t.Fatalf("payload = %+v", msg.Payload)
	}
	if msg.SenderName != "Alice" {
		t.Fatalf("sender name = %q", msg.SenderName)
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Fatalf("timestamp = %v", msg.Timestamp)
	}
}

func TestDecodeGroupStripsSenderPrefix(t *testing.T) {
	msg, ok, err := decodeOne(t, addMsg("123@chatroom", selfWXID, "wxid_bob:\nhey all", 1))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if msg.SourceChatID != "123@chatroom" || msg.SenderID != "wxid_bob" {
		t.Fatalf("chat=%q sender=%q", msg.SourceChatID, msg.SenderID)
	}
	if msg.Payload.Text.Body != "hey all" {
		t.Fatalf("body = %q", msg.Payload.Text.Body)
	}
	if Header(msg) != "Alice" {
		t.Fatalf("header = %q", Header(msg))
	}
}

func TestDecodeSelfSentUsesRecipientChat(t *testing.T) {
	msg, ok, err := decodeOne(t, addMsg(selfWXID, "wxid_carol", "from my phone", 1))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if msg.SourceChatID != "wxid_carol" || !msg.Outgoing {
		t.Fatalf("chat=%q outgoing=%v", msg.SourceChatID, msg.Outgoing)
	}
}

func TestDecodeAppMsgResolvesInnerType(t *testing.T) {
	quote := `<msg><appmsg appid=""><title>agreed</title><type>57</type><refermsg><svrid>777</svrid><content>orig</content></refermsg></appmsg></msg>`
	msg, ok, err := decodeOne(t, addMsg("wxid_alice", selfWXID, quote, 49))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if msg.Kind != bus.KindQuote || msg.RawType != "57" {
		t.Fatalf("kind=%s raw=%s", msg.Kind, msg.RawType)
	}
	if msg.ReplyTo != "777" || msg.Payload.Text.Body != "agreed" {
		t.Fatalf("reply=%q payload=%+v", msg.ReplyTo, msg.Payload)
	}

	link := `<msg><appmsg><title>News</title><des>summary</des><type>5</type><url>https://example.com/a</url></appmsg></msg>`
	msg, _, err = decodeOne(t, addMsg("wxid_alice", selfWXID, link, 49))
	if err != nil {
		t.Fatalf("decode link: %v", err)
	}
	if msg.Kind != bus.KindLink || msg.Payload.Structured == nil || msg.Payload.Structured.URL != "https://example.com/a" {
		t.Fatalf("link decoded as %+v", msg)
	}
}

func TestDecodeSysMsgRevoke(t *testing.T) {
	revoke := `<sysmsg type="revokemsg"><revokemsg><newmsgid>555</newmsgid><replacemsg>"Alice" recalled a message</replacemsg></revokemsg></sysmsg>`
	msg, ok, err := decodeOne(t, addMsg("wxid_alice", selfWXID, revoke, 10002))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if msg.Kind != bus.KindRevoke || msg.ReplyTo != "555" {
		t.Fatalf("kind=%s reply=%s", msg.Kind, msg.ReplyTo)
	}

	// 自己的撤回不回传
	_, ok, err = decodeOne(t, addMsg(selfWXID, "wxid_alice", revoke, 10002))
	if err != nil || ok {
		t.Fatalf("own revoke should be skipped: ok=%v err=%v", ok, err)
	}
}

func TestDecodeLocationAndMedia(t *testing.T) {
	loc := `<msg><location x="31.23" y="121.47" scale="15" label="Shanghai" poiname="The Bund" /></msg>`
	msg, _, err := decodeOne(t, addMsg("wxid_alice", selfWXID, loc, 48))
	if err != nil {
		t.Fatalf("decode location: %v", err)
	}
	if msg.Payload.Location == nil || msg.Payload.Location.Lat != 31.23 || msg.Payload.Location.Label != "The Bund" {
		t.Fatalf("location = %+v", msg.Payload.Location)
	}

	voice := `<msg><voicemsg endflag="1" length="4096" voicelength="3200" bufid="0" /></msg>`
	msg, _, err = decodeOne(t, addMsg("wxid_alice", selfWXID, voice, 34))
	if err != nil {
		t.Fatalf("decode voice: %v", err)
	}
	if msg.Kind != bus.KindVoice || msg.Payload.Media == nil || msg.Payload.Media.Size != 4096 {
		t.Fatalf("voice = %+v", msg.Payload.Media)
	}
	if msg.Payload.Media.Duration.Milliseconds() != 3200 {
		t.Fatalf("voice duration = %v", msg.Payload.Media.Duration)
	}
}

func TestDecodeSkips(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"open chat status", addMsg("wxid_alice", selfWXID, "<msg/>", 51)},
		{"blacklisted inner type", addMsg("wxid_alice", selfWXID, `<msg><appmsg><type>74</type></appmsg></msg>`, 49)},
		{"folded groups", addMsg("x@placeholder_foldgroup", selfWXID, "hi", 1)},
		{"notifications", addMsg("notification_messages", selfWXID, "hi", 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok, err := decodeOne(t, tc.raw)
			if err != nil || ok || msg != nil {
				t.Fatalf("expected skip, got msg=%v ok=%v err=%v", msg, ok, err)
			}
		})
	}
}

func TestDecodeMalformedAppMsg(t *testing.T) {
	_, _, err := decodeOne(t, addMsg("wxid_alice", selfWXID, "<msg><appmsg>", 49))
	if !errors.Is(err, types.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecodeUnknownCodeIsUnknownKind(t *testing.T) {
	msg, ok, err := decodeOne(t, addMsg("wxid_alice", selfWXID, "<msg/>", 9999))
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if msg.Kind != bus.KindUnknown {
		t.Fatalf("kind = %s", msg.Kind)
	}
}

func TestDecodeCallbackEnvelope(t *testing.T) {
	body := `{"Message":"成功","Data":{"AddMsgs":[` +
		addMsg("wxid_alice", selfWXID, "one", 1) + `,` +
		addMsg("wxid_alice", selfWXID, "<msg/>", 51) + `,` +
		`{"MsgId":3}` +
		`]}}`
	env, err := DecodeCallback([]byte(body), selfWXID)
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if env.Presence != PresenceOnline || len(env.Messages) != 1 || env.Skipped != 1 || len(env.Failed) != 1 {
		t.Fatalf("envelope = %+v", env)
	}

	env, err = DecodeCallback([]byte(`{"Message":"用户可能退出","Data":{}}`), selfWXID)
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if env.Presence != PresenceOffline {
		t.Fatalf("presence = %s", env.Presence)
	}

	if _, err := DecodeCallback([]byte(`{not json`), selfWXID); !errors.Is(err, types.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
