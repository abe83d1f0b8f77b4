package media

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner writes a fixed payload to the command's output path.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	fail     map[string]bool // fail when argv contains this token
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for tok := range f.fail {
		for _, a := range args {
			if a == tok {
				return []byte("boom"), errors.New("exit status 1")
			}
		}
	}

	var out string
	if strings.HasPrefix(name, "silk") {
		out = args[1]
	} else {
		out = args[len(args)-1]
	}
	size := 16
	if strings.HasSuffix(out, ".pcm") {
		size = pcmBytesPerS * 2 // two seconds
	}
	return nil, os.WriteFile(out, make([]byte, size), 0o600)
}

func newTestTranscoder(r Runner, workers int) *Transcoder {
	return New(Options{
		FFmpeg:      "ffmpeg",
		SilkDecoder: "silk_v3_decoder",
		SilkEncoder: "silk_v3_encoder",
		Workers:     workers,
		Timeout:     time.Second,
	}, r)
}

func silkVoice() *bus.Media {
	return &bus.Media{Data: append([]byte{0x02}, []byte("#!SILK_V3....")...), FileName: "a.silk"}
}

func TestSniff(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Codec
	}{
		{"silk", []byte("#!SILK_V3xx"), CodecSilk},
		{"wechat silk", append([]byte{0x02}, []byte("#!SILK_V3")...), CodecSilk},
		{"ogg", []byte("OggS\x00\x02"), CodecOgg},
		{"mp4", []byte("\x00\x00\x00\x18ftypmp42"), CodecMP4},
		{"empty", nil, CodecUnknown},
		{"junk", []byte("GIF89a"), CodecUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sniff(tc.data))
		})
	}
}

func TestTarget(t *testing.T) {
	c, need := Target(bus.PlatformTelegram, bus.KindVoice, CodecSilk)
	assert.Equal(t, CodecOgg, c)
	assert.True(t, need)

	_, need = Target(bus.PlatformTelegram, bus.KindVoice, CodecOgg)
	assert.False(t, need)

	c, need = Target(bus.PlatformWeChat, bus.KindVoice, CodecOgg)
	assert.Equal(t, CodecSilk, c)
	assert.True(t, need)

	_, need = Target(bus.PlatformTelegram, bus.KindVideo, CodecMP4)
	assert.False(t, need)

	_, need = Target(bus.PlatformTelegram, bus.KindPhoto, CodecUnknown)
	assert.False(t, need)
}

func TestSilkToOgg(t *testing.T) {
	r := &fakeRunner{}
	tc := newTestTranscoder(r, 1)

	out, err := tc.Transcode(context.Background(), silkVoice(), CodecSilk, CodecOgg)
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", out.MIMEHint)
	assert.Equal(t, "a.ogg", out.FileName)
	assert.Equal(t, 2*time.Second, out.Duration)
	assert.NotEmpty(t, out.Data)

	require.Len(t, r.calls, 2)
	assert.Equal(t, "silk_v3_decoder", r.calls[0][0])
	assert.Equal(t, "ffmpeg", r.calls[1][0])
	assert.Contains(t, r.calls[1], "libopus")
}

func TestOggToSilk(t *testing.T) {
	r := &fakeRunner{}
	tc := newTestTranscoder(r, 1)

	out, err := tc.Transcode(context.Background(), &bus.Media{Data: []byte("OggS...")}, CodecOgg, CodecSilk)
	require.NoError(t, err)
	assert.Equal(t, "audio/silk", out.MIMEHint)
	assert.Equal(t, 2*time.Second, out.Duration)
	require.Len(t, r.calls, 2)
	assert.Equal(t, "silk_v3_encoder", r.calls[1][0])
	assert.Contains(t, r.calls[1], "-tencent")
}

func TestMP4FallsBackToReencode(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"copy": true}}
	tc := newTestTranscoder(r, 1)

	out, err := tc.Transcode(context.Background(), &bus.Media{Data: []byte("RIFF....AVI ")}, CodecUnknown, CodecMP4)
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", out.MIMEHint)
	require.Len(t, r.calls, 2)
	assert.Contains(t, r.calls[1], "libx264")
}

func TestTranscodeFailureIsTyped(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"-Fs_API": true}}
	tc := newTestTranscoder(r, 1)

	_, err := tc.Transcode(context.Background(), silkVoice(), CodecSilk, CodecOgg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTranscodeFailed))
	assert.Contains(t, err.Error(), "silk decode")
}

func TestTranscodeTimeout(t *testing.T) {
	r := &fakeRunner{delay: 200 * time.Millisecond}
	tc := New(Options{FFmpeg: "ffmpeg", SilkDecoder: "silk", Workers: 1, Timeout: 20 * time.Millisecond}, r)

	_, err := tc.Transcode(context.Background(), silkVoice(), CodecSilk, CodecOgg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTranscodeFailed))
	assert.Contains(t, err.Error(), "timed out")
}

func TestPoolIsBounded(t *testing.T) {
	r := &fakeRunner{delay: 20 * time.Millisecond}
	tc := newTestTranscoder(r, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tc.Transcode(context.Background(), &bus.Media{Data: []byte("x")}, CodecUnknown, CodecMP4)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, r.peak.Load(), int32(2))
}

func TestEmptyMediaFails(t *testing.T) {
	tc := newTestTranscoder(&fakeRunner{}, 1)
	_, err := tc.Transcode(context.Background(), &bus.Media{}, CodecSilk, CodecOgg)
	assert.True(t, errors.Is(err, types.ErrTranscodeFailed))
}
