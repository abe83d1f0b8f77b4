package media

import (
	"bytes"

	"github.com/smallnest/wegram/bus"
)

// Codec is a media container/codec family the relay distinguishes.
type Codec string

const (
	CodecSilk    Codec = "silk"
	CodecOgg     Codec = "ogg"
	CodecMP4     Codec = "mp4"
	CodecPCM     Codec = "pcm"
	CodecUnknown Codec = "unknown"
)

var (
	silkMagic = []byte("#!SILK_V3")
	oggMagic  = []byte("OggS")
	ftypMagic = []byte("ftyp")
)

// Sniff detects the codec from leading bytes.
func Sniff(data []byte) Codec {
	switch {
	case bytes.HasPrefix(data, silkMagic):
		return CodecSilk
	// WeChat prefixes its silk stream with a single 0x02 byte.
	case len(data) > 0 && data[0] == 0x02 && bytes.HasPrefix(data[1:], silkMagic):
		return CodecSilk
	case bytes.HasPrefix(data, oggMagic):
		return CodecOgg
	case len(data) >= 8 && bytes.Equal(data[4:8], ftypMagic):
		return CodecMP4
	}
	return CodecUnknown
}

// MIME returns the MIME type for a codec and kind.
func MIME(c Codec, kind bus.Kind) string {
	switch c {
	case CodecSilk:
		return "audio/silk"
	case CodecOgg:
		return "audio/ogg"
	case CodecMP4:
		if kind == bus.KindVoice {
			return "audio/mp4"
		}
		return "video/mp4"
	}
	return "application/octet-stream"
}

// Target returns the codec the destination plays for a kind, and whether
// the source codec must be transcoded to reach it.
func Target(dest bus.Platform, kind bus.Kind, src Codec) (Codec, bool) {
	switch kind {
	case bus.KindVoice:
		if dest == bus.PlatformTelegram {
			// Telegram voice notes are OGG/Opus.
			return CodecOgg, src != CodecOgg
		}
		// WeChat voice messages are silk.
		return CodecSilk, src != CodecSilk
	case bus.KindVideo, bus.KindChannelVideo:
		return CodecMP4, src != CodecMP4
	}
	return src, false
}

// Playable reports whether the destination plays codec c for kind as is.
func Playable(dest bus.Platform, kind bus.Kind, c Codec) bool {
	_, need := Target(dest, kind, c)
	return !need
}
