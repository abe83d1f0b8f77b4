// Package media converts voice and video payloads between the codecs the two
// platforms play, by running ffmpeg and the silk codec tools as subprocesses.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/smallnest/wegram/bus"
	"github.com/smallnest/wegram/internal/logger"
	"github.com/smallnest/wegram/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PCM parameters shared by the silk tools and ffmpeg.
const (
	pcmRate      = 24000
	pcmBytesPerS = pcmRate * 2 // s16le mono
)

// Runner runs one external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configures the transcoder.
type Options struct {
	FFmpeg      string
	SilkDecoder string
	SilkEncoder string
	Workers     int
	Timeout     time.Duration
	TmpDir      string
}

// Transcoder is a bounded pool of subprocess conversions.
type Transcoder struct {
	opts   Options
	runner Runner
	sem    *semaphore.Weighted
}

// New creates a transcoder. A nil runner uses os/exec.
func New(opts Options, runner Runner) *Transcoder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Transcoder{opts: opts, runner: runner, sem: semaphore.NewWeighted(int64(opts.Workers))}
}

// Transcode converts ref from src to dst and returns a new media reference
// holding the converted bytes. Failures wrap types.ErrTranscodeFailed.
func (t *Transcoder) Transcode(ctx context.Context, ref *bus.Media, src, dst Codec) (*bus.Media, error) {
	if ref == nil || len(ref.Data) == 0 {
		return nil, fmt.Errorf("%w: empty media", types.ErrTranscodeFailed)
	}
	if src == dst {
		return ref, nil
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	dir, err := os.MkdirTemp(t.opts.TmpDir, "wegram-media-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", types.ErrTranscodeFailed, err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in."+ext(src))
	if err := os.WriteFile(in, ref.Data, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write input: %v", types.ErrTranscodeFailed, err)
	}

	start := time.Now()
	var out string
	var duration time.Duration
	switch {
	case src == CodecSilk && dst == CodecOgg:
		out, duration, err = t.silkToOgg(ctx, dir, in)
	case dst == CodecOgg:
		out, err = t.toOgg(ctx, dir, in)
	case dst == CodecSilk:
		out, duration, err = t.toSilk(ctx, dir, in)
	case dst == CodecMP4:
		out, err = t.toMP4(ctx, dir, in)
	default:
		err = fmt.Errorf("%w: unsupported conversion %s -> %s", types.ErrTranscodeFailed, src, dst)
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("%w: %s produced no output", types.ErrTranscodeFailed, dst)
	}
	logger.Debug("Media transcoded",
		zap.String("from", string(src)),
		zap.String("to", string(dst)),
		zap.Int("in_bytes", len(ref.Data)),
		zap.Int("out_bytes", len(data)),
		zap.Duration("took", time.Since(start)))

	res := *ref
	res.Data = data
	res.Size = int64(len(data))
	res.MIMEHint = MIME(dst, kindFor(dst))
	res.FileName = replaceExt(ref.FileName, ext(dst))
	if duration > 0 {
		res.Duration = duration
	}
	return &res, nil
}

// silkToOgg decodes silk to PCM and encodes OGG/Opus.
func (t *Transcoder) silkToOgg(ctx context.Context, dir, in string) (string, time.Duration, error) {
	if err := stripSilkPrefix(in); err != nil {
		return "", 0, fmt.Errorf("%w: %v", types.ErrTranscodeFailed, err)
	}
	pcm := filepath.Join(dir, "voice.pcm")
	if err := t.run(ctx, "silk decode", t.opts.SilkDecoder, in, pcm, "-Fs_API", fmt.Sprint(pcmRate)); err != nil {
		return "", 0, err
	}
	duration := pcmDuration(pcm)

	out := filepath.Join(dir, "out.ogg")
	err := t.run(ctx, "opus encode", t.opts.FFmpeg, "-y",
		"-f", "s16le", "-ar", fmt.Sprint(pcmRate), "-ac", "1", "-i", pcm,
		"-c:a", "libopus", "-b:a", "64k", out)
	return out, duration, err
}

// toOgg re-encodes any ffmpeg-readable audio to OGG/Opus.
func (t *Transcoder) toOgg(ctx context.Context, dir, in string) (string, error) {
	out := filepath.Join(dir, "out.ogg")
	err := t.run(ctx, "opus encode", t.opts.FFmpeg, "-y", "-i", in, "-vn", "-ac", "1",
		"-c:a", "libopus", "-b:a", "64k", out)
	return out, err
}

// toSilk decodes to PCM with ffmpeg and encodes silk in the WeChat flavour.
func (t *Transcoder) toSilk(ctx context.Context, dir, in string) (string, time.Duration, error) {
	pcm := filepath.Join(dir, "voice.pcm")
	if err := t.run(ctx, "pcm decode", t.opts.FFmpeg, "-y", "-i", in,
		"-f", "s16le", "-ar", fmt.Sprint(pcmRate), "-ac", "1", pcm); err != nil {
		return "", 0, err
	}
	duration := pcmDuration(pcm)

	out := filepath.Join(dir, "out.silk")
	err := t.run(ctx, "silk encode", t.opts.SilkEncoder, pcm, out,
		"-Fs_API", fmt.Sprint(pcmRate), "-rate", fmt.Sprint(pcmRate), "-tencent")
	return out, duration, err
}

// toMP4 remuxes into a streamable MP4, falling back to a re-encode when the
// source streams cannot be copied.
func (t *Transcoder) toMP4(ctx context.Context, dir, in string) (string, error) {
	out := filepath.Join(dir, "out.mp4")
	err := t.run(ctx, "mp4 remux", t.opts.FFmpeg, "-y", "-i", in, "-c", "copy", "-movflags", "+faststart", out)
	if err == nil {
		return out, nil
	}
	logger.Debug("Remux failed, re-encoding", zap.Error(err))
	err = t.run(ctx, "mp4 encode", t.opts.FFmpeg, "-y", "-i", in,
		"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-movflags", "+faststart", out)
	return out, err
}

// run executes one step under the per-invocation timeout.
func (t *Transcoder) run(ctx context.Context, step, name string, args ...string) error {
	if name == "" {
		return fmt.Errorf("%w: %s: no executable configured", types.ErrTranscodeFailed, step)
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	out, err := t.runner.Run(ctx, name, args...)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out after %s", types.ErrTranscodeFailed, step, t.opts.Timeout)
	}
	return fmt.Errorf("%w: %s: %v: %s", types.ErrTranscodeFailed, step, err, tail(out, 200))
}

// stripSilkPrefix drops WeChat's leading 0x02 byte, which the decoder rejects.
func stripSilkPrefix(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) > 0 && data[0] == 0x02 {
		return os.WriteFile(path, data[1:], 0o600)
	}
	return nil
}

func pcmDuration(path string) time.Duration {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return time.Duration(fi.Size()) * time.Second / pcmBytesPerS
}

func ext(c Codec) string {
	switch c {
	case CodecSilk:
		return "silk"
	case CodecOgg:
		return "ogg"
	case CodecMP4:
		return "mp4"
	case CodecPCM:
		return "pcm"
	}
	return "bin"
}

func kindFor(c Codec) bus.Kind {
	if c == CodecMP4 {
		return bus.KindVideo
	}
	return bus.KindVoice
}

func replaceExt(name, newExt string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + newExt
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
