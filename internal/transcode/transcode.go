// Package transcode converts synthesized MP3 audio into the other delivery
// containers by shelling out to ffmpeg. Synthesis providers emit MP3 only;
// everything else is produced here on demand.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

// ErrTranscodeFailed is returned when ffmpeg exits non-zero or cannot run.
var ErrTranscodeFailed = errors.New("transcode failed")

// ErrUnsupportedFormat is returned for target formats without an encoder
// mapping.
var ErrUnsupportedFormat = errors.New("unsupported target format")

const defaultTimeout = 30 * time.Second

// encoderArgs maps a target format to its ffmpeg encoder flags and the
// container extension ffmpeg should write.
var encoderArgs = map[string]struct {
	args []string
	ext  string
}{
	tts.FormatOpus: {
		args: []string{"-c:a", "libopus", "-b:a", "64k", "-ar", "48000", "-ac", "1", "-application", "voip"},
		ext:  "ogg",
	},
	tts.FormatOGG: {
		args: []string{"-c:a", "libvorbis", "-q:a", "4"},
		ext:  "ogg",
	},
	tts.FormatWAV: {
		args: []string{"-c:a", "pcm_s16le"},
		ext:  "wav",
	},
}

// Transcoder runs ffmpeg conversions with a bounded runtime.
type Transcoder struct {
	ffmpegPath string
	timeout    time.Duration
	log        *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Transcoder)

// WithFFmpegPath overrides the ffmpeg binary location.
func WithFFmpegPath(path string) Option {
	return func(t *Transcoder) { t.ffmpegPath = path }
}

// WithTimeout bounds a single conversion. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcoder) { t.timeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcoder) { t.log = l }
}

// New creates a Transcoder.
func New(opts ...Option) *Transcoder {
	t := &Transcoder{
		ffmpegPath: "ffmpeg",
		timeout:    defaultTimeout,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("component", "transcode")
	return t
}

// Available reports whether the ffmpeg binary can be found. Callers degrade
// to MP3-only delivery when it cannot.
func (t *Transcoder) Available() bool {
	_, err := exec.LookPath(t.ffmpegPath)
	return err == nil
}

// Transcode converts MP3 audio into target. "mp3" passes the input through
// untouched.
func (t *Transcoder) Transcode(ctx context.Context, audio []byte, target string) ([]byte, error) {
	if target == "" || target == tts.FormatMP3 {
		return audio, nil
	}
	enc, ok := encoderArgs[target]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, target)
	}

	dir, err := os.MkdirTemp("", "transcode-")
	if err != nil {
		return nil, fmt.Errorf("transcode: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.mp3")
	out := filepath.Join(dir, "out."+enc.ext)
	if err := os.WriteFile(in, audio, 0o600); err != nil {
		return nil, fmt.Errorf("transcode: write input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := append([]string{"-y", "-i", in}, enc.args...)
	args = append(args, out)
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.log.Warn("ffmpeg failed",
			"target", target,
			"error", err,
			"stderr", truncate(stderr.String(), 512))
		return nil, fmt.Errorf("%w: %s: %v", ErrTranscodeFailed, target, err)
	}

	converted, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrTranscodeFailed, err)
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("%w: empty output for %s", ErrTranscodeFailed, target)
	}
	return converted, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
