package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeFFmpeg writes a shell script standing in for ffmpeg. The real binary is
// not a test dependency; these tests cover the exec plumbing around it.
func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func TestTranscodeMP3PassThrough(t *testing.T) {
	tc := New(WithFFmpegPath("/nonexistent/ffmpeg"))
	audio := []byte("mp3-bytes")

	for _, target := range []string{"", "mp3"} {
		out, err := tc.Transcode(context.Background(), audio, target)
		if err != nil {
			t.Fatalf("Transcode(%q): %v", target, err)
		}
		if string(out) != "mp3-bytes" {
			t.Errorf("Transcode(%q) modified the audio", target)
		}
	}
}

func TestTranscodeUnsupportedFormat(t *testing.T) {
	tc := New()
	_, err := tc.Transcode(context.Background(), []byte("x"), "flac")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestTranscodeRunsEncoder(t *testing.T) {
	// The stand-in copies its input to the last argument (the output path).
	script := `
in=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
  out="$a"
done
cp "$in" "$out"
`
	tc := New(WithFFmpegPath(fakeFFmpeg(t, script)))

	out, err := tc.Transcode(context.Background(), []byte("converted"), "ogg")
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if string(out) != "converted" {
		t.Errorf("output = %q", out)
	}
}

func TestTranscodeEncoderFailure(t *testing.T) {
	tc := New(WithFFmpegPath(fakeFFmpeg(t, "echo boom >&2; exit 1")))

	_, err := tc.Transcode(context.Background(), []byte("x"), "opus")
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("err = %v, want ErrTranscodeFailed", err)
	}
}

func TestTranscodeEmptyOutput(t *testing.T) {
	// Exits zero but writes nothing.
	tc := New(WithFFmpegPath(fakeFFmpeg(t, "exit 0")))

	_, err := tc.Transcode(context.Background(), []byte("x"), "wav")
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Fatalf("err = %v, want ErrTranscodeFailed", err)
	}
}

func TestAvailable(t *testing.T) {
	if New(WithFFmpegPath("/definitely/not/there")).Available() {
		t.Error("Available = true for a missing binary")
	}
	if !New(WithFFmpegPath(fakeFFmpeg(t, "exit 0"))).Available() {
		t.Error("Available = false for an executable on disk")
	}
}
