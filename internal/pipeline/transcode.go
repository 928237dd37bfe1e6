package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/semaphore"
)

const defaultFFmpegBinary = "ffmpeg"

// Transcoder invokes the external encoder with a fixed normalisation
// profile: H.264 video under a constant quality factor, AAC audio at a
// bounded bitrate, scaled down (never up) to fit 1920x1080, and a fast-start
// container index for progressive playback.
type Transcoder struct {
	binary string
	sem    *semaphore.Weighted
}

// NewTranscoder builds a Transcoder running at most maxConcurrent encoder
// subprocesses at a time across all jobs.
func NewTranscoder(binary string, maxConcurrent int64) *Transcoder {
	if strings.TrimSpace(binary) == "" {
		binary = defaultFFmpegBinary
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Transcoder{
		binary: binary,
		sem:    semaphore.NewWeighted(maxConcurrent),
	}
}

func transcodeArgs(input, output string) []string {
	return []string{
		"-y",
		"-i", input,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-vf", "scale='min(1920,iw)':'min(1080,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	}
}

// Transcode runs the encoder on input and waits for it to finish. The call
// is all-or-nothing: on any failure the diagnostic tail of the subprocess
// output is carried in the returned error and no output is exposed.
func (t *Transcoder) Transcode(ctx context.Context, input, output string) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	defer t.sem.Release(1)

	var diag tailBuffer
	cmd := exec.CommandContext(ctx, t.binary, transcodeArgs(input, output)...)
	cmd.Stdout = &diag
	cmd.Stderr = &diag
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrTranscode, err, diag.Tail())
	}

	info, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("%w: encoder exited cleanly but produced no output: %s", ErrTranscode, diag.Tail())
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: encoder produced an empty output file", ErrTranscode)
	}
	return nil
}

// tailBuffer keeps the last few kilobytes of subprocess output so errors can
// carry the relevant diagnostics without retaining a full transcode log.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailBufferLimit = 4096

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf.Write(p)
	if b.buf.Len() > tailBufferLimit {
		data := b.buf.Bytes()
		trimmed := append([]byte(nil), data[len(data)-tailBufferLimit:]...)
		b.buf.Reset()
		b.buf.Write(trimmed)
	}
	return len(p), nil
}

func (b *tailBuffer) Tail() string {
	return strings.TrimSpace(b.buf.String())
}
