package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FFmpeg wraps the ffmpeg binary for the transcode and scene-sample
// stages. Each call is a single blocking invocation bounded by Timeout.
type FFmpeg struct {
	VideoCodec     string
	Preset         string
	CRF            int
	SceneThreshold float64
	Timeout        time.Duration
}

// Transcode converts input into an MKV at output using the configured
// video codec; audio and subtitle streams are copied untouched.
func (f FFmpeg) Transcode(ctx context.Context, input, output string, logw io.Writer) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("transcode input is required")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create transcode output directory: %w", err)
	}

	args := []string{
		"-y",
		"-i", input,
		"-c:v", f.VideoCodec,
		"-preset", f.Preset,
		"-crf", strconv.Itoa(f.CRF),
		"-c:a", "copy",
		"-c:s", "copy",
		"-f", "matroska",
		output,
	}
	if err := f.run(ctx, args, logw); err != nil {
		return fmt.Errorf("transcode %s: %w", filepath.Base(input), err)
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("transcode %s: no output produced: %w", filepath.Base(input), err)
	}
	return nil
}

// SampleScenes extracts one frame per detected scene change into outDir
// and returns the produced frame paths in order. A video with no scene
// changes yields an empty slice, not an error.
func (f FFmpeg) SampleScenes(ctx context.Context, video, outDir string, logw io.Writer) ([]string, error) {
	if strings.TrimSpace(video) == "" {
		return nil, fmt.Errorf("sample input is required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames directory: %w", err)
	}

	pattern := filepath.Join(outDir, "scene_%05d.png")
	args := []string{
		"-y",
		"-i", video,
		"-vf", fmt.Sprintf("select='gt(scene,%g)'", f.SceneThreshold),
		"-vsync", "vfr",
		"-frame_pts", "1",
		pattern,
	}
	if err := f.run(ctx, args, logw); err != nil {
		return nil, fmt.Errorf("sample scenes from %s: %w", filepath.Base(video), err)
	}

	frames, err := filepath.Glob(filepath.Join(outDir, "scene_*.png"))
	if err != nil {
		return nil, fmt.Errorf("glob sampled frames: %w", err)
	}
	sort.Strings(frames)
	return frames, nil
}

func (f FFmpeg) run(ctx context.Context, args []string, logw io.Writer) error {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	var tail bytes.Buffer
	out := io.Writer(&tail)
	if logw != nil {
		out = io.MultiWriter(logw, &tail)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg timed out after %s", timeout)
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLines(tail.String(), 5))
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}
