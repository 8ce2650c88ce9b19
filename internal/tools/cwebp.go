package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrFrameTooLarge marks a frame whose longest edge exceeds the hard
// WebP limit; such frames are skipped, not failed.
var ErrFrameTooLarge = errors.New("frame exceeds maximum edge size")

// CWebP wraps the cwebp binary. Frames wider than MaxImageSize on their
// longest side are downscaled; frames beyond MaxEdgeSize are rejected
// with ErrFrameTooLarge because the encoder cannot handle them at all.
type CWebP struct {
	Binary       string
	Quality      int
	MaxImageSize int
	MaxEdgeSize  int
}

// Compress encodes frame into a WebP at outPath.
func (c CWebP) Compress(ctx context.Context, frame, outPath string, logw io.Writer) error {
	width, height, err := imageDimensions(frame)
	if err != nil {
		return fmt.Errorf("read frame %s: %w", filepath.Base(frame), err)
	}
	longest := width
	if height > longest {
		longest = height
	}
	if c.MaxEdgeSize > 0 && longest > c.MaxEdgeSize {
		return fmt.Errorf("frame %s is %dx%d: %w", filepath.Base(frame), width, height, ErrFrameTooLarge)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create webp output directory: %w", err)
	}

	args := []string{"-quiet", "-q", strconv.Itoa(c.Quality)}
	if c.MaxImageSize > 0 && longest > c.MaxImageSize {
		// -resize with one zero dimension preserves aspect ratio.
		if width >= height {
			args = append(args, "-resize", strconv.Itoa(c.MaxImageSize), "0")
		} else {
			args = append(args, "-resize", "0", strconv.Itoa(c.MaxImageSize))
		}
	}
	args = append(args, frame, "-o", outPath)

	binary := c.Binary
	if strings.TrimSpace(binary) == "" {
		binary = "cwebp"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	var tail bytes.Buffer
	out := io.Writer(&tail)
	if logw != nil {
		out = io.MultiWriter(logw, &tail)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cwebp failed on %s: %w: %s", filepath.Base(frame), err, lastLines(tail.String(), 3))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("cwebp produced no output for %s: %w", filepath.Base(frame), err)
	}
	return nil
}

func imageDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
