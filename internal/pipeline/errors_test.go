package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{errors.New("download failed: HTTP 429 Too Many Requests"), ClassTransient},
		{errors.New("read tcp: connection reset by peer"), ClassTransient},
		{errors.New("context deadline exceeded: operation timed out"), ClassTransient},
		{errors.New("write /work/videos: no space left on device"), ClassTransient},
		{errors.New("ffmpeg: Invalid data found when processing input"), ClassCorruptInput},
		{errors.New("moov atom not found"), ClassCorruptInput},
		{errors.New("cwebp: cannot decode image header"), ClassCorruptInput},
		{errors.New("ffmpeg exited with status 1"), ClassToolFailure},
		{nil, ClassToolFailure},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestClassifyCorruptWinsOverTransient(t *testing.T) {
	// hints of both kinds in one message: corruption decides, so the
	// item is never retried against broken input
	err := errors.New("connection reset while reading corrupt stream")
	if got := Classify(err); got != ClassCorruptInput {
		t.Fatalf("Classify = %v, want %v", got, ClassCorruptInput)
	}
}

func TestClassifySeesWrappedText(t *testing.T) {
	err := fmt.Errorf("transcode series-a/ep1.mkv: %w", errors.New("rate limit exceeded"))
	if got := Classify(err); got != ClassTransient {
		t.Fatalf("Classify = %v, want %v", got, ClassTransient)
	}
}

func TestPermanentErrorUnwraps(t *testing.T) {
	inner := errors.New("moov atom not found")
	perm := &PermanentError{Class: ClassCorruptInput, Err: inner}
	if !errors.Is(perm, inner) {
		t.Fatal("PermanentError does not unwrap to its cause")
	}
	var target *PermanentError
	wrapped := fmt.Errorf("stage download: %w", perm)
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As fails through a wrapping layer")
	}
	if target.Class != ClassCorruptInput {
		t.Fatalf("class = %v, want %v", target.Class, ClassCorruptInput)
	}
}

func TestFailureReasonTruncates(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	reason := FailureReason(&PermanentError{Class: ClassToolFailure, Err: errors.New(string(long))})
	if len(reason) > 320 {
		t.Fatalf("reason length = %d, want truncated", len(reason))
	}
	if reason == "" {
		t.Fatal("reason is empty")
	}
}
