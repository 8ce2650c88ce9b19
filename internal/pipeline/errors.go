package pipeline

import "strings"

// Class is the failure taxonomy a stage error falls into. Only the
// classification decides retry behavior; nothing outside this package
// inspects error internals.
type Class string

const (
	// ClassTransient covers network and storage hiccups; retried with
	// backoff.
	ClassTransient Class = "transient_io"
	// ClassToolFailure covers an external tool failing on input that
	// looks valid; retried a bounded number of times, then permanent.
	ClassToolFailure Class = "tool_failure"
	// ClassCorruptInput covers unreadable or invalid media; permanent,
	// never retried.
	ClassCorruptInput Class = "corrupt_input"
)

var transientHints = []string{
	"429",
	"too many requests",
	"rate limit",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"service unavailable",
	"network is unreachable",
	"no route to host",
	"http 5",
	"eof",
	"broken pipe",
	"no space left", // space recovers once cleanup runs elsewhere
}

var corruptHints = []string{
	"invalid data found",
	"moov atom not found",
	"unsupported codec",
	"decoder not found",
	"corrupt",
	"malformed",
	"invalid argument",
	"decode image header",
}

// Classify maps a stage error onto the taxonomy by substring hints in
// the tool output carried inside the error text.
func Classify(err error) Class {
	if err == nil {
		return ClassToolFailure
	}
	text := strings.ToLower(err.Error())
	for _, h := range corruptHints {
		if strings.Contains(text, h) {
			return ClassCorruptInput
		}
	}
	for _, h := range transientHints {
		if strings.Contains(text, h) {
			return ClassTransient
		}
	}
	return ClassToolFailure
}
