// Package ffmpegcmd builds canonical ffmpeg invocations that turn a camera
// source into a raw MJPEG byte stream on stdout.
//
// This is a pure "command construction" layer: no execution, no I/O. It
// returns either the argv (for exec) or a shell-quoted string (for logging).
//
// Emission policy is deterministic so two feeds with the same capture
// parameters always produce value-equal argv; callers rely on that to skip
// encoder restarts on cosmetic edits.
//
// Usage:
//
//	argv := ffmpegcmd.BuildArgv("ffmpeg", f) // []string{"ffmpeg", "-loglevel", "error", ...}
//	s    := ffmpegcmd.BuildString("ffmpeg", f)
package ffmpegcmd

import (
	"strconv"
	"strings"
)

// Builder constructs argv and shell-safe command strings for ffmpeg.
//
// The Builder implements a fluent API; it is NOT concurrency-safe.
// Callers should treat a Builder as a single-use, short-lived value.
type Builder struct {
	args    []string // argv including binary at index 0
	filters []string // -vf chain, emitted by WithFilters
}

// NewBuilder returns a Builder pre-seeded with the binary path.
func NewBuilder(bin string) *Builder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Builder{args: []string{bin}}
}

// WithFlag appends a bare flag such as -an.
func (b *Builder) WithFlag(flag string) *Builder {
	b.args = append(b.args, flag)
	return b
}

// WithStringFlag appends a flag with a string value if non-empty.
func (b *Builder) WithStringFlag(flag, val string) *Builder {
	if val != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithIntFlag appends a flag with a base-10 int value (always emitted).
func (b *Builder) WithIntFlag(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// WithFilter queues one video filter. Empty filters are ignored.
func (b *Builder) WithFilter(filter string) *Builder {
	if filter != "" {
		b.filters = append(b.filters, filter)
	}
	return b
}

// WithFilters emits the queued filters as a single -vf chain (if any).
func (b *Builder) WithFilters() *Builder {
	if len(b.filters) > 0 {
		b.args = append(b.args, "-vf", strings.Join(b.filters, ","))
		b.filters = nil
	}
	return b
}

// BuildArgv returns a copy of the constructed argument vector.
func (b *Builder) BuildArgv() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// BuildString returns a single shell-quoted command string.
func (b *Builder) BuildString() string {
	quoted := make([]string, len(b.args))
	for i, a := range b.args {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shQuote returns a POSIX-safe single-quoted token.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// formatFloat renders f in the shortest form that round-trips (0.5, 10, 12.5).
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
