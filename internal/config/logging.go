package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries full JSON-RPC
// request and response bodies. The value -8 is the common convention
// for a slog trace level.
const LevelTrace = slog.Level(-8)

// logLevels maps accepted log_level values to slog levels, in the
// order they are listed in error messages.
var logLevels = []struct {
	name  string
	level slog.Level
}{
	{"trace", LevelTrace},
	{"debug", slog.LevelDebug},
	{"info", slog.LevelInfo},
	{"warn", slog.LevelWarn},
	{"warning", slog.LevelWarn},
	{"error", slog.LevelError},
}

// ParseLogLevel converts a case-insensitive level name to an
// [slog.Level]. The empty string means info. Surrounding whitespace is
// ignored.
func ParseLogLevel(s string) (slog.Level, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	if want == "" {
		return slog.LevelInfo, nil
	}
	names := make([]string, 0, len(logLevels))
	for _, l := range logLevels {
		if l.name == want {
			return l.level, nil
		}
		names = append(names, l.name)
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: %s)", s, strings.Join(names, ", "))
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that prints [LevelTrace] as "TRACE" instead of "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// NewLogger builds the process logger writing to w. format is "text" or
// "json"; anything else falls back to text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
