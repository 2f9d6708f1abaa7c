package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and is reserved for wire
// payloads: full JSON-RPC frames, raw Ollama responses. -8 keeps one
// full level step of headroom under debug.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps the config file's log_level string to a level.
// Matching is case-insensitive and ignores surrounding whitespace; the
// empty string means info. "warning" is accepted as a spelling of
// "warn". Unrecognized values return an error and info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is a ReplaceAttr hook that prints [LevelTrace]
// as "TRACE" instead of slog's synthesized "DEBUG-4". Every handler
// the binary builds installs it.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
