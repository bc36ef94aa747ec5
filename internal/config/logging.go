package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and is used for raw control
// interface traffic: every wpa_supplicant request and reply, every
// nmcli invocation, and every MQTT state publish.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a case-insensitive level name to an
// [slog.Level]. The empty string means info.
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

// ReplaceLogLevelNames renders [LevelTrace] as "TRACE" instead of
// slog's "DEBUG-4". Use it as [slog.HandlerOptions.ReplaceAttr].
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
