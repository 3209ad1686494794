package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// LevelEnvVar names the environment variable consulted for the minimum log
// level when Setup is used without an explicit level.
const LevelEnvVar = "CUSTOS_LOG_LEVEL"

// ParseLevel maps a textual level such as "debug" or "WARN" onto the matching
// slog.Level. Unrecognised or empty values fall back to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup configures the standard library logger to emit structured JSON and
// returns the underlying slog.Logger for richer logging within the service.
// The minimum level is read from CUSTOS_LOG_LEVEL.
func Setup(service, env string) *slog.Logger {
	return SetupWithLevel(service, env, ParseLevel(os.Getenv(LevelEnvVar)))
}

// SetupWithLevel behaves like Setup with an explicit minimum level. All log
// lines include the service name and environment when provided.
func SetupWithLevel(service, env string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				normalized := strings.ToUpper(attr.Value.String())
				return slog.String("severity", normalized)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
