// Package telemetry builds the process logger. Every component logs through
// slog; this package decides where the lines go and what never reaches them.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const logFileName = "system.jsonl"

// Attribute keys containing any of these fragments are redacted wholesale.
var sensitiveKeyFragments = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

// NewLogger builds the process logger: JSON lines appended to
// <homeDir>/logs/system.jsonl, mirrored to stdout unless quiet. The returned
// closer owns the log file. Credentials never reach either sink; redaction
// runs on every attribute before encoding.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := io.Writer(file)
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: rewriteAttr,
	})
	// trace_id starts as "-" and is replaced per message by shared.TraceID.
	logger := slog.New(handler).With("component", "pipeline", "trace_id", "-")
	return logger, file, nil
}

// rewriteAttr renames the time key and strips anything credential-shaped.
func rewriteAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyIsSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString && valueLooksLikeCredential(a.Value.String()) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// valueLooksLikeCredential catches secrets that arrive under an innocent key,
// such as a pasted Authorization header inside an error string.
func valueLooksLikeCredential(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "authorization:")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
