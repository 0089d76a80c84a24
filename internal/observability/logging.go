package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// LogConfig controls process-wide slog setup.
type LogConfig struct {
	// Level: debug, info, warn, error. Defaults to info.
	Level string

	// Dir, when set, tees logs into a dated file under it in addition to
	// stderr.
	Dir string

	// Output overrides stderr, for tests.
	Output io.Writer
}

// redactPatterns match secrets that must never reach log output: provider
// API keys, bearer tokens, JWTs.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_\-.]{16,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
}

// Redact replaces embedded secrets with a placeholder.
func Redact(s string) string {
	for _, pattern := range redactPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// redactWriter applies Redact to everything written through it. Log lines
// are written whole, so per-Write redaction is safe.
type redactWriter struct {
	w io.Writer
}

func (r redactWriter) Write(p []byte) (int, error) {
	clean := Redact(string(p))
	if _, err := r.w.Write([]byte(clean)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewLogger builds the process logger: JSON records with secret redaction,
// written to stderr and optionally a file. The returned closer flushes the
// log file, when one is open.
func NewLogger(config LogConfig) (*slog.Logger, func() error, error) {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	closer := func() error { return nil }
	if config.Dir != "" {
		if err := os.MkdirAll(config.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("switchboard-%s.log", time.Now().UTC().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(config.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, file)
		closer = file.Close
	}

	handler := slog.NewJSONHandler(redactWriter{w: out}, &slog.HandlerOptions{
		Level: ParseLevel(config.Level),
	})
	return slog.New(handler), closer, nil
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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
