// Package observability holds the process-wide logging and metrics
// wiring: a redacting slog constructor and the Prometheus instrument
// set.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the root logger.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". JSON for production, text for
	// development.
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns are extra regexes applied on top of the defaults.
	RedactPatterns []string
}

// DefaultRedactPatterns cover the secrets that move through a relay
// process: bot tokens, bearer headers, and generic key/password pairs.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	// Telegram bot tokens: numeric id, colon, 35-char secret.
	`\d{8,10}:[a-zA-Z0-9_-]{35}`,
	// Discord bot tokens.
	`[MNO][a-zA-Z0-9_-]{23,}\.[a-zA-Z0-9_-]{6}\.[a-zA-Z0-9_-]{27,}`,
}

// NewLogger builds the root slog.Logger. String attribute values are
// passed through the redaction patterns before emission.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Value.Kind() == slog.KindString {
				attr.Value = slog.StringValue(redact(redacts, attr.Value.String()))
			}
			return attr
		},
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

func redact(patterns []*regexp.Regexp, value string) string {
	for _, re := range patterns {
		value = re.ReplaceAllString(value, "[REDACTED]")
	}
	return value
}
