// Package logger configures the process wide zerolog logger and carries
// per-connection loggers through contexts.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var once sync.Once

// Init configures the global logger once, writing plain console output to
// stdout.
func Init(level string) {
	once.Do(func() {
		Setup(os.Stdout, level)
	})
}

// Setup replaces the global logger. An unknown level falls back to info,
// which is returned.
func Setup(w io.Writer, level string) zerolog.Level {
	consoleWriter := zerolog.ConsoleWriter{Out: w, NoColor: true}
	log.Logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
	return SetLevel(level)
}

// SetLevel changes the global level at runtime.
func SetLevel(level string) zerolog.Level {
	ll := ParseLevel(level)
	zerolog.SetGlobalLevel(ll)
	return ll
}

// ParseLevel maps a level name (case insensitive, "warning" accepted) to a
// zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	ll, err := zerolog.ParseLevel(level)
	if err != nil || ll == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return ll
}

// FromContext returns the logger stored in ctx, or the global one.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// WithRequestID attaches a logger tagged with the request id.
func WithRequestID(ctx context.Context, id uint64) context.Context {
	l := FromContext(ctx).With().Uint64("request_id", id).Logger()
	return l.WithContext(ctx)
}

// WithStr attaches a logger carrying an extra string field.
func WithStr(ctx context.Context, key, value string) context.Context {
	l := FromContext(ctx).With().Str(key, value).Logger()
	return l.WithContext(ctx)
}
