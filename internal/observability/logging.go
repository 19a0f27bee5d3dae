// Package observability owns the engine's zerolog setup, the OTLP
// exporter bootstrap, and redaction of model-visible payloads before they
// reach a log line.
package observability

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// InitLogger configures the process-wide zerolog logger once at startup.
// The renderer owns stdout (text deltas stream there at frame cadence), so
// logs default to stderr and move wholesale to logPath when one is given.
func InitLogger(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(parseLevel(level))

	// Capture stray stdlib log output from dependencies too.
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	if l, err := zerolog.ParseLevel(level); err == nil && level != "" {
		return l
	}
	return zerolog.InfoLevel
}

// LoggerWithTrace returns a logger carrying trace_id/span_id fields when
// ctx holds an active span, so engine log lines correlate with the turn
// and tool spans exported over OTLP.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		builder := l.With().Str("trace_id", sc.TraceID().String())
		if sc.HasSpanID() {
			builder = builder.Str("span_id", sc.SpanID().String())
		}
		l = builder.Logger()
	}
	return &l
}
