// Package telemetry is the thin logging seam every emm package logs through.
//
// e2b-dev-infra's own uffd fault servicer logs through a structured logger
// (zap) with Debug/Info/Warn/Error taking a context plus key-value fields.
// This package gives the same call shape over log/slog so the rest of the
// tree reads the same way without pulling in a logging dependency the fault
// path itself does not need.
package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the narrow interface every emm package depends on.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps an *slog.Logger as a Logger.
func New(l *slog.Logger) Logger { return &slogLogger{l: l} }

// Default returns a Logger writing text-formatted records to stderr at Info
// level, suitable as a zero-value fallback for packages constructed without
// an explicit logger.
func Default() Logger {
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func (s *slogLogger) Debug(ctx context.Context, msg string, args ...any) { s.l.DebugContext(ctx, msg, args...) }
func (s *slogLogger) Info(ctx context.Context, msg string, args ...any)  { s.l.InfoContext(ctx, msg, args...) }
func (s *slogLogger) Warn(ctx context.Context, msg string, args ...any)  { s.l.WarnContext(ctx, msg, args...) }
func (s *slogLogger) Error(ctx context.Context, msg string, args ...any) { s.l.ErrorContext(ctx, msg, args...) }

// Noop discards every record; used by tests that do not want fault-path
// logging mixed into `go test -v` output.
func Noop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
