// Package logctx carries a zerolog logger through context.Context.
//
// The CLI attaches a run-scoped logger once; components pull it back out
// with FromContext and add their own fields:
//
//	ctx = logctx.WithRun(ctx, logging.L())
//	...
//	ctx = logctx.WithImage(ctx, img.Hash, img.Tag)
//	log := logctx.FromContext(ctx)
//	log.Info().Msg("loading image")
package logctx

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type loggerKey struct{}

type runIDKey struct{}

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
)

func initDefaultLogger() {
	defaultLoggerOnce.Do(func() {
		defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
}

// DefaultLogger returns the logger used when a context carries none.
func DefaultLogger() zerolog.Logger {
	initDefaultLogger()
	return defaultLogger
}

// SetDefaultLogger overrides the default logger. Call it during startup only.
func SetDefaultLogger(l zerolog.Logger) {
	initDefaultLogger()
	defaultLogger = l
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from ctx, falling back to DefaultLogger.
// It never returns a zero-value logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// WithStr returns a context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithRun starts a new run: it generates a run id, attaches it to ctx and
// to base, and makes the result the context logger.
func WithRun(ctx context.Context, base zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey{}, id)
	return WithLogger(ctx, base.With().Str("run_id", id).Logger())
}

// RunID returns the id set by WithRun, or "" outside a run.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithImage scopes the context logger to one catalog image.
func WithImage(ctx context.Context, hash, tag string) context.Context {
	logger := FromContext(ctx).With().
		Str("image_hash", hash).
		Str("image_tag", tag).
		Logger()
	return WithLogger(ctx, logger)
}
