package symgen

import (
	"context"

	"github.com/go-kit/log"
)

type contextKey int

const loggerKey contextKey = iota

// WithLogger attaches the logger used by Generate.
func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the logger attached to ctx, or a no-op logger.
func Logger(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return log.NewNopLogger()
}
