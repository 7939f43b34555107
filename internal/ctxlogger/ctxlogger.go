package ctxlogger

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerKey struct{}

type traceKey struct{}

// ToContext, verilen context'e bir zerolog.Logger ekler.
func ToContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext, context'ten zerolog.Logger'ı alır.
// Eğer context'te logger bulunamazsa, global (ve bağlamsız) log'u döndürür.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return log.Logger
}

// WithTraceID, upstream isteklerine taşınacak trace id'yi context'e ekler.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID, context'teki trace id'yi döner; yoksa boş string.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
