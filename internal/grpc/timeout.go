// sentiric-voice-orchestrator/internal/grpc/timeout.go
package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultGRPCTimeout = 3 * time.Second

// CallWithTimeout, fn'i varsayılan 3 saniyelik süre sınırıyla çalıştırır.
//
//	ok, err := CallWithTimeout(ctx, func(ctx context.Context) (bool, error) {
//		return client.HealthCheck(ctx), nil
//	})
func CallWithTimeout[T any](parentCtx context.Context, fn func(context.Context) (T, error)) (T, error) {
	return CallWithCustomTimeout(parentCtx, DefaultGRPCTimeout, fn)
}

// CallWithCustomTimeout, süre sınırını çağırana bırakır. timeout <= 0 ise
// varsayılan kullanılır.
func CallWithCustomTimeout[T any](parentCtx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultGRPCTimeout
	}
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	result, err := fn(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parentCtx.Err() == nil {
		log.Warn().Dur("timeout", timeout).Msg("⏱️ gRPC çağrısı zaman aşımına uğradı")
		if err == nil {
			err = ctx.Err()
		}
	}
	return result, err
}
