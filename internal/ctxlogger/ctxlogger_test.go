package ctxlogger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str("call_id", "call-1").Logger()

	ctx := ToContext(context.Background(), l)
	got := FromContext(ctx)
	got.Info().Msg("merhaba")

	assert.Contains(t, buf.String(), `"call_id":"call-1"`)
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceID(ctx))
	assert.Equal(t, ctx, WithTraceID(ctx, ""))
	assert.Equal(t, "trace-42", TraceID(WithTraceID(ctx, "trace-42")))
}
