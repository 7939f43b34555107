package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Outcome, tek bir sarmalanmış çağrının korelasyon etiketli sonucudur.
// Loglama/metrik tarafına iletilir.
type Outcome struct {
	Dependency    string        `json:"dependency"`
	CorrelationID string        `json:"correlationId"`
	Kind          string        `json:"kind"`
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"durationNs"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// OutcomeFunc, bir Outcome'u tüketir. Bloklamamalıdır.
type OutcomeFunc func(Outcome)

// AttemptFunc, her bir denemenin sonucunu (metrik için) alır.
type AttemptFunc func(dependency string, kind Kind)

// Executor, bir bağımlılık için yeniden deneme + devre kesici zarfıdır.
type Executor struct {
	name      string
	breaker   *Breaker
	policy    atomic.Pointer[RetryPolicy]
	log       zerolog.Logger
	sleep     func(context.Context, time.Duration) error
	rnd       func() float64
	outcomes  []OutcomeFunc
	onAttempt AttemptFunc
}

// Name, bağımlılık adını döner.
func (ex *Executor) Name() string { return ex.name }

// Breaker, paylaşılan devre kesiciyi döner.
func (ex *Executor) Breaker() *Breaker { return ex.breaker }

// Policy, şu anki yeniden deneme politikasını döner.
func (ex *Executor) Policy() RetryPolicy { return *ex.policy.Load() }

func (ex *Executor) setPolicy(p RetryPolicy) {
	p = p.withDefaults()
	ex.policy.Store(&p)
}

// Execute, op'u ex üzerinden çalıştırır. Dönen hata her zaman *Error'dur.
// Devre açıksa op hiç çağrılmaz. Kalıcı hatalar bir kez denenir; geçici
// hatalar ve zaman aşımları MaxAttempts'e kadar artan bekleme ile tekrar edilir.
func Execute[T any](ctx context.Context, ex *Executor, correlationID string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	policy := ex.Policy()
	start := time.Now()
	l := ex.log.With().Str("dependency", ex.name).Str("correlation_id", correlationID).Logger()

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, ex.finish(l, correlationID, start, KindCanceled, attempts, err)
		}

		ticket, err := ex.breaker.Allow()
		if err != nil {
			return zero, ex.finish(l, correlationID, start, KindCircuitOpen, attempts, err)
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		res, opErr := op(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if opErr == nil {
			ex.breaker.Record(ticket, KindSuccess)
			ex.attempted(KindSuccess)
			ex.finish(l, correlationID, start, KindSuccess, attempts, nil)
			return res, nil
		}

		kind := Classify(opErr)
		switch {
		case ctx.Err() != nil:
			kind = KindCanceled
		case timedOut:
			kind = KindTimeout
		}
		ex.breaker.Record(ticket, kind)
		ex.attempted(kind)

		if !kind.Retryable() || attempts >= policy.MaxAttempts {
			return zero, ex.finish(l, correlationID, start, kind, attempts, opErr)
		}

		wait := policy.delay(attempts, ex.rnd)
		l.Warn().Err(opErr).Int("attempt", attempts).Int("max_attempts", policy.MaxAttempts).
			Dur("retry_in", wait).Str("kind", kind.String()).Msg("Upstream çağrısı başarısız, tekrar denenecek.")
		if err := ex.sleep(ctx, wait); err != nil {
			return zero, ex.finish(l, correlationID, start, KindCanceled, attempts, err)
		}
	}
}

func (ex *Executor) attempted(kind Kind) {
	if ex.onAttempt != nil {
		ex.onAttempt(ex.name, kind)
	}
}

func (ex *Executor) finish(l zerolog.Logger, correlationID string, start time.Time, kind Kind, attempts int, err error) error {
	o := Outcome{
		Dependency:    ex.name,
		CorrelationID: correlationID,
		Kind:          kind.String(),
		Attempts:      attempts,
		Duration:      time.Since(start),
		At:            time.Now().UTC(),
	}
	if err != nil {
		o.Error = err.Error()
	}
	for _, fn := range ex.outcomes {
		fn(o)
	}

	switch kind {
	case KindSuccess:
		l.Debug().Int("attempts", attempts).Dur("duration", o.Duration).Msg("Upstream çağrısı başarılı.")
		return nil
	case KindCanceled:
		l.Debug().Err(err).Msg("Upstream çağrısı iptal edildi.")
	case KindCircuitOpen:
		l.Warn().Msg("Devre açık, upstream çağrısı hızlıca reddedildi.")
	default:
		l.Error().Err(err).Int("attempts", attempts).Str("kind", kind.String()).Msg("Upstream çağrısı nihai olarak başarısız oldu.")
	}
	return &Error{Dependency: ex.name, Kind: kind, Attempts: attempts, CorrelationID: correlationID, Err: err}
}

func newExecutor(name string, p Policy, r *Registry) *Executor {
	ex := &Executor{
		name:      name,
		breaker:   NewBreaker(name, p.Breaker, r.now),
		log:       r.log,
		sleep:     r.sleep,
		rnd:       r.rnd,
		outcomes:  r.outcomes,
		onAttempt: r.onAttempt,
	}
	if ex.sleep == nil {
		ex.sleep = sleepContext
	}
	if ex.rnd == nil {
		ex.rnd = rand.Float64
	}
	ex.setPolicy(p.Retry)
	if r.onStateChange != nil {
		ex.breaker.OnStateChange(r.onStateChange)
	}
	return ex
}
