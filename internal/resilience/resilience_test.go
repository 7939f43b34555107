package resilience

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestRegistry(clock *fakeClock, sleeper *sleepRecorder, pf PolicyFile, opts ...Option) *Registry {
	base := []Option{
		WithPolicies(pf),
		WithClock(clock.Now),
		WithSleep(sleeper.Sleep),
		WithRand(func() float64 { return 0 }),
	}
	return NewRegistry(zerolog.New(io.Discard), append(base, opts...)...)
}

func singleAttempt(threshold int) PolicyFile {
	return PolicyFile{Defaults: Policy{
		Retry:   RetryPolicy{MaxAttempts: 1, AttemptTimeout: time.Second},
		Breaker: BreakerConfig{FailureThreshold: threshold, Window: time.Minute, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2, HalfOpenMaxCalls: 1},
	}}
}

func TestExecute_PermanentFailureIsAttemptedOnce(t *testing.T) {
	reg := newTestRegistry(newFakeClock(), &sleepRecorder{}, PolicyFile{})
	ex := reg.Executor("completion")

	calls := 0
	_, err := Execute(context.Background(), ex, "call-1:1", func(ctx context.Context) (string, error) {
		calls++
		return "", &StatusError{Code: 401, Body: "unauthorized"}
	})

	require.Error(t, err)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindPermanent, re.Kind)
	assert.Equal(t, 1, re.Attempts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "call-1:1", re.CorrelationID)
}

func TestExecute_TransientFailureRetriesWithIncreasingDelay(t *testing.T) {
	sleeper := &sleepRecorder{}
	pf := PolicyFile{Defaults: Policy{Retry: RetryPolicy{
		MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, AttemptTimeout: time.Second,
	}}}
	reg := newTestRegistry(newFakeClock(), sleeper, pf)
	ex := reg.Executor("synthesis")

	calls := 0
	_, err := Execute(context.Background(), ex, "c", func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, &StatusError{Code: 503}
	})

	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, 4, calls)
	require.Len(t, sleeper.delays, 3)
	for i := 1; i < len(sleeper.delays); i++ {
		assert.Greater(t, sleeper.delays[i], sleeper.delays[i-1])
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, sleeper.delays)
}

func TestExecute_SucceedsAfterTransientFailure(t *testing.T) {
	reg := newTestRegistry(newFakeClock(), &sleepRecorder{}, PolicyFile{})
	ex := reg.Executor("completion")

	calls := 0
	got, err := Execute(context.Background(), ex, "c", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", status.Error(codes.Unavailable, "down")
		}
		return "merhaba", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "merhaba", got)
	assert.Equal(t, 2, calls)
}

func TestExecute_AttemptTimeoutIsTransient(t *testing.T) {
	pf := PolicyFile{Defaults: Policy{Retry: RetryPolicy{MaxAttempts: 2, AttemptTimeout: 5 * time.Millisecond}}}
	reg := newTestRegistry(newFakeClock(), &sleepRecorder{}, pf)
	ex := reg.Executor("transcription")

	calls := 0
	_, err := Execute(context.Background(), ex, "c", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, 2, calls)
}

func TestExecute_ParentCancelIsNotCountedAsFailure(t *testing.T) {
	reg := newTestRegistry(newFakeClock(), &sleepRecorder{}, singleAttempt(1))
	ex := reg.Executor("completion")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Execute(ctx, ex, "c", func(ctx context.Context) (int, error) {
		cancel()
		return 0, ctx.Err()
	})

	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, StateClosed, ex.Breaker().State())
}

func TestCircuit_OpensAfterThresholdAndFailsFast(t *testing.T) {
	clock := newFakeClock()
	var outcomes []Outcome
	reg := newTestRegistry(clock, &sleepRecorder{}, singleAttempt(3),
		WithOutcomeObserver(func(o Outcome) { outcomes = append(outcomes, o) }))
	ex := reg.Executor("completion")

	failing := func(ctx context.Context) (string, error) { return "", &StatusError{Code: 500} }
	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), ex, "c", failing)
		assert.Equal(t, KindTransient, KindOf(err))
	}
	assert.Equal(t, StateOpen, ex.Breaker().State())

	reached := false
	_, err := Execute(context.Background(), ex, "c", func(ctx context.Context) (string, error) {
		reached = true
		return "ok", nil
	})
	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, reached)
	require.Len(t, outcomes, 4)
	assert.Equal(t, "circuit_open", outcomes[3].Kind)
	assert.Equal(t, 0, outcomes[3].Attempts)
}

func TestCircuit_HalfOpenAllowsOneTrialAndClosesOnSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("synthesis", BreakerConfig{FailureThreshold: 1, Window: time.Minute, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2, HalfOpenMaxCalls: 1}, clock.Now)

	tk, err := b.Allow()
	require.NoError(t, err)
	b.Record(tk, KindTransient)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(9 * time.Second)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Second)
	trial, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "yalnızca bir deneme çağrısına izin verilmeli")

	b.Record(trial, KindSuccess)
	assert.Equal(t, StateHalfOpen, b.State())

	trial2, err := b.Allow()
	require.NoError(t, err)
	b.Record(trial2, KindSuccess)
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuit_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	var changes []CircuitState
	b := NewBreaker("completion", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1}, clock.Now)
	b.OnStateChange(func(name string, from, to CircuitState) { changes = append(changes, to) })

	tk, _ := b.Allow()
	b.Record(tk, KindTimeout)
	clock.Advance(time.Second)

	trial, err := b.Allow()
	require.NoError(t, err)
	b.Record(trial, KindTransient)

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []CircuitState{StateOpen, StateHalfOpen, StateOpen}, changes)
}

func TestCircuit_PermanentFailuresDoNotTrip(t *testing.T) {
	b := NewBreaker("completion", BreakerConfig{FailureThreshold: 2}, nil)
	for i := 0; i < 5; i++ {
		tk, err := b.Allow()
		require.NoError(t, err)
		b.Record(tk, KindPermanent)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuit_FailuresOutsideWindowAreForgotten(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("completion", BreakerConfig{FailureThreshold: 2, Window: 5 * time.Second}, clock.Now)

	tk, _ := b.Allow()
	b.Record(tk, KindTransient)
	clock.Advance(6 * time.Second)
	tk, _ = b.Allow()
	b.Record(tk, KindTransient)

	assert.Equal(t, StateClosed, b.State())
}

func TestCircuit_StaleTicketIsIgnored(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("completion", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1}, clock.Now)

	slow, _ := b.Allow()
	tk, _ := b.Allow()
	b.Record(tk, KindTransient)
	clock.Advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	b.Record(slow, KindSuccess)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"5xx", &StatusError{Code: 502}, KindTransient},
		{"429", &StatusError{Code: 429}, KindTransient},
		{"400", &StatusError{Code: 400}, KindPermanent},
		{"grpc unavailable", status.Error(codes.Unavailable, "x"), KindTransient},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "x"), KindPermanent},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "x"), KindPermanent},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"permanent marker", Permanent(errors.New("bozuk girdi")), KindPermanent},
		{"transient marker", Transient(&StatusError{Code: 400}), KindTransient},
		{"unknown", errors.New("bağlantı sıfırlandı"), KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryPolicy_BackoffIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 3, MaxDelay: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(3))

	p.Jitter = Float(0.5)
	assert.Equal(t, 150*time.Millisecond, p.delay(1, func() float64 { return 1 }))
}

func TestPolicyFile_LoadResolveAndApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  retry:
    max_attempts: 2
    base_delay: 50ms
  breaker:
    failure_threshold: 4
dependencies:
  completion:
    retry:
      attempt_timeout: 4s
    breaker:
      recovery_timeout: 20s
`), 0o600))

	pf, err := LoadPolicyFile(path)
	require.NoError(t, err)

	p := pf.Resolve("completion")
	assert.Equal(t, 2, p.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.Retry.BaseDelay)
	assert.Equal(t, 4*time.Second, p.Retry.AttemptTimeout)
	assert.Equal(t, 4, p.Breaker.FailureThreshold)
	assert.Equal(t, 20*time.Second, p.Breaker.RecoveryTimeout)
	assert.Equal(t, DefaultBreakerConfig().SuccessThreshold, p.Breaker.SuccessThreshold)

	other := pf.Resolve("synthesis")
	assert.Equal(t, DefaultRetryPolicy().AttemptTimeout, other.Retry.AttemptTimeout)

	reg := NewRegistry(zerolog.New(io.Discard))
	ex := reg.Executor("completion")
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, ex.Policy().MaxAttempts)
	reg.Apply(pf)
	assert.Equal(t, 2, ex.Policy().MaxAttempts)
	assert.Same(t, ex, reg.Executor("completion"))
	assert.Equal(t, map[string]CircuitState{"completion": StateClosed}, reg.States())
}

func TestRegistry_WatchPolicyFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  retry:\n    max_attempts: 2\n"), 0o600))

	pf, err := LoadPolicyFile(path)
	require.NoError(t, err)
	reg := NewRegistry(zerolog.New(io.Discard), WithPolicies(pf))
	ex := reg.Executor("synthesis")
	require.Equal(t, 2, ex.Policy().MaxAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.WatchPolicyFile(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  retry:\n    max_attempts: 5\n"), 0o600))
	require.Eventually(t, func() bool {
		return ex.Policy().MaxAttempts == 5
	}, 3*time.Second, 20*time.Millisecond)

	// Bozuk dosya eski değerleri bozmaz.
	require.NoError(t, os.WriteFile(path, []byte("defaults: [bozuk"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, ex.Policy().MaxAttempts)
}

func TestPolicyFile_JitterCanBeDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  retry:
    jitter: 0.4
dependencies:
  synthesis:
    retry:
      jitter: 0
`), 0o600))

	pf, err := LoadPolicyFile(path)
	require.NoError(t, err)

	require.NotNil(t, pf.Resolve("synthesis").Retry.Jitter)
	assert.Equal(t, 0.0, *pf.Resolve("synthesis").Retry.Jitter)
	assert.Equal(t, 0.4, *pf.Resolve("completion").Retry.Jitter)
	assert.Equal(t, 0.2, *PolicyFile{}.Resolve("completion").Retry.Jitter)

	p := pf.Resolve("synthesis").Retry
	assert.Equal(t, p.Backoff(1), p.delay(1, func() float64 { return 1 }))
}
