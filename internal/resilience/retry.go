package resilience

import (
	"context"
	"math"
	"time"
)

// RetryPolicy, deneme başına yeniden deneme ayarlarıdır. Jitter nil ise
// belirtilmemiş sayılır; "jitter: 0" jitter'ı kapatır.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Jitter         *float64      `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultRetryPolicy, 1.5 saniyelik tur bütçesine uyacak şekilde kısa tutulmuştur.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       time.Second,
		Jitter:         Float(0.2),
		AttemptTimeout: 2 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter == nil || *p.Jitter < 0 {
		p.Jitter = Float(0)
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Backoff, attempt numaralı (1'den başlar) başarısız denemeden sonra
// beklenecek jitter öncesi süreyi döner: base * multiplier^(attempt-1), MaxDelay ile sınırlı.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// delay, Backoff süresine [0, Jitter*backoff) aralığında rastgele ekleme yapar.
func (p RetryPolicy) delay(attempt int, rnd func() float64) time.Duration {
	base := p.Backoff(attempt)
	if p.Jitter == nil || *p.Jitter <= 0 || rnd == nil {
		return base
	}
	return base + time.Duration(float64(base)*(*p.Jitter)*rnd())
}

// Float, politika alanları için bir işaretçi döner.
func Float(v float64) *float64 { return &v }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
