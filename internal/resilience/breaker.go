package resilience

import (
	"sync"
	"time"
)

// CircuitState, bir bağımlılığın devre kesici durumudur.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig, devre kesici eşiklerini tanımlar.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// DefaultBreakerConfig, politika dosyası olmadığında kullanılan değerlerdir.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		RecoveryTimeout:  10 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Ticket, Allow tarafından verilen izindir. Sonuç, aynı nesil içinde
// kaydedilmezse yok sayılır; böylece eski bir durumda başlamış bir çağrı
// yeni durumu bozamaz.
type Ticket struct {
	generation uint64
	trial      bool
}

// Breaker, tek bir mantıksal bağımlılık için süreç ömürlü devre kesicidir.
// Kilit yalnızca sayaç güncellemesi için tutulur, ağ çağrısı sırasında asla.
type Breaker struct {
	name string
	now  func() time.Time

	mu         sync.Mutex
	cfg        BreakerConfig
	state      CircuitState
	generation uint64
	failures   []time.Time
	successes  int
	inFlight   int
	openedAt   time.Time
	onChange   func(name string, from, to CircuitState)
}

// NewBreaker yeni bir kapalı devre kesici oluşturur.
func NewBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: now}
}

// OnStateChange, durum değişikliklerini dinleyen fonksiyonu ayarlar. Kilit
// dışında çağrılır.
func (b *Breaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Configure eşikleri günceller; mevcut durum korunur.
func (b *Breaker) Configure(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// State, gerekirse Open→HalfOpen geçişini uygulayarak mevcut durumu döner.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	from, to, changed := b.advanceLocked()
	st := b.state
	fn := b.onChange
	b.mu.Unlock()
	if changed && fn != nil {
		fn(b.name, from, to)
	}
	return st
}

// Allow, bir çağrının bağımlılığa gidip gidemeyeceğine karar verir.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	from, to, changed := b.advanceLocked()
	fn := b.onChange

	var (
		t   Ticket
		err error
	)
	switch b.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			err = ErrCircuitOpen
		} else {
			b.inFlight++
			t = Ticket{generation: b.generation, trial: true}
		}
	default:
		t = Ticket{generation: b.generation}
	}
	b.mu.Unlock()

	if changed && fn != nil {
		fn(b.name, from, to)
	}
	return t, err
}

// Record, Allow ile alınan iznin sonucunu işler. Yalnızca geçici ve zaman
// aşımı hataları arıza sayılır; kalıcı hatalar ve iptaller nötrdür.
func (b *Breaker) Record(t Ticket, kind Kind) {
	b.mu.Lock()
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}
	if t.trial && b.inFlight > 0 {
		b.inFlight--
	}

	var (
		from, to CircuitState
		changed  bool
	)
	now := b.now()
	switch b.state {
	case StateClosed:
		if kind.Retryable() {
			b.failures = append(b.pruneLocked(now), now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				from, to, changed = b.setLocked(StateOpen, now)
			}
		}
	case StateHalfOpen:
		switch {
		case kind == KindSuccess:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				from, to, changed = b.setLocked(StateClosed, now)
			}
		case kind.Retryable():
			from, to, changed = b.setLocked(StateOpen, now)
		}
	}
	fn := b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(b.name, from, to)
	}
}

func (b *Breaker) advanceLocked() (CircuitState, CircuitState, bool) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return b.setLocked(StateHalfOpen, b.now())
	}
	return b.state, b.state, false
}

func (b *Breaker) setLocked(to CircuitState, now time.Time) (CircuitState, CircuitState, bool) {
	from := b.state
	b.state = to
	b.generation++
	b.failures = b.failures[:0]
	b.successes = 0
	b.inFlight = 0
	if to == StateOpen {
		b.openedAt = now
	}
	return from, to, from != to
}

func (b *Breaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	return b.failures[i:]
}
