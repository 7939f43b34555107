package resilience

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Policy, bir bağımlılığın yeniden deneme ve devre kesici ayarlarıdır.
type Policy struct {
	Retry   RetryPolicy   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// PolicyFile, RESILIENCE_POLICY_PATH ile verilen YAML dosyasının yapısıdır.
type PolicyFile struct {
	Defaults     Policy            `yaml:"defaults"`
	Dependencies map[string]Policy `yaml:"dependencies"`
}

// LoadPolicyFile, YAML politika dosyasını okur.
func LoadPolicyFile(path string) (PolicyFile, error) {
	var pf PolicyFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return pf, fmt.Errorf("politika dosyası okunamadı: %w", err)
	}
	// Editörler dosyayı önce kesip sonra yazar; boş içerik geçerli politika sayılmaz.
	if strings.TrimSpace(string(raw)) == "" {
		return pf, fmt.Errorf("politika dosyası boş: %s", path)
	}
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return pf, fmt.Errorf("politika dosyası çözümlenemedi: %w", err)
	}
	return pf, nil
}

// Resolve, name için defaults + bağımlılığa özel değerleri birleştirir.
func (pf PolicyFile) Resolve(name string) Policy {
	p := mergePolicy(Policy{Retry: DefaultRetryPolicy(), Breaker: DefaultBreakerConfig()}, pf.Defaults)
	if over, ok := pf.Dependencies[name]; ok {
		p = mergePolicy(p, over)
	}
	return p
}

func mergePolicy(base, over Policy) Policy {
	r, o := base.Retry, over.Retry
	if o.MaxAttempts > 0 {
		r.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay > 0 {
		r.BaseDelay = o.BaseDelay
	}
	if o.Multiplier >= 1 {
		r.Multiplier = o.Multiplier
	}
	if o.MaxDelay > 0 {
		r.MaxDelay = o.MaxDelay
	}
	if o.Jitter != nil {
		r.Jitter = Float(*o.Jitter)
	}
	if o.AttemptTimeout > 0 {
		r.AttemptTimeout = o.AttemptTimeout
	}

	b, ob := base.Breaker, over.Breaker
	if ob.FailureThreshold > 0 {
		b.FailureThreshold = ob.FailureThreshold
	}
	if ob.Window > 0 {
		b.Window = ob.Window
	}
	if ob.RecoveryTimeout > 0 {
		b.RecoveryTimeout = ob.RecoveryTimeout
	}
	if ob.SuccessThreshold > 0 {
		b.SuccessThreshold = ob.SuccessThreshold
	}
	if ob.HalfOpenMaxCalls > 0 {
		b.HalfOpenMaxCalls = ob.HalfOpenMaxCalls
	}
	return Policy{Retry: r, Breaker: b}
}

// Registry, bağımlılık adına göre anahtarlanmış, süreç ömürlü ve tüm
// çağrılar arasında paylaşılan executor kümesidir.
type Registry struct {
	log           zerolog.Logger
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error
	rnd           func() float64
	outcomes      []OutcomeFunc
	onAttempt     AttemptFunc
	onStateChange func(name string, from, to CircuitState)

	mu        sync.Mutex
	policies  PolicyFile
	executors map[string]*Executor
}

// Option, Registry'yi yapılandırır.
type Option func(*Registry)

// WithPolicies başlangıç politikalarını ayarlar.
func WithPolicies(pf PolicyFile) Option {
	return func(r *Registry) { r.policies = pf }
}

// WithClock, devre kesici saatini değiştirir (testler için).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithSleep, denemeler arası beklemeyi değiştirir (testler için).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Registry) { r.sleep = fn }
}

// WithRand, jitter kaynağını değiştirir.
func WithRand(fn func() float64) Option {
	return func(r *Registry) { r.rnd = fn }
}

// WithOutcomeObserver, her Execute sonucunda çağrılacak fonksiyonu ekler.
func WithOutcomeObserver(fn OutcomeFunc) Option {
	return func(r *Registry) { r.outcomes = append(r.outcomes, fn) }
}

// WithAttemptObserver, her deneme sonucunda çağrılacak fonksiyonu ayarlar.
func WithAttemptObserver(fn AttemptFunc) Option {
	return func(r *Registry) { r.onAttempt = fn }
}

// WithStateObserver, devre durum değişikliklerini dinler.
func WithStateObserver(fn func(name string, from, to CircuitState)) Option {
	return func(r *Registry) { r.onStateChange = fn }
}

// NewRegistry yeni bir Registry oluşturur.
func NewRegistry(log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:       log.With().Str("component", "resilience").Logger(),
		now:       time.Now,
		executors: make(map[string]*Executor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Executor, name bağımlılığı için executor'ı döner; yoksa oluşturur.
func (r *Registry) Executor(name string) *Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.executors[name]; ok {
		return ex
	}
	ex := newExecutor(name, r.policies.Resolve(name), r)
	r.executors[name] = ex
	return ex
}

// Apply yeni politikaları uygular. Devre durumları korunur; yeni değerler
// sonraki çağrılarda geçerli olur.
func (r *Registry) Apply(pf PolicyFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = pf
	for name, ex := range r.executors {
		p := pf.Resolve(name)
		ex.setPolicy(p.Retry)
		ex.breaker.Configure(p.Breaker)
	}
	r.log.Info().Int("dependencies", len(r.executors)).Msg("Dayanıklılık politikaları güncellendi.")
}

// States, her bağımlılığın devre durumunu döner.
func (r *Registry) States() map[string]CircuitState {
	r.mu.Lock()
	exs := make([]*Executor, 0, len(r.executors))
	for _, ex := range r.executors {
		exs = append(exs, ex)
	}
	r.mu.Unlock()

	out := make(map[string]CircuitState, len(exs))
	for _, ex := range exs {
		out[ex.name] = ex.breaker.State()
	}
	return out
}

// Names, kayıtlı bağımlılık adlarını sıralı döner.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
