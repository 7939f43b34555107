// Package dialog, bir çağrının konuşma fazını (dinleme / işleme / konuşma)
// yöneten durum makinesini içerir.
package dialog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Phase, bir çağrının konuşma fazıdır. Her an tam olarak biri geçerlidir.
type Phase string

const (
	PhaseListening  Phase = "LISTENING"
	PhaseProcessing Phase = "PROCESSING"
	PhaseSpeaking   Phase = "SPEAKING"
)

// Phases, tanımlı tüm fazlardır.
var Phases = []Phase{PhaseListening, PhaseProcessing, PhaseSpeaking}

var validTransitions = map[Phase]map[Phase]bool{
	PhaseListening:  {PhaseProcessing: true, PhaseSpeaking: true},
	PhaseProcessing: {PhaseSpeaking: true, PhaseListening: true},
	PhaseSpeaking:   {PhaseListening: true, PhaseProcessing: true},
}

// IsValidTransition, from→to geçişinin tabloda olup olmadığını söyler.
func IsValidTransition(from, to Phase) bool {
	return validTransitions[from][to]
}

// ErrTransitionRejected, geçici faza giriş geçersiz olduğunda döner.
var ErrTransitionRejected = errors.New("faz geçişi reddedildi")

// Transition, başarılı bir geçişin değişmez kaydıdır.
type Transition struct {
	From     Phase             `json:"from"`
	To       Phase             `json:"to"`
	Trigger  string            `json:"trigger"`
	At       time.Time         `json:"at"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Forced   bool              `json:"forced,omitempty"`
}

// EntryHook, bir faza başarılı girişten sonra çağrılır. Dönen hata loglanır,
// geçişi geri almaz.
type EntryHook func(t Transition) error

// Observer, her başarılı geçişten (zorlanmış olanlar dahil) sonra çağrılır.
type Observer func(t Transition)

// RejectObserver, geçersiz geçiş denemelerinde çağrılır.
type RejectObserver func(from, to Phase, trigger string)

// Stats, makinenin sayaçlarıdır.
type Stats struct {
	Current     Phase                   `json:"current"`
	Transitions uint64                  `json:"transitions"`
	Invalid     uint64                  `json:"invalid"`
	TimeInPhase map[Phase]time.Duration `json:"timeInPhase"`
}

// Machine, tek bir çağrının faz durum makinesidir. Kilit yalnızca bellek içi
// durum için tutulur; kancalar kilit dışında çalışır, bu yüzden bir kanca
// aynı makinede yeni geçiş tetikleyebilir. Bildirim sırasında istenen geçiş
// faz ve geçmişe hemen yazılır, kancaları ve gözlemcileri ise mevcut
// bildirim bittikten sonra sırayla çalışır.
type Machine struct {
	callID     string
	log        zerolog.Logger
	now        func() time.Time
	historyCap int

	mu          sync.Mutex
	current     Phase
	enteredAt   time.Time
	history     []Transition
	transitions uint64
	invalid     uint64
	durations   map[Phase]time.Duration
	entryHooks  map[Phase][]EntryHook
	observers   []Observer
	rejects     []RejectObserver
	dispatching bool
	pending     []pendingDispatch
}

type pendingDispatch struct {
	t         Transition
	hooks     []EntryHook
	observers []Observer
}

// Option, Machine'i yapılandırır.
type Option func(*Machine)

// WithLogger makine logger'ını ayarlar.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithClock saat kaynağını değiştirir.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithHistoryCap, saklanacak en fazla geçiş kaydını ayarlar.
func WithHistoryCap(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.historyCap = n
		}
	}
}

// NewMachine, PhaseListening ile başlayan yeni bir makine oluşturur.
func NewMachine(callID string, opts ...Option) *Machine {
	m := &Machine{
		callID:     callID,
		log:        zerolog.Nop(),
		now:        time.Now,
		historyCap: 100,
		entryHooks: make(map[Phase][]EntryHook),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("call_id", callID).Logger()
	m.resetLocked()
	return m
}

func (m *Machine) resetLocked() {
	m.current = PhaseListening
	m.enteredAt = m.now()
	m.history = nil
	m.transitions = 0
	m.invalid = 0
	m.durations = make(map[Phase]time.Duration, len(Phases))
}

// Reset, makineyi başlangıç durumuna döndürür. Kancalar korunur.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
}

// OnEnter, p fazına girişte çağrılacak bir kanca ekler.
func (m *Machine) OnEnter(p Phase, hook EntryHook) {
	m.mu.Lock()
	m.entryHooks[p] = append(m.entryHooks[p], hook)
	m.mu.Unlock()
}

// Observe, her geçişte çağrılacak bir gözlemci ekler.
func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// OnReject, geçersiz geçiş denemelerini dinleyen bir fonksiyon ekler.
func (m *Machine) OnReject(fn RejectObserver) {
	m.mu.Lock()
	m.rejects = append(m.rejects, fn)
	m.mu.Unlock()
}

// Current, mevcut fazı döner.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition, geçişi tabloya göre doğrular. Geçersizse makine değişmez,
// sayaç artar ve false döner; hata fırlatılmaz.
func (m *Machine) Transition(to Phase, trigger string, metadata map[string]string) bool {
	_, ok := m.transition(to, trigger, metadata)
	return ok
}

// transition, geçişten önceki fazı da döner; faz okuması ve geçiş aynı kilit
// altında yapılır.
func (m *Machine) transition(to Phase, trigger string, metadata map[string]string) (Phase, bool) {
	m.mu.Lock()
	from := m.current
	if !IsValidTransition(from, to) {
		m.invalid++
		rejects := append([]RejectObserver(nil), m.rejects...)
		m.mu.Unlock()

		m.log.Debug().Str("from", string(from)).Str("to", string(to)).Str("trigger", trigger).Msg("Geçersiz faz geçişi yoksayıldı.")
		for _, fn := range rejects {
			m.safeCall("reject", func() error { fn(from, to, trigger); return nil })
		}
		return from, false
	}
	t := m.applyLocked(to, trigger, metadata, false)
	m.enqueueLocked(t)
	return from, true
}

// ForceTransition, geçerlilik tablosunu atlar. Yalnızca hata kurtarma içindir;
// her zaman bir geçiş kaydeder.
func (m *Machine) ForceTransition(to Phase, trigger string) Transition {
	m.mu.Lock()
	t := m.applyLocked(to, trigger, nil, true)
	m.log.Warn().Str("from", string(t.From)).Str("to", string(to)).Str("trigger", trigger).Msg("Faz geçişi zorlandı.")
	m.enqueueLocked(t)
	return t
}

// WithTemporaryPhase, to fazına geçer, fn'i çalıştırır ve fn hata dönse ya da
// panik yapsa bile girişten önceki faza geri döner.
func (m *Machine) WithTemporaryPhase(to Phase, trigger string, fn func() error) (err error) {
	prev, ok := m.transition(to, trigger, nil)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionRejected, prev, to)
	}
	defer func() {
		restore := trigger + ":restore"
		if m.Current() != prev && !m.Transition(prev, restore, nil) {
			m.ForceTransition(prev, restore)
		}
	}()
	return fn()
}

// History, geçiş geçmişinin bir kopyasını döner (eskiden yeniye).
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Stats, sayaçları ve faz başına süreleri döner. Mevcut fazın süresine
// son girişten bu yana geçen zaman eklenir.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	tip := make(map[Phase]time.Duration, len(m.durations)+1)
	for p, d := range m.durations {
		tip[p] = d
	}
	tip[m.current] += m.now().Sub(m.enteredAt)
	return Stats{
		Current:     m.current,
		Transitions: m.transitions,
		Invalid:     m.invalid,
		TimeInPhase: tip,
	}
}

func (m *Machine) applyLocked(to Phase, trigger string, metadata map[string]string, forced bool) Transition {
	now := m.now()
	from := m.current
	m.durations[from] += now.Sub(m.enteredAt)
	m.current = to
	m.enteredAt = now
	m.transitions++

	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	t := Transition{From: from, To: to, Trigger: trigger, At: now, Metadata: md, Forced: forced}
	m.history = append(m.history, t)
	if over := len(m.history) - m.historyCap; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	return t
}

func (m *Machine) callbacksLocked(to Phase) ([]EntryHook, []Observer) {
	return append([]EntryHook(nil), m.entryHooks[to]...), append([]Observer(nil), m.observers...)
}

// enqueueLocked, t'nin kancalarını ve gözlemcilerini kuyruğa ekler ve kilidi
// bırakır. Başka bir bildirim sürüyorsa kuyruğu o boşaltır; böylece bir
// geçişin kancaları bitmeden sonrakinin kancaları başlamaz.
func (m *Machine) enqueueLocked(t Transition) {
	hooks, observers := m.callbacksLocked(t.To)
	m.pending = append(m.pending, pendingDispatch{t: t, hooks: hooks, observers: observers})
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending[0] = pendingDispatch{}
		m.pending = m.pending[1:]
		m.mu.Unlock()

		m.dispatch(next)

		m.mu.Lock()
	}
	m.pending = nil
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Machine) dispatch(d pendingDispatch) {
	t := d.t
	m.log.Debug().Str("from", string(t.From)).Str("to", string(t.To)).Str("trigger", t.Trigger).Msg("Faz geçişi uygulandı.")
	for _, h := range d.hooks {
		h := h
		m.safeCall("entry_hook", func() error { return h(t) })
	}
	for _, o := range d.observers {
		o := o
		m.safeCall("observer", func() error { o(t); return nil })
	}
}

// safeCall, tek bir kancayı izole eder; hata ya da panik yalnızca loglanır.
func (m *Machine) safeCall(kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("hook_kind", kind).Interface("panic", r).Msg("Faz kancası panik yaptı, geçiş etkilenmedi.")
		}
	}()
	if err := fn(); err != nil {
		m.log.Error().Err(err).Str("hook_kind", kind).Msg("Faz kancası hata döndürdü, geçiş etkilenmedi.")
	}
}
