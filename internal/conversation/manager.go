package conversation

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager, bir çağrının turlarını sahiplenir. Tek değişiklik yolu Append'dir.
type Manager struct {
	callID      string
	budget      Budget
	estimate    Estimator
	maxRetained int
	now         func() time.Time
	log         zerolog.Logger

	mu        sync.RWMutex
	system    string
	turns     []Turn
	compacted int
}

type Option func(*Manager)

func WithEstimator(est Estimator) Option {
	return func(m *Manager) {
		if est != nil {
			m.estimate = est
		}
	}
}

// WithMaxRetainedTurns, bellekte tutulacak en fazla sistem dışı tur sayısıdır.
// Sınır aşıldığında en eski sistem dışı turlar atılır. 0 sınırsız demektir.
func WithMaxRetainedTurns(n int) Option {
	return func(m *Manager) { m.maxRetained = n }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(callID string, budget Budget, opts ...Option) *Manager {
	m := &Manager{
		callID:   callID,
		budget:   budget,
		estimate: ApproxTokens,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("call_id", callID).Logger()
	return m
}

// SetSystemInstruction, her prompt'un başına eklenecek talimatı ayarlar.
func (m *Manager) SetSystemInstruction(text string) {
	m.mu.Lock()
	m.system = text
	m.mu.Unlock()
}

func (m *Manager) SystemInstruction() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}

func (m *Manager) Budget() Budget { return m.budget }

// Append yeni bir tur ekler ve eklenen turu döner. metadata kopyalanır.
func (m *Manager) Append(role Role, text string, metadata map[string]string) Turn {
	t := Turn{Role: role, Text: text, At: m.now()}
	if len(metadata) > 0 {
		t.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			t.Metadata[k] = v
		}
	}

	m.mu.Lock()
	m.turns = append(m.turns, t)
	dropped := m.compactLocked()
	m.mu.Unlock()

	if dropped > 0 {
		m.log.Debug().Int("dropped", dropped).Int("max_retained", m.maxRetained).Msg("Konuşma geçmişi sıkıştırıldı.")
	}
	return t
}

func (m *Manager) compactLocked() int {
	if m.maxRetained <= 0 {
		return 0
	}
	nonSystem := 0
	for _, t := range m.turns {
		if t.Role != RoleSystem {
			nonSystem++
		}
	}
	excess := nonSystem - m.maxRetained
	if excess <= 0 {
		return 0
	}
	kept := make([]Turn, 0, len(m.turns)-excess)
	dropped := 0
	for _, t := range m.turns {
		if t.Role != RoleSystem && dropped < excess {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	m.turns = kept
	m.compacted += dropped
	return dropped
}

// BuildPrompt, mevcut turlardan bütçeye uyan prompt'u üretir. Yeni tur
// eklenmeden tekrar çağrıldığında aynı sonucu verir.
func (m *Manager) BuildPrompt() Prompt {
	m.mu.RLock()
	system := m.system
	turns := append([]Turn(nil), m.turns...)
	m.mu.RUnlock()

	p := Truncate(system, turns, m.budget, m.estimate)
	if p.Overflow {
		m.log.Warn().Int("tokens", p.Tokens).Int("available", m.budget.Available()).Msg("Son kullanıcı turu prompt bütçesini tek başına aşıyor, kırpılmadan gönderiliyor.")
	}
	return p
}

// Turns, saklanan turların bir kopyasını döner.
func (m *Manager) Turns() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Turn(nil), m.turns...)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

// Compacted, depolama sınırı yüzünden atılan toplam tur sayısıdır.
func (m *Manager) Compacted() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compacted
}
