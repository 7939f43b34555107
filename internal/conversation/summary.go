package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Summarizer, turlardan kısa bir özet üretir. Genelde dil modeli üzerinden
// çalışır; hata durumunda Manager düz özete düşer.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// SummarizerFunc, sıradan bir fonksiyonu Summarizer olarak kullanır.
type SummarizerFunc func(ctx context.Context, turns []Turn) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, turns []Turn) (string, error) {
	return f(ctx, turns)
}

// Summary, çağrı sonunda üretilen özettir.
type Summary struct {
	CallID         string    `json:"callId"`
	Text           string    `json:"text"`
	TurnCount      int       `json:"turnCount"`
	UserTurns      int       `json:"userTurns"`
	AssistantTurns int       `json:"assistantTurns"`
	DegradedTurns  int       `json:"degradedTurns"`
	Compacted      int       `json:"compacted"`
	Fallback       bool      `json:"fallback"`
	Error          string    `json:"error,omitempty"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

const (
	plainSummaryTurns    = 6
	plainSummaryMaxRunes = 120
)

// PlainSummary, dış çağrı yapmadan üretilen belirlenimci özettir: sayaçlar
// ve son birkaç turun kısaltılmış metni.
func PlainSummary(turns []Turn) string {
	var user, assistant, degraded int
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			user++
		case RoleAssistant:
			assistant++
		}
		if t.Degraded() {
			degraded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tur (kullanıcı: %d, asistan: %d, yedek yanıt: %d)", len(turns), user, assistant, degraded)

	start := len(turns) - plainSummaryTurns
	if start < 0 {
		start = 0
	}
	for _, t := range turns[start:] {
		if t.Role == RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "\n%s: %s", t.Role, clip(t.Text, plainSummaryMaxRunes))
	}
	return b.String()
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}

// Summarize, s ile özet üretir. s nil ise, hata dönerse ya da boş metin
// üretirse düz özet kullanılır; bu fonksiyon hata döndürmez.
func (m *Manager) Summarize(ctx context.Context, s Summarizer) Summary {
	turns := m.Turns()
	sum := Summary{
		CallID:      m.callID,
		TurnCount:   len(turns),
		Compacted:   m.Compacted(),
		GeneratedAt: m.now().UTC(),
	}
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			sum.UserTurns++
		case RoleAssistant:
			sum.AssistantTurns++
		}
		if t.Degraded() {
			sum.DegradedTurns++
		}
	}

	if s != nil && len(turns) > 0 {
		text, err := s.Summarize(ctx, turns)
		text = strings.TrimSpace(text)
		if err == nil && text != "" {
			sum.Text = text
			return sum
		}
		if err != nil {
			sum.Error = err.Error()
			m.log.Warn().Err(err).Msg("Özet üretilemedi, düz özete düşülüyor.")
		}
	}

	sum.Text = PlainSummary(turns)
	sum.Fallback = true
	return sum
}
