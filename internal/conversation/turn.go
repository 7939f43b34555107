// Package conversation, tek bir çağrının konuşma turlarını tutar ve dil
// modeline gönderilecek prompt'u token bütçesine göre üretir.
package conversation

import (
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Sık kullanılan tur metadata anahtarları.
const (
	MetaConfidence       = "confidence"
	MetaDegraded         = "degraded"
	MetaDegradedReason   = "degraded_reason"
	MetaPromptTokens     = "prompt_tokens"
	MetaCompletionTokens = "completion_tokens"
	MetaOverflow         = "overflow"
	MetaInterrupted      = "interrupted"
	MetaKind             = "kind"
)

// Turn, konuşmadaki tek bir ifadedir. Eklendikten sonra değiştirilmez.
type Turn struct {
	Role     Role              `json:"role"`
	Text     string            `json:"text"`
	At       time.Time         `json:"at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Degraded, turun yedek (fallback) içerikle üretilip üretilmediğini söyler.
func (t Turn) Degraded() bool {
	return t.Metadata[MetaDegraded] == "true"
}

// Estimator, bir turun yaklaşık token maliyetini hesaplayan saf fonksiyondur.
type Estimator func(Turn) int

// turnOverhead, rol ve ayraçlar için tur başına eklenen sabit maliyettir.
const turnOverhead = 4

// ApproxTokens, sağlayıcıdan bağımsız kaba bir tahmindir: dört karakter
// başına bir token, artı tur başına sabit ek yük.
func ApproxTokens(t Turn) int {
	n := utf8.RuneCountInString(t.Text)
	return (n+3)/4 + turnOverhead
}
