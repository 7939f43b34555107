package state

import (
	"time"
)

// CallSession, tek bir aktif çağrıyı tanımlar. Telefon tarafı çağrı başladığında
// oluşturur; orkestratör sahiplenir.
type CallSession struct {
	CallID        string            `json:"callId"`
	TraceID       string            `json:"traceId,omitempty"`
	TenantID      string            `json:"tenantId,omitempty"`
	LanguageCode  string            `json:"languageCode,omitempty"`
	CallerAddress string            `json:"callerAddress"`
	Channel       string            `json:"channel"`
	StartedAt     time.Time         `json:"startedAt"`
	EndedAt       *time.Time        `json:"endedAt,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Duration, çağrının süresini döner; çağrı sürüyorsa now'a kadar hesaplanır.
func (s CallSession) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// TurnSnapshot, anlık görüntüdeki tek bir turdur.
type TurnSnapshot struct {
	Role     string            `json:"role"`
	Text     string            `json:"text"`
	At       time.Time         `json:"at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CallState, bir çağrının her faz geçişinde Redis'e yazılan anlık görüntüsüdür.
type CallState struct {
	CallID       string         `json:"callId"`
	TraceID      string         `json:"traceId,omitempty"`
	TenantID     string         `json:"tenantId,omitempty"`
	Phase        string         `json:"phase"`
	LastTrigger  string         `json:"lastTrigger,omitempty"`
	Transitions  uint64         `json:"transitions"`
	Invalid      uint64         `json:"invalidTransitions"`
	Conversation []TurnSnapshot `json:"conversation"`
	Session      CallSession    `json:"session"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}
