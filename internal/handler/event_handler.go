// File: internal/handler/event_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/constants"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/service"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

const (
	endedMemory    = time.Minute
	endCallTimeout = 10 * time.Second
	defaultChannel = "phone"
)

var sipCallerRe = regexp.MustCompile(`sip:(\+?\d+)@`)

// LifecycleEvent, telefon tarafının RabbitMQ'ya yayınladığı çağrı olayıdır.
type LifecycleEvent struct {
	EventType    string            `json:"eventType"`
	CallID       string            `json:"callId"`
	TraceID      string            `json:"traceId,omitempty"`
	From         string            `json:"fromUri,omitempty"`
	TenantID     string            `json:"tenantId,omitempty"`
	LanguageCode string            `json:"languageCode,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CallController, olayların yönlendirildiği orkestratör yüzeyidir.
type CallController interface {
	StartCall(ctx context.Context, sess state.CallSession) error
	EndCall(ctx context.Context, callID string) (*service.CallReport, error)
	PlaybackFinished(callID string)
}

// StartLocker, aynı call.started olayının birden fazla işlenmesini engeller.
type StartLocker interface {
	AcquireStartLock(ctx context.Context, callID string) (bool, error)
}

type EventHandler struct {
	calls           CallController
	locker          StartLocker
	defaultLanguage string
	defaultTenant   string
	log             zerolog.Logger
	eventsProcessed *prometheus.CounterVec
	eventsFailed    *prometheus.CounterVec
	now             func() time.Time

	mu    sync.Mutex
	ended map[string]time.Time
}

// NewEventHandler, locker nil ise kilit kontrolü yapmaz.
func NewEventHandler(
	calls CallController,
	locker StartLocker,
	defaultLanguage, defaultTenant string,
	log zerolog.Logger,
	processed, failed *prometheus.CounterVec,
) *EventHandler {
	return &EventHandler{
		calls:           calls,
		locker:          locker,
		defaultLanguage: defaultLanguage,
		defaultTenant:   defaultTenant,
		log:             log,
		eventsProcessed: processed,
		eventsFailed:    failed,
		now:             time.Now,
		ended:           make(map[string]time.Time),
	}
}

func (h *EventHandler) HandleRabbitMQMessage(body []byte) {
	var event LifecycleEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.log.Error().Err(err).Bytes("raw_message", body).Msg("Hata: Mesaj JSON formatında değil")
		h.eventsFailed.WithLabelValues("unknown", "json_unmarshal").Inc()
		return
	}
	if event.CallID == "" {
		h.log.Warn().Str("event_type", event.EventType).Msg("callId içermeyen olay atlandı.")
		h.eventsFailed.WithLabelValues(event.EventType, "missing_call_id").Inc()
		return
	}
	h.eventsProcessed.WithLabelValues(event.EventType).Inc()
	l := h.log.With().Str("call_id", event.CallID).Str("trace_id", event.TraceID).Str("event_type", event.EventType).Logger()
	l.Debug().Msg("Olay alındı")

	switch constants.EventType(event.EventType) {
	case constants.EventTypeCallStarted:
		h.handleCallStarted(l, &event)
	case constants.EventTypeCallEnded:
		h.handleCallEnded(l, &event)
	case constants.EventTypePlaybackFinished:
		h.calls.PlaybackFinished(event.CallID)
	default:
		l.Debug().Msg("İlgilenilmeyen olay türü, atlanıyor.")
	}
}

func (h *EventHandler) handleCallStarted(l zerolog.Logger, event *LifecycleEvent) {
	if h.recentlyEnded(event.CallID) {
		l.Warn().Msg("Çağrı başlamadan sonlanmış, call.started yok sayılıyor.")
		h.eventsFailed.WithLabelValues(event.EventType, "already_ended").Inc()
		return
	}

	ctx := context.Background()
	if h.locker != nil {
		acquired, err := h.locker.AcquireStartLock(ctx, event.CallID)
		switch {
		case err != nil:
			// Redis erişilemese de çağrı kabul edilir; orkestratör yinelenen
			// çağrıyı ErrCallExists ile zaten reddeder.
			l.Warn().Err(err).Msg("Başlangıç kilidi alınamadı, devam ediliyor.")
		case !acquired:
			l.Warn().Msg("Yinelenen call.started olayı, atlanıyor.")
			h.eventsFailed.WithLabelValues(event.EventType, "duplicate").Inc()
			return
		}
	}

	sess := h.sessionFromEvent(event)
	if err := h.calls.StartCall(ctx, sess); err != nil {
		reason := "start_failed"
		switch {
		case errors.Is(err, service.ErrCapacityExceeded):
			reason = "capacity_exceeded"
		case errors.Is(err, service.ErrCallExists):
			reason = "duplicate"
		case errors.Is(err, service.ErrClosed):
			reason = "shutting_down"
		}
		l.Error().Err(err).Str("reason", reason).Msg("Çağrı başlatılamadı.")
		h.eventsFailed.WithLabelValues(event.EventType, reason).Inc()
		return
	}
	l.Info().Str("caller", sess.CallerAddress).Str("tenant_id", sess.TenantID).Msg("📞 Çağrı orkestratöre devredildi.")

	// Kilit beklenirken call.ended işlenmiş olabilir; o durumda EndCall
	// çağrıyı bulamamıştır ve kapatma burada yapılır.
	if h.recentlyEnded(event.CallID) {
		l.Warn().Msg("Çağrı başlatılırken call.ended alınmış, çağrı kapatılıyor.")
		h.eventsFailed.WithLabelValues(event.EventType, "already_ended").Inc()
		// call.ended işleyicisi çağrıyı zaten kapatmış olabilir.
		h.endCall(l, event.CallID, string(constants.EventTypeCallEnded), true)
	}
}

func (h *EventHandler) handleCallEnded(l zerolog.Logger, event *LifecycleEvent) {
	h.markEnded(event.CallID)
	h.endCall(l, event.CallID, event.EventType, false)
}

func (h *EventHandler) endCall(l zerolog.Logger, callID, eventType string, allowMissing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), endCallTimeout)
	defer cancel()
	rep, err := h.calls.EndCall(ctx, callID)
	if err != nil {
		if errors.Is(err, service.ErrCallNotFound) {
			if allowMissing {
				return
			}
			l.Warn().Msg("Sonlanan çağrı için aktif bir oturum bulunamadı.")
			h.eventsFailed.WithLabelValues(eventType, "unknown_call").Inc()
			return
		}
		l.Error().Err(err).Msg("Çağrı kapatılırken hata oluştu.")
		h.eventsFailed.WithLabelValues(eventType, "end_failed").Inc()
		return
	}
	l.Info().
		Int("turns", rep.Summary.TurnCount).
		Bool("fallback_summary", rep.Summary.Fallback).
		Uint64("transitions", rep.Stats.Transitions).
		Msg("Çağrı sonlandırıldı.")
}

func (h *EventHandler) sessionFromEvent(event *LifecycleEvent) state.CallSession {
	sess := state.CallSession{
		CallID:        event.CallID,
		TraceID:       event.TraceID,
		TenantID:      event.TenantID,
		LanguageCode:  event.LanguageCode,
		CallerAddress: extractCallerID(event.From),
		Channel:       event.Channel,
		StartedAt:     event.Timestamp,
		Metadata:      event.Metadata,
	}
	if sess.TraceID == "" {
		sess.TraceID = uuid.NewString()
	}
	if sess.TenantID == "" {
		sess.TenantID = h.defaultTenant
	}
	if sess.LanguageCode == "" {
		sess.LanguageCode = h.defaultLanguage
	}
	if sess.CallerAddress == "" {
		sess.CallerAddress = event.From
	}
	if sess.Channel == "" {
		sess.Channel = defaultChannel
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = h.now().UTC()
	}
	return sess
}

func (h *EventHandler) markEnded(callID string) {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, at := range h.ended {
		if now.Sub(at) > endedMemory {
			delete(h.ended, id)
		}
	}
	h.ended[callID] = now
}

func (h *EventHandler) recentlyEnded(callID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.ended[callID]
	return ok && h.now().Sub(at) <= endedMemory
}

// extractCallerID, SIP URI'sinden arayan numarasını çıkarır.
func extractCallerID(fromURI string) string {
	matches := sipCallerRe.FindStringSubmatch(strings.TrimSpace(fromURI))
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}
