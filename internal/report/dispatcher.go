// Package report, çağrı özetlerini, tur metriklerini ve upstream sonuçlarını
// çağrı yolunu bloklamadan kalıcı katmanlara iletir.
package report

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/metrics"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
)

// Kind, raporun türüdür; RabbitMQ routing key olarak da kullanılır.
type Kind string

const (
	KindSummary  Kind = "call.summary"
	KindTurn     Kind = "call.turn"
	KindOutcome  Kind = "upstream.outcome"
	KindRejected Kind = "call.rejected"
)

type Report struct {
	Kind    Kind
	CallID  string
	Payload interface{}
}

// CallSummary, çağrı sonunda üretilen özet ve faz istatistikleridir.
type CallSummary struct {
	CallID             string               `json:"callId"`
	TraceID            string               `json:"traceId,omitempty"`
	TenantID           string               `json:"tenantId,omitempty"`
	CallerAddress      string               `json:"callerAddress"`
	StartedAt          time.Time            `json:"startedAt"`
	EndedAt            time.Time            `json:"endedAt"`
	Summary            conversation.Summary `json:"summary"`
	Transitions        uint64               `json:"transitions"`
	InvalidTransitions uint64               `json:"invalidTransitions"`
	TimeInPhaseMs      map[string]int64     `json:"timeInPhaseMs"`
}

// TurnMetrics, tek bir asistan turunun ölçümleridir.
type TurnMetrics struct {
	CallID           string    `json:"callId"`
	TurnIndex        int       `json:"turnIndex"`
	Trigger          string    `json:"trigger"`
	Degraded         bool      `json:"degraded"`
	DegradedReason   string    `json:"degradedReason,omitempty"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	Overflow         bool      `json:"overflow"`
	Dropped          int       `json:"droppedTurns"`
	LatencyMs        int64     `json:"latencyMs"`
	At               time.Time `json:"at"`
}

// Rejection, kapasite veya benzeri bir nedenle kabul edilmeyen çağrıdır.
type Rejection struct {
	CallID      string    `json:"callId"`
	Reason      string    `json:"reason"`
	ActiveCalls int       `json:"activeCalls"`
	MaxCalls    int       `json:"maxCalls"`
	At          time.Time `json:"at"`
}

// Sink, raporları bir hedefe yazar. Desteklemediği türleri sessizce atlar.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r Report) error
}

type Stats struct {
	Length    int    `json:"length"`
	Capacity  int    `json:"capacity"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Dispatcher, sınırlı bir tampon ve sabit sayıda işçi ile raporları
// sink'lere dağıtır. Submit hiçbir zaman bloklamaz; tampon doluysa rapor
// atılır ve sayılır.
type Dispatcher struct {
	sinks   []Sink
	workers int
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	ch      chan Report
	started bool
	closed  bool
	wg      sync.WaitGroup

	delivered uint64
	dropped   uint64
	failed    uint64
}

func NewDispatcher(capacity, workers int, timeout time.Duration, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		sinks:   sinks,
		workers: workers,
		timeout: timeout,
		log:     log.With().Str("component", "report").Logger(),
		ch:      make(chan Report, capacity),
	}
}

// Start işçileri başlatır.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Submit, raporu kuyruğa koymaya çalışır; başarılıysa true döner.
func (d *Dispatcher) Submit(r Report) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(r, "closed")
		return false
	}
	select {
	case d.ch <- r:
		return true
	default:
		d.drop(r, "full")
		return false
	}
}

func (d *Dispatcher) drop(r Report, why string) {
	atomic.AddUint64(&d.dropped, 1)
	metrics.ReportsDropped.WithLabelValues(string(r.Kind)).Inc()
	d.log.Warn().Str("kind", string(r.Kind)).Str("call_id", r.CallID).Str("reason", why).Msg("Rapor kuyruğa alınamadı, atlandı.")
}

func (d *Dispatcher) ReportSummary(s CallSummary) {
	d.Submit(Report{Kind: KindSummary, CallID: s.CallID, Payload: s})
}

func (d *Dispatcher) ReportTurn(t TurnMetrics) {
	d.Submit(Report{Kind: KindTurn, CallID: t.CallID, Payload: t})
}

func (d *Dispatcher) ReportOutcome(o resilience.Outcome) {
	d.Submit(Report{Kind: KindOutcome, CallID: o.CorrelationID, Payload: o})
}

func (d *Dispatcher) ReportRejection(r Rejection) {
	d.Submit(Report{Kind: KindRejected, CallID: r.CallID, Payload: r})
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-d.ch:
			if !ok {
				return
			}
			d.deliver(ctx, r)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r Report) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Deliver(sctx, r)
		cancel()
		if err != nil {
			atomic.AddUint64(&d.failed, 1)
			d.log.Error().Err(err).Str("sink", s.Name()).Str("kind", string(r.Kind)).Str("call_id", r.CallID).Msg("Rapor hedefe yazılamadı.")
		}
	}
	atomic.AddUint64(&d.delivered, 1)
}

// Stop yeni raporları reddeder ve işçilerin kuyruğu boşaltmasını ctx
// bitene kadar bekler.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Int("pending", len(d.ch)).Msg("Rapor kuyruğu boşaltılamadan kapatıldı.")
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Length:    len(d.ch),
		Capacity:  cap(d.ch),
		Delivered: atomic.LoadUint64(&d.delivered),
		Dropped:   atomic.LoadUint64(&d.dropped),
		Failed:    atomic.LoadUint64(&d.failed),
	}
}
