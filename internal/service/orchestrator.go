// sentiric-voice-orchestrator/internal/service/orchestrator.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/constants"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/dialog"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/metrics"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/report"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

// Dependencies, orkestratörün dış işbirlikçileridir. Reporter, Snapshots ve
// Prompts isteğe bağlıdır.
type Dependencies struct {
	Transcriber Transcriber
	Completer   Completer
	Synthesizer Synthesizer
	Telephony   Telephony
	Resilience  *resilience.Registry
	Reporter    Reporter
	Snapshots   SnapshotStore
	Prompts     Prompts
	Log         zerolog.Logger
}

// Options, çağrı başına davranışı ayarlar. Sıfır değerler varsayılana döner.
type Options struct {
	MaxConcurrentCalls   int
	Budget               conversation.Budget
	Estimator            conversation.Estimator
	MaxHistoryTurns      int
	TransitionHistoryCap int
	GreetingEnabled      bool
	FallbackAudio        []byte
	PlaybackTimeout      time.Duration
	SummaryTimeout       time.Duration
	SnapshotTimeout      time.Duration
	AudioChunkBytes      int
	InboundAudioBuffer   int
	StreamRetryDelay     time.Duration
	Clock                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentCalls <= 0 {
		o.MaxConcurrentCalls = 50
	}
	if o.Budget.MaxTokens <= 0 {
		o.Budget = conversation.Budget{MaxTokens: 4096, ReservedForResponse: 512}
	}
	if o.Estimator == nil {
		o.Estimator = conversation.ApproxTokens
	}
	if o.MaxHistoryTurns <= 0 {
		o.MaxHistoryTurns = 64
	}
	if o.TransitionHistoryCap <= 0 {
		o.TransitionHistoryCap = 100
	}
	if o.PlaybackTimeout <= 0 {
		o.PlaybackTimeout = 30 * time.Second
	}
	if o.SummaryTimeout <= 0 {
		o.SummaryTimeout = 3 * time.Second
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = time.Second
	}
	if o.AudioChunkBytes <= 0 {
		// 8 kHz, 16 bit mono için 200 ms.
		o.AudioChunkBytes = 3200
	}
	if o.InboundAudioBuffer <= 0 {
		o.InboundAudioBuffer = 256
	}
	if o.StreamRetryDelay <= 0 {
		o.StreamRetryDelay = time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// CallReport, sonlanan bir çağrının özetidir.
type CallReport struct {
	Session       state.CallSession    `json:"session"`
	Summary       conversation.Summary `json:"summary"`
	Stats         dialog.Stats         `json:"stats"`
	Transitions   []dialog.Transition  `json:"transitions"`
	Turns         []conversation.Turn  `json:"turns"`
	DroppedFrames uint64               `json:"droppedFrames"`
}

// CallSnapshot, aktif bir çağrının anlık görünümüdür.
type CallSnapshot struct {
	Session     state.CallSession   `json:"session"`
	Phase       dialog.Phase        `json:"phase"`
	Stats       dialog.Stats        `json:"stats"`
	Transitions []dialog.Transition `json:"transitions"`
	Turns       []conversation.Turn `json:"turns"`
}

// CallOrchestrator, aktif çağrı havuzunu sahiplenir ve her çağrıyı kendi
// goroutine'inde boru hattı boyunca sürer. Çağrılar arasında paylaşılan tek
// yazılabilir durum devre kesiciler ve bu kayıt defteridir.
type CallOrchestrator struct {
	deps Dependencies
	opts Options
	log  zerolog.Logger

	transcription *resilience.Executor
	completion    *resilience.Executor
	synthesis     *resilience.Executor

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	calls  map[string]*callSession
	closed bool
}

func NewCallOrchestrator(deps Dependencies, cfg Options) *CallOrchestrator {
	cfg = cfg.withDefaults()
	log := deps.Log.With().Str("component", "orchestrator").Logger()
	if deps.Resilience == nil {
		deps.Resilience = resilience.NewRegistry(deps.Log)
	}
	if deps.Prompts == nil {
		deps.Prompts = NewTemplateProviderFromSource(nil, "", "", "", deps.Log)
	}
	root, cancel := context.WithCancel(context.Background())
	return &CallOrchestrator{
		deps:          deps,
		opts:          cfg,
		log:           log,
		transcription: deps.Resilience.Executor(constants.DependencyTranscription),
		completion:    deps.Resilience.Executor(constants.DependencyCompletion),
		synthesis:     deps.Resilience.Executor(constants.DependencySynthesis),
		root:          root,
		rootCancel:    cancel,
		calls:         make(map[string]*callSession),
	}
}

// StartCall, yeni bir çağrıyı kabul eder ve çağrının goroutine'ini başlatır.
// Kapasite doluysa ErrCapacityExceeded döner ve oturum oluşturulmaz.
func (o *CallOrchestrator) StartCall(ctx context.Context, sess state.CallSession) error {
	if sess.CallID == "" {
		return fmt.Errorf("%w: callId boş", ErrInvalidSession)
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = o.opts.Clock().UTC()
	}
	l := o.log.With().Str("call_id", sess.CallID).Logger()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if _, exists := o.calls[sess.CallID]; exists {
		o.mu.Unlock()
		return ErrCallExists
	}
	active := len(o.calls)
	if active >= o.opts.MaxConcurrentCalls {
		o.mu.Unlock()
		o.reject(sess.CallID, "capacity_exceeded", active)
		l.Warn().Int("active_calls", active).Int("max_calls", o.opts.MaxConcurrentCalls).Msg("Kapasite dolu, çağrı reddedildi.")
		return fmt.Errorf("%w: %d/%d", ErrCapacityExceeded, active, o.opts.MaxConcurrentCalls)
	}
	cs := newCallSession(o, sess, l)
	o.calls[sess.CallID] = cs
	o.wg.Add(1)
	o.mu.Unlock()

	cs.history.SetSystemInstruction(o.deps.Prompts.SystemInstruction(ctx, sess))

	metrics.ActiveCalls.Inc()
	l.Info().Int("active_calls", active+1).Str("caller", sess.CallerAddress).Msg("📞 Çağrı kabul edildi, orkestrasyon başlıyor.")
	go func() {
		defer o.wg.Done()
		cs.run()
	}()
	return nil
}

func (o *CallOrchestrator) reject(callID, reason string, active int) {
	metrics.CallsRejected.WithLabelValues(reason).Inc()
	if o.deps.Reporter != nil {
		o.deps.Reporter.ReportRejection(report.Rejection{
			CallID:      callID,
			Reason:      reason,
			ActiveCalls: active,
			MaxCalls:    o.opts.MaxConcurrentCalls,
			At:          o.opts.Clock().UTC(),
		})
	}
}

func (o *CallOrchestrator) lookup(callID string) (*callSession, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cs, ok := o.calls[callID]
	return cs, ok
}

// detach, çağrıyı kayıt defterinden çıkarır. Çağrı zaten çıkarılmışsa false döner.
func (o *CallOrchestrator) detach(cs *callSession) bool {
	o.mu.Lock()
	cur, ok := o.calls[cs.id]
	if ok && cur == cs {
		delete(o.calls, cs.id)
	}
	o.mu.Unlock()
	if ok && cur == cs {
		metrics.ActiveCalls.Dec()
		return true
	}
	return false
}

// AudioFrame, arayandan gelen bir ses karesini çağrıya iletir. Bilinmeyen
// çağrılar için kare atılır.
func (o *CallOrchestrator) AudioFrame(callID string, frame []byte) {
	cs, ok := o.lookup(callID)
	if !ok {
		return
	}
	cs.pushAudio(frame)
}

// PlaybackFinished, telefon tarafının oynatmayı bitirdiğini bildirir.
func (o *CallOrchestrator) PlaybackFinished(callID string) {
	cs, ok := o.lookup(callID)
	if !ok {
		o.log.Debug().Str("call_id", callID).Msg("Bilinmeyen çağrı için oynatma bitti bildirimi yoksayıldı.")
		return
	}
	cs.post(sessionEvent{kind: evPlaybackFinished})
}

// EndCall, çağrıyı sonlandırır: devam eden upstream çağrıları iptal edilir,
// gerekirse faz zorlanır, özet üretilir ve rapor döner. ctx yalnızca
// beklemeyi sınırlar; temizlik arka planda tamamlanır.
func (o *CallOrchestrator) EndCall(ctx context.Context, callID string) (*CallReport, error) {
	o.mu.Lock()
	cs, ok := o.calls[callID]
	if ok {
		delete(o.calls, callID)
	}
	o.mu.Unlock()
	if !ok {
		return nil, ErrCallNotFound
	}
	metrics.ActiveCalls.Dec()

	cs.end(o.opts.Clock().UTC())
	select {
	case <-cs.done:
		return cs.finalReport(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inspect, aktif bir çağrının anlık görünümünü döner.
func (o *CallOrchestrator) Inspect(callID string) (CallSnapshot, bool) {
	cs, ok := o.lookup(callID)
	if !ok {
		return CallSnapshot{}, false
	}
	return CallSnapshot{
		Session:     cs.sess,
		Phase:       cs.machine.Current(),
		Stats:       cs.machine.Stats(),
		Transitions: cs.machine.History(),
		Turns:       cs.history.Turns(),
	}, true
}

func (o *CallOrchestrator) ActiveCalls() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.calls)
}

// Shutdown yeni çağrıları reddeder, aktif çağrıları sonlandırır ve
// goroutine'lerin bitmesini ctx süresince bekler.
func (o *CallOrchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	o.log.Info().Int("active_calls", len(ids)).Msg("Orkestratör kapatılıyor, aktif çağrılar sonlandırılacak.")
	for _, id := range ids {
		if cs, ok := o.lookup(id); ok && o.detach(cs) {
			cs.end(o.opts.Clock().UTC())
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.rootCancel()
		return nil
	case <-ctx.Done():
		o.rootCancel()
		return ctx.Err()
	}
}
