package service

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/constants"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/ctxlogger"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/dialog"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/metrics"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/report"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

// minTranscriptRunes altındaki final transkriptler anlamsız sayılır.
const minTranscriptRunes = 2

const eventBuffer = 64

type eventKind int

const (
	evTranscript eventKind = iota
	evResponse
	evPlaybackSent
	evPlaybackFinished
	evPlaybackTimeout
	evPlaybackFailed
)

type sessionEvent struct {
	kind       eventKind
	transcript Transcript
	resp       *response
	seq        uint64
	err        error
}

// response, boru hattının bir tur için ürettiği sonuçtur.
type response struct {
	seq            uint64
	text           string
	audio          []byte
	usage          TokenUsage
	prompt         conversation.Prompt
	degradedReason string
	err            error
	// direct, Listening'den doğrudan Speaking'e geçen karşılama yanıtıdır.
	direct    bool
	startedAt time.Time
}

// callSession tek bir çağrının durumudur. machine, history ve aşağıdaki
// "döngü" alanları yalnızca run goroutine'i tarafından değiştirilir; diğer
// goroutine'ler döngüye yalnızca events kanalı üzerinden konuşur.
type callSession struct {
	o    *CallOrchestrator
	id   string
	sess state.CallSession
	log  zerolog.Logger

	machine *dialog.Machine
	history *conversation.Manager

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan sessionEvent
	audio   chan []byte
	done    chan struct{}
	endOnce sync.Once
	endedAt time.Time
	dropped atomic.Uint64

	snapshots chan *state.CallState
	snapDone  chan struct{}

	// döngü alanları
	seq            uint64
	pipelineCancel context.CancelFunc
	pending        *response
	playSeq        uint64
	playCancel     context.CancelFunc
	playTimer      *time.Timer
	turnIndex      int

	report *CallReport
}

func newCallSession(o *CallOrchestrator, sess state.CallSession, log zerolog.Logger) *callSession {
	// Upstream adaptörleri logger'ı ve trace id'yi bağlamdan okur.
	base := ctxlogger.WithTraceID(ctxlogger.ToContext(o.root, log), sess.TraceID)
	ctx, cancel := context.WithCancel(base)
	cs := &callSession{
		o:         o,
		id:        sess.CallID,
		sess:      sess,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan sessionEvent, eventBuffer),
		audio:     make(chan []byte, o.opts.InboundAudioBuffer),
		done:      make(chan struct{}),
		snapshots: make(chan *state.CallState, 1),
		snapDone:  make(chan struct{}),
	}
	cs.machine = dialog.NewMachine(sess.CallID,
		dialog.WithLogger(log),
		dialog.WithClock(o.opts.Clock),
		dialog.WithHistoryCap(o.opts.TransitionHistoryCap),
	)
	cs.history = conversation.NewManager(sess.CallID, o.opts.Budget,
		conversation.WithEstimator(o.opts.Estimator),
		conversation.WithMaxRetainedTurns(o.opts.MaxHistoryTurns),
		conversation.WithClock(o.opts.Clock),
		conversation.WithLogger(log),
	)

	cs.machine.OnEnter(dialog.PhaseProcessing, func(t dialog.Transition) error {
		cs.startPipeline()
		return nil
	})
	cs.machine.OnEnter(dialog.PhaseSpeaking, cs.startPlayback)
	cs.machine.OnEnter(dialog.PhaseListening, func(t dialog.Transition) error {
		cs.stopPlayback()
		return nil
	})
	cs.machine.Observe(func(t dialog.Transition) {
		metrics.PhaseTransitions.WithLabelValues(string(t.From), string(t.To), strconv.FormatBool(t.Forced)).Inc()
		cs.publishSnapshot(t.Trigger)
	})
	cs.machine.OnReject(func(from, to dialog.Phase, trigger string) {
		metrics.InvalidTransitions.WithLabelValues(string(from), string(to)).Inc()
	})
	return cs
}

func (cs *callSession) run() {
	defer close(cs.done)
	defer cs.teardown()
	defer func() {
		if r := recover(); r != nil {
			cs.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("🚨 Çağrı döngüsü panik yaptı, çağrı sonlandırılıyor.")
			if cs.o.detach(cs) {
				cs.end(cs.o.opts.Clock().UTC())
			}
		}
	}()

	go cs.snapshotWorker()
	if cs.o.deps.Transcriber != nil {
		go cs.transcribeLoop()
	}
	cs.publishSnapshot("call_started")
	if cs.o.opts.GreetingEnabled {
		cs.startGreeting()
	}

	for {
		// Çağrı sonu her zaman bekleyen olaylardan önce gelir.
		if cs.ctx.Err() != nil {
			return
		}
		select {
		case <-cs.ctx.Done():
			return
		case ev := <-cs.events:
			cs.handle(ev)
		}
	}
}

func (cs *callSession) handle(ev sessionEvent) {
	switch ev.kind {
	case evTranscript:
		cs.onTranscript(ev.transcript)
	case evResponse:
		cs.onResponse(ev.resp)
	case evPlaybackSent:
		cs.onPlaybackSent(ev.seq)
	case evPlaybackFinished:
		if cs.machine.Current() != dialog.PhaseSpeaking {
			cs.log.Debug().Str("phase", string(cs.machine.Current())).Msg("Konuşma fazı dışında oynatma bitti bildirimi yoksayıldı.")
			return
		}
		cs.machine.Transition(dialog.PhaseListening, constants.TriggerPlaybackComplete, nil)
	case evPlaybackTimeout:
		if ev.seq != cs.playSeq || cs.machine.Current() != dialog.PhaseSpeaking {
			return
		}
		cs.log.Warn().Dur("timeout", cs.o.opts.PlaybackTimeout).Msg("⏰ Oynatma bitti bildirimi gelmedi, dinlemeye dönülüyor.")
		cs.machine.Transition(dialog.PhaseListening, constants.TriggerPlaybackTimeout, nil)
	case evPlaybackFailed:
		if ev.seq != cs.playSeq || cs.machine.Current() != dialog.PhaseSpeaking {
			return
		}
		cs.log.Error().Err(ev.err).Msg("Ses arayana iletilemedi, dinlemeye dönülüyor.")
		cs.machine.Transition(dialog.PhaseListening, constants.TriggerPlaybackFailed, nil)
	}
}

// post, döngüye bir olay iletir. Çağrı sona erdiyse false döner.
func (cs *callSession) post(ev sessionEvent) bool {
	select {
	case cs.events <- ev:
		return true
	case <-cs.ctx.Done():
		return false
	}
}

func (cs *callSession) pushAudio(frame []byte) {
	if cs.ctx.Err() != nil {
		return
	}
	select {
	case cs.audio <- frame:
	default:
		if n := cs.dropped.Add(1); n == 1 || n%100 == 0 {
			cs.log.Warn().Uint64("dropped_frames", n).Msg("Ses tamponu dolu, gelen kare atıldı.")
		}
	}
}

func (cs *callSession) end(at time.Time) {
	cs.endOnce.Do(func() {
		cs.endedAt = at
		cs.cancel()
	})
}

func (cs *callSession) correlationID() string {
	return cs.id + "-" + uuid.NewString()[:8]
}

func (cs *callSession) onTranscript(tr Transcript) {
	if tr.NoSpeechTimeout {
		cs.log.Debug().Msg("Konuşma algılanmadı (no_speech_timeout).")
		return
	}
	text := strings.TrimSpace(tr.Text)
	phase := cs.machine.Current()

	if !tr.IsFinal {
		if phase == dialog.PhaseSpeaking && text != "" {
			cs.interruptPlayback()
		}
		return
	}
	if utf8.RuneCountInString(text) < minTranscriptRunes {
		cs.log.Debug().Str("text", text).Msg("Anlamsız transkript yoksayıldı.")
		return
	}

	md := map[string]string{conversation.MetaConfidence: strconv.FormatFloat(tr.Confidence, 'f', 2, 64)}
	switch phase {
	case dialog.PhaseListening:
		cs.history.Append(conversation.RoleUser, text, md)
		cs.machine.Transition(dialog.PhaseProcessing, constants.TriggerSpeechEnd, nil)
	case dialog.PhaseSpeaking:
		cs.log.Info().Str("text", text).Msg("🗣️ Arayan araya girdi (barge-in).")
		cs.interruptPlayback()
		md[conversation.MetaInterrupted] = "true"
		cs.history.Append(conversation.RoleUser, text, md)
		cs.machine.Transition(dialog.PhaseProcessing, constants.TriggerBargeIn, nil)
	case dialog.PhaseProcessing:
		// Yanıt hazırlanırken gelen yeni ifade, bekleyen yanıtı geçersiz kılar.
		cs.history.Append(conversation.RoleUser, text, md)
		cs.startPipeline()
	}
}

func (cs *callSession) onResponse(r *response) {
	if r == nil || r.seq != cs.seq {
		cs.log.Debug().Msg("Eski bir tura ait yanıt atıldı.")
		return
	}
	cs.cancelPipeline()

	phase := cs.machine.Current()
	if (r.direct && phase != dialog.PhaseListening) || (!r.direct && phase != dialog.PhaseProcessing) {
		cs.log.Debug().Str("phase", string(phase)).Msg("Yanıt beklenmeyen fazda geldi, atıldı.")
		return
	}

	latency := cs.o.opts.Clock().Sub(r.startedAt)
	if r.err != nil {
		if r.direct {
			cs.log.Warn().Err(r.err).Msg("Karşılama sesi üretilemedi, dinlemede kalınıyor.")
			return
		}
		cs.history.Append(conversation.RoleAssistant, r.text, map[string]string{
			conversation.MetaDegraded:       "true",
			conversation.MetaDegradedReason: r.degradedReason,
		})
		cs.recordTurn(r, constants.TriggerProcessingError, latency)
		cs.machine.Transition(dialog.PhaseListening, constants.TriggerProcessingError, map[string]string{
			conversation.MetaDegradedReason: r.degradedReason,
		})
		return
	}

	md := map[string]string{
		conversation.MetaPromptTokens:     strconv.Itoa(r.usage.Prompt),
		conversation.MetaCompletionTokens: strconv.Itoa(r.usage.Completion),
	}
	var tmd map[string]string
	if r.degradedReason != "" {
		md[conversation.MetaDegraded] = "true"
		md[conversation.MetaDegradedReason] = r.degradedReason
		tmd = map[string]string{conversation.MetaDegraded: "true"}
	}
	if r.prompt.Overflow {
		md[conversation.MetaOverflow] = "true"
	}
	trigger := constants.TriggerResponseReady
	if r.direct {
		md[conversation.MetaKind] = "greeting"
		trigger = constants.TriggerGreeting
	}
	cs.history.Append(conversation.RoleAssistant, r.text, md)
	cs.recordTurn(r, trigger, latency)

	cs.pending = r
	cs.machine.Transition(dialog.PhaseSpeaking, trigger, tmd)
}

func (cs *callSession) recordTurn(r *response, trigger string, latency time.Duration) {
	degraded := r.degradedReason != ""
	metrics.TurnLatency.WithLabelValues(strconv.FormatBool(degraded)).Observe(latency.Seconds())
	if degraded {
		metrics.DegradedTurns.WithLabelValues(r.degradedReason).Inc()
	}
	cs.turnIndex++
	if cs.o.deps.Reporter == nil {
		return
	}
	cs.o.deps.Reporter.ReportTurn(report.TurnMetrics{
		CallID:           cs.id,
		TurnIndex:        cs.turnIndex,
		Trigger:          trigger,
		Degraded:         degraded,
		DegradedReason:   r.degradedReason,
		PromptTokens:     r.usage.Prompt,
		CompletionTokens: r.usage.Completion,
		Overflow:         r.prompt.Overflow,
		Dropped:          r.prompt.Dropped,
		LatencyMs:        latency.Milliseconds(),
		At:               cs.o.opts.Clock().UTC(),
	})
}

// startPipeline, son prompt ile yeni bir yanıt üretimini başlatır. Önceki
// üretim varsa iptal edilir; sonucu seq ile eşleşmeyen yanıtlar atılır.
func (cs *callSession) startPipeline() {
	cs.cancelPipeline()
	cs.seq++
	seq := cs.seq

	prompt := cs.history.BuildPrompt()
	if prompt.Overflow {
		metrics.PromptOverflows.Inc()
	}
	ctx, cancel := context.WithCancel(cs.ctx)
	cs.pipelineCancel = cancel
	started := cs.o.opts.Clock()

	go func() {
		r := cs.runPipeline(ctx, prompt)
		if r == nil {
			return
		}
		r.seq = seq
		r.startedAt = started
		cs.post(sessionEvent{kind: evResponse, resp: r})
	}()
}

func (cs *callSession) startGreeting() {
	cs.cancelPipeline()
	cs.seq++
	seq := cs.seq
	ctx, cancel := context.WithCancel(cs.ctx)
	cs.pipelineCancel = cancel
	started := cs.o.opts.Clock()

	go func() {
		r := cs.runGreeting(ctx)
		if r == nil {
			return
		}
		r.seq = seq
		r.startedAt = started
		cs.post(sessionEvent{kind: evResponse, resp: r})
	}()
}

func (cs *callSession) cancelPipeline() {
	if cs.pipelineCancel != nil {
		cs.pipelineCancel()
		cs.pipelineCancel = nil
	}
}

// startPlayback, Speaking fazına girişte bekleyen yanıtın sesini arayana
// parça parça gönderir.
func (cs *callSession) startPlayback(t dialog.Transition) error {
	r := cs.pending
	cs.pending = nil
	cs.stopPlayback()
	cs.playSeq++
	pseq := cs.playSeq

	if r == nil || len(r.audio) == 0 {
		go cs.post(sessionEvent{kind: evPlaybackFailed, seq: pseq, err: errNoAudio})
		return errNoAudio
	}

	ctx, cancel := context.WithCancel(cs.ctx)
	cs.playCancel = cancel
	audio := r.audio
	go func() {
		err := cs.sendAudio(ctx, audio)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cs.post(sessionEvent{kind: evPlaybackFailed, seq: pseq, err: err})
			return
		}
		cs.post(sessionEvent{kind: evPlaybackSent, seq: pseq})
	}()
	return nil
}

func (cs *callSession) sendAudio(ctx context.Context, audio []byte) error {
	chunk := cs.o.opts.AudioChunkBytes
	for off := 0; off < len(audio); off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + chunk
		if end > len(audio) {
			end = len(audio)
		}
		if err := cs.o.deps.Telephony.SendAudio(ctx, cs.id, audio[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (cs *callSession) onPlaybackSent(pseq uint64) {
	if pseq != cs.playSeq || cs.machine.Current() != dialog.PhaseSpeaking {
		return
	}
	if cs.playCancel != nil {
		cs.playCancel()
		cs.playCancel = nil
	}
	cs.armPlaybackTimer(pseq)
}

func (cs *callSession) armPlaybackTimer(pseq uint64) {
	if cs.playTimer != nil {
		cs.playTimer.Stop()
	}
	cs.playTimer = time.AfterFunc(cs.o.opts.PlaybackTimeout, func() {
		cs.post(sessionEvent{kind: evPlaybackTimeout, seq: pseq})
	})
}

func (cs *callSession) stopPlayback() {
	if cs.playCancel != nil {
		cs.playCancel()
		cs.playCancel = nil
	}
	if cs.playTimer != nil {
		cs.playTimer.Stop()
		cs.playTimer = nil
	}
}

// interruptPlayback, giden sesi keser ve telefon tarafındaki tamponu temizler.
// Faz değişmez; final transkript gelmezse güvenlik zamanlayıcısı dinlemeye
// döndürür.
func (cs *callSession) interruptPlayback() {
	if cs.playCancel == nil && cs.playTimer == nil {
		return
	}
	cs.stopPlayback()
	cs.armPlaybackTimer(cs.playSeq)
	go func() {
		ctx, cancel := context.WithTimeout(cs.ctx, time.Second)
		defer cancel()
		if err := cs.o.deps.Telephony.ClearAudio(ctx, cs.id); err != nil {
			cs.log.Warn().Err(err).Msg("Oynatma tamponu temizlenemedi.")
		}
	}()
}

// transcribeLoop, çağrı boyunca transkripsiyon akışını açık tutar. Akış
// kapanırsa kısa bir beklemeden sonra yeniden açılır.
func (cs *callSession) transcribeLoop() {
	for cs.ctx.Err() == nil {
		// Bağlantı deneme süresiyle sınırlıdır; akış ise çağrı boyunca yaşar.
		stream, err := resilience.Execute(cs.ctx, cs.o.transcription, cs.correlationID(),
			func(actx context.Context) (<-chan Transcript, error) {
				return cs.o.deps.Transcriber.Transcribe(actx, cs.ctx, cs.sess.LanguageCode, cs.audio)
			})
		if err != nil {
			if cs.ctx.Err() != nil {
				return
			}
			cs.log.Warn().Err(err).Dur("retry_in", cs.o.opts.StreamRetryDelay).Msg("Transkripsiyon akışı açılamadı.")
		} else {
			for tr := range stream {
				if !cs.post(sessionEvent{kind: evTranscript, transcript: tr}) {
					return
				}
			}
			if cs.ctx.Err() != nil {
				return
			}
			cs.log.Debug().Msg("Transkripsiyon akışı kapandı, yeniden açılacak.")
		}

		select {
		case <-cs.ctx.Done():
			return
		case <-time.After(cs.o.opts.StreamRetryDelay):
		}
	}
}

// publishSnapshot, anlık görüntüyü son-gelen-kazanır kanalına bırakır.
// Yazım snapshotWorker'da yapılır; çağrı yolu beklemez.
func (cs *callSession) publishSnapshot(trigger string) {
	if cs.o.deps.Snapshots == nil {
		return
	}
	st := cs.buildState(trigger)
	select {
	case cs.snapshots <- st:
		return
	default:
	}
	select {
	case <-cs.snapshots:
	default:
	}
	select {
	case cs.snapshots <- st:
	default:
	}
}

func (cs *callSession) buildState(trigger string) *state.CallState {
	turns := cs.history.Turns()
	conv := make([]state.TurnSnapshot, 0, len(turns))
	for _, t := range turns {
		conv = append(conv, state.TurnSnapshot{Role: string(t.Role), Text: t.Text, At: t.At, Metadata: t.Metadata})
	}
	stats := cs.machine.Stats()
	return &state.CallState{
		CallID:       cs.id,
		TraceID:      cs.sess.TraceID,
		TenantID:     cs.sess.TenantID,
		Phase:        string(stats.Current),
		LastTrigger:  trigger,
		Transitions:  stats.Transitions,
		Invalid:      stats.Invalid,
		Conversation: conv,
		Session:      cs.sess,
		UpdatedAt:    cs.o.opts.Clock().UTC(),
	}
}

func (cs *callSession) snapshotWorker() {
	defer close(cs.snapDone)
	for st := range cs.snapshots {
		ctx, cancel := context.WithTimeout(context.Background(), cs.o.opts.SnapshotTimeout)
		if err := cs.o.deps.Snapshots.Set(ctx, st); err != nil {
			cs.log.Warn().Err(err).Msg("Çağrı anlık görüntüsü Redis'e yazılamadı.")
		}
		cancel()
	}
}

// teardown, çağrı goroutine'inin son adımıdır: boru hattı ve oynatma durur,
// faz dinlemeye çekilir, özet üretilir ve raporlanır.
func (cs *callSession) teardown() {
	defer func() {
		if r := recover(); r != nil {
			cs.log.Error().Interface("panic", r).Msg("Çağrı kapanışı sırasında panik oluştu.")
		}
	}()

	cs.cancelPipeline()
	cs.stopPlayback()
	if cs.machine.Current() != dialog.PhaseListening {
		cs.machine.ForceTransition(dialog.PhaseListening, constants.TriggerCallEnded)
	}

	endedAt := cs.endedAt
	if endedAt.IsZero() {
		endedAt = cs.o.opts.Clock().UTC()
	}
	sess := cs.sess
	sess.EndedAt = &endedAt

	// Çağrı bağlamı iptal edildi; logger ve trace id korunarak yeni süre verilir.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cs.ctx), cs.o.opts.SummaryTimeout)
	summary := cs.history.Summarize(ctx, cs.summarizer(ctx, sess))
	cancel()

	stats := cs.machine.Stats()
	phaseMs := make(map[string]int64, len(stats.TimeInPhase))
	for p, d := range stats.TimeInPhase {
		metrics.PhaseSeconds.WithLabelValues(string(p)).Observe(d.Seconds())
		phaseMs[string(p)] = d.Milliseconds()
	}

	cs.report = &CallReport{
		Session:       sess,
		Summary:       summary,
		Stats:         stats,
		Transitions:   cs.machine.History(),
		Turns:         cs.history.Turns(),
		DroppedFrames: cs.dropped.Load(),
	}
	if cs.o.deps.Reporter != nil {
		cs.o.deps.Reporter.ReportSummary(report.CallSummary{
			CallID:             cs.id,
			TraceID:            sess.TraceID,
			TenantID:           sess.TenantID,
			CallerAddress:      sess.CallerAddress,
			StartedAt:          sess.StartedAt,
			EndedAt:            endedAt,
			Summary:            summary,
			Transitions:        stats.Transitions,
			InvalidTransitions: stats.Invalid,
			TimeInPhaseMs:      phaseMs,
		})
	}

	close(cs.snapshots)
	<-cs.snapDone
	if cs.o.deps.Snapshots != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), cs.o.opts.SnapshotTimeout)
		if err := cs.o.deps.Snapshots.Delete(dctx, cs.id); err != nil {
			cs.log.Warn().Err(err).Msg("Çağrı anlık görüntüsü silinemedi.")
		}
		dcancel()
	}

	cs.log.Info().
		Uint64("transitions", stats.Transitions).
		Uint64("invalid_transitions", stats.Invalid).
		Int("turns", summary.TurnCount).
		Bool("summary_fallback", summary.Fallback).
		Dur("duration", sess.Duration(endedAt)).
		Msg("📴 Çağrı sonlandırıldı, özet raporlandı.")
}

func (cs *callSession) finalReport() *CallReport {
	return cs.report
}
