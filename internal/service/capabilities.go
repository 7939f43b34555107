package service

import (
	"context"
	"io"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/report"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

// Transcript, akış halindeki konuşma tanımanın tek bir sonucudur.
type Transcript struct {
	Text            string  `json:"text"`
	IsFinal         bool    `json:"isFinal"`
	Confidence      float64 `json:"confidence"`
	NoSpeechTimeout bool    `json:"noSpeechTimeout,omitempty"`
}

// Transcriber, ses karelerini metne çeviren akış servisidir. ctx yalnızca
// bağlantı kurulurken geçerlidir; akışın ömrü streamCtx'e bağlıdır. Dönen
// kanal, akış bittiğinde veya bağlantı koptuğunda kapanır.
type Transcriber interface {
	Transcribe(ctx, streamCtx context.Context, language string, audio <-chan []byte) (<-chan Transcript, error)
	HealthCheck(ctx context.Context) bool
}

type TokenUsage struct {
	Prompt     int `json:"promptTokens"`
	Completion int `json:"completionTokens"`
}

type Completion struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

// Completer, prompt turlarından metin yanıtı üretir.
type Completer interface {
	Complete(ctx context.Context, turns []conversation.Turn) (Completion, error)
	HealthCheck(ctx context.Context) bool
}

// Synthesizer, metni ses verisine çevirir.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
	HealthCheck(ctx context.Context) bool
}

// Telephony, sentezlenen sesi arayana ileten medya tarafıdır.
type Telephony interface {
	SendAudio(ctx context.Context, callID string, audio []byte) error
	// ClearAudio, arayan araya girdiğinde oynatılmakta olan sesi keser.
	ClearAudio(ctx context.Context, callID string) error
}

// Reporter, loglama/metrik tarafıdır. Hiçbir metodu bloklamaz.
type Reporter interface {
	ReportSummary(report.CallSummary)
	ReportTurn(report.TurnMetrics)
	ReportOutcome(resilience.Outcome)
	ReportRejection(report.Rejection)
}

// SnapshotStore, çağrı anlık görüntülerinin tutulduğu yerdir.
type SnapshotStore interface {
	Set(ctx context.Context, st *state.CallState) error
	Delete(ctx context.Context, callID string) error
}

// Prompts, çağrıya özel metin şablonlarını sağlar.
type Prompts interface {
	SystemInstruction(ctx context.Context, sess state.CallSession) string
	Greeting(ctx context.Context, sess state.CallSession) string
	FallbackUtterance(ctx context.Context, sess state.CallSession) string
	SummaryInstruction(ctx context.Context, sess state.CallSession) string
}
