package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	ttsv1 "github.com/sentiric/sentiric-contracts/gen/go/sentiric/tts/v1"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/ctxlogger"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/media"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
)

// TtsClient, TTS Gateway'in gRPC adaptörüdür. WAV yanıtları ham PCM'e çevrilir.
type TtsClient struct {
	gateway    ttsv1.TtsGatewayServiceClient
	health     healthpb.HealthClient
	voiceID    string
	sampleRate int32
	log        zerolog.Logger
}

func NewTtsClient(conn grpc.ClientConnInterface, voiceID string, sampleRate int32, log zerolog.Logger) *TtsClient {
	return newTtsClient(ttsv1.NewTtsGatewayServiceClient(conn), healthpb.NewHealthClient(conn), voiceID, sampleRate, log)
}

func newTtsClient(gw ttsv1.TtsGatewayServiceClient, health healthpb.HealthClient, voiceID string, sampleRate int32, log zerolog.Logger) *TtsClient {
	if voiceID == "" {
		voiceID = "default"
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &TtsClient{
		gateway:    gw,
		health:     health,
		voiceID:    voiceID,
		sampleRate: sampleRate,
		log:        log.With().Str("client", "tts").Logger(),
	}
}

func (c *TtsClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if traceID := ctxlogger.TraceID(ctx); traceID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-trace-id", traceID)
	}
	ttsReq := &ttsv1.SynthesizeRequest{
		Text:     text,
		TextType: ttsv1.TextType_TEXT_TYPE_TEXT,
		VoiceId:  c.voiceID,
		AudioConfig: &ttsv1.AudioConfig{
			AudioFormat:     ttsv1.AudioFormat_AUDIO_FORMAT_WAV,
			SampleRateHertz: c.sampleRate,
		},
	}

	c.log.Debug().Int("text_size", len(text)).Str("voice_id", c.voiceID).Msg("Metin sese dönüştürülüyor...")
	ttsResp, err := c.gateway.Synthesize(ctx, ttsReq)
	if err != nil {
		return nil, err
	}

	audio := ttsResp.GetAudioContent()
	if len(audio) == 0 {
		return nil, resilience.Transient(errors.New("TTS Gateway boş ses verisi döndürdü"))
	}
	if media.IsWAV(audio) {
		pcm, _, err := media.PCMFromWAV(audio)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("TTS yanıtı çözümlenemedi: %w", err))
		}
		audio = pcm
	}
	return io.NopCloser(bytes.NewReader(audio)), nil
}

func (c *TtsClient) HealthCheck(ctx context.Context) bool {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}
