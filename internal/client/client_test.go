package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ttsv1 "github.com/sentiric/sentiric-contracts/gen/go/sentiric/tts/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/ctxlogger"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/media"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
)

var promptTurns = []conversation.Turn{
	{Role: conversation.RoleSystem, Text: "Sen bir telefon asistanısın."},
	{Role: conversation.RoleUser, Text: "book a table"},
}

func TestRenderPrompt(t *testing.T) {
	got := RenderPrompt(append(promptTurns, conversation.Turn{Role: conversation.RoleAssistant, Text: "Kaç kişi?"}))
	assert.Equal(t, "Sen bir telefon asistanısın.\n\nKullanıcı: book a table\nAsistan: Kaç kişi?\nAsistan:", got)
}

func TestLlmClient_Complete(t *testing.T) {
	var gotReq LlmGenerateRequest
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		gotTrace = r.Header.Get("X-Trace-ID")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(LlmGenerateResponse{
			Text:  "\"Tabii, kaç kişilik?\"\n",
			Usage: LlmUsage{PromptTokens: 30, CompletionTokens: 6},
		})
	}))
	defer srv.Close()

	c := NewLlmClient(srv.URL, 128, zerolog.Nop())
	ctx := ctxlogger.WithTraceID(context.Background(), "trace-1")
	res, err := c.Complete(ctx, promptTurns)

	require.NoError(t, err)
	assert.Equal(t, "Tabii, kaç kişilik?", res.Text)
	assert.Equal(t, 30, res.Usage.Prompt)
	assert.Equal(t, 6, res.Usage.Completion)
	assert.Equal(t, "trace-1", gotTrace)
	assert.Equal(t, 128, gotReq.MaxTokens)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestLlmClient_StatusClassification(t *testing.T) {
	testCases := []struct {
		name string
		code int
		want resilience.Kind
	}{
		{"Servis kullanılamıyor", http.StatusServiceUnavailable, resilience.KindTransient},
		{"Hız sınırı", http.StatusTooManyRequests, resilience.KindTransient},
		{"Geçersiz istek", http.StatusBadRequest, resilience.KindPermanent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "hata", tc.code)
			}))
			defer srv.Close()

			_, err := NewLlmClient(srv.URL, 0, zerolog.Nop()).Complete(context.Background(), promptTurns)
			require.Error(t, err)
			var se *resilience.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, tc.want, resilience.Classify(err))
		})
	}
}

func TestLlmClient_HealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewLlmClient(srv.URL, 0, zerolog.Nop())
	assert.True(t, c.HealthCheck(context.Background()))
	healthy.Store(false)
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestSttClient_StreamsTranscripts(t *testing.T) {
	queries := make(chan url.Values, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transcribe-stream", r.URL.Path)
		queries <- r.URL.Query()
		ws, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer ws.Close()

		msgType, data, err := ws.ReadMessage()
		assert.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, msgType)
		assert.Equal(t, []byte{1, 2}, data)

		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"partial","text":"book"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`çöp`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"final","text":"book a table","confidence":0.93}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"no_speech_timeout"}`))
		ws.ReadMessage()
	}))
	defer srv.Close()

	c := NewSttClient(srv.URL, -1, 0.75, "2", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	audio := make(chan []byte, 1)
	audio <- []byte{1, 2}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), time.Second)
	stream, err := c.Transcribe(dialCtx, ctx, "tr", audio)
	require.NoError(t, err)
	// Bağlantı bağlamının bitmesi akışı kapatmaz.
	dialCancel()

	first := <-stream
	assert.False(t, first.IsFinal)
	assert.Equal(t, "book", first.Text)
	second := <-stream
	assert.True(t, second.IsFinal)
	assert.Equal(t, "book a table", second.Text)
	assert.InDelta(t, 0.93, second.Confidence, 1e-9)
	third := <-stream
	assert.True(t, third.NoSpeechTimeout)

	query := <-queries
	assert.Equal(t, "tr", query.Get("language"))
	assert.Equal(t, "2", query.Get("vad_aggressiveness"))

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-stream
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "akış kanalı kapanmalı")
}

func TestSttClient_BadHandshakeIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "yok", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewSttClient(srv.URL, -1, 0.75, "1", zerolog.Nop()).Transcribe(context.Background(), context.Background(), "tr", nil)
	var se *resilience.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, resilience.KindPermanent, resilience.Classify(err))
}

func TestSttClient_DialHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewSttClient(srv.URL, -1, 0.75, "1", zerolog.Nop()).Transcribe(ctx, context.Background(), "tr", nil)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeTtsGateway struct {
	ttsv1.TtsGatewayServiceClient
	got  *ttsv1.SynthesizeRequest
	resp *ttsv1.SynthesizeResponse
	err  error
}

func (f *fakeTtsGateway) Synthesize(ctx context.Context, in *ttsv1.SynthesizeRequest, opts ...grpc.CallOption) (*ttsv1.SynthesizeResponse, error) {
	f.got = in
	return f.resp, f.err
}

type fakeHealth struct {
	healthpb.HealthClient
	status healthpb.HealthCheckResponse_ServingStatus
	err    error
}

func (f *fakeHealth) Check(ctx context.Context, in *healthpb.HealthCheckRequest, opts ...grpc.CallOption) (*healthpb.HealthCheckResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &healthpb.HealthCheckResponse{Status: f.status}, nil
}

func TestTtsClient_SynthesizeDecodesWAV(t *testing.T) {
	pcm := []byte{0x10, 0x00, 0x20, 0x00, 0x30, 0x00, 0x40, 0x00}
	f, err := os.CreateTemp(t.TempDir(), "*.wav")
	require.NoError(t, err)
	require.NoError(t, media.EncodeWAV(f, pcm, 8000))
	require.NoError(t, f.Close())
	wavBytes, err := os.ReadFile(f.Name())
	require.NoError(t, err)

	gw := &fakeTtsGateway{resp: &ttsv1.SynthesizeResponse{AudioContent: wavBytes}}
	c := newTtsClient(gw, &fakeHealth{}, "", 0, zerolog.Nop())

	rc, err := c.Synthesize(context.Background(), "Merhaba")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Equal(t, pcm, got)
	assert.Equal(t, "Merhaba", gw.got.Text)
	assert.Equal(t, "default", gw.got.VoiceId)
}

func TestTtsClient_Errors(t *testing.T) {
	gw := &fakeTtsGateway{err: status.Error(codes.Unavailable, "gateway down")}
	c := newTtsClient(gw, &fakeHealth{}, "v1", 8000, zerolog.Nop())
	_, err := c.Synthesize(context.Background(), "Merhaba")
	assert.Equal(t, resilience.KindTransient, resilience.Classify(err))

	gw.err = nil
	gw.resp = &ttsv1.SynthesizeResponse{}
	_, err = c.Synthesize(context.Background(), "Merhaba")
	assert.Equal(t, resilience.KindTransient, resilience.Classify(err))
}

func TestTtsClient_HealthCheck(t *testing.T) {
	h := &fakeHealth{status: healthpb.HealthCheckResponse_SERVING}
	c := newTtsClient(&fakeTtsGateway{}, h, "", 0, zerolog.Nop())
	assert.True(t, c.HealthCheck(context.Background()))

	h.status = healthpb.HealthCheckResponse_NOT_SERVING
	assert.False(t, c.HealthCheck(context.Background()))

	h.err = status.Error(codes.Unavailable, "down")
	assert.False(t, c.HealthCheck(context.Background()))
}
