package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/ctxlogger"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/service"
)

// sttMessage, STT servisinin WebSocket üzerinden gönderdiği sonuçtur.
type sttMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// SttClient, konuşma tanıma servisine akış halinde ses gönderen WebSocket
// adaptörüdür.
type SttClient struct {
	httpClient        *http.Client
	dialer            *websocket.Dialer
	baseURL           string
	logprobThreshold  float64
	noSpeechThreshold float64
	vadLevel          string
	log               zerolog.Logger
}

func NewSttClient(baseURL string, logprobThreshold, noSpeechThreshold float64, vadLevel string, log zerolog.Logger) *SttClient {
	return &SttClient{
		httpClient:        &http.Client{},
		dialer:            &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		baseURL:           normalizeBaseURL(baseURL),
		logprobThreshold:  logprobThreshold,
		noSpeechThreshold: noSpeechThreshold,
		vadLevel:          vadLevel,
		log:               log.With().Str("client", "stt").Logger(),
	}
}

func (c *SttClient) BaseURL() string {
	return c.baseURL
}

func (c *SttClient) buildStreamURL(language string) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("stt service url parse edilemedi: %w", err))
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	sttURL := url.URL{Scheme: scheme, Host: u.Host, Path: "/api/v1/transcribe-stream"}
	q := sttURL.Query()
	if language != "" {
		q.Set("language", language)
	}
	q.Set("logprob_threshold", fmt.Sprintf("%f", c.logprobThreshold))
	q.Set("no_speech_threshold", fmt.Sprintf("%f", c.noSpeechThreshold))
	q.Set("vad_aggressiveness", c.vadLevel)
	sttURL.RawQuery = q.Encode()
	return &sttURL, nil
}

// Transcribe, bir akış açar: audio kanalındaki kareler servise yazılır,
// gelen sonuçlar dönen kanala iletilir. Bağlantı ctx süresi içinde kurulur;
// bağlantı koptuğunda ya da streamCtx bittiğinde kanal kapanır.
func (c *SttClient) Transcribe(ctx, streamCtx context.Context, language string, audio <-chan []byte) (<-chan service.Transcript, error) {
	sttURL, err := c.buildStreamURL(language)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if traceID := ctxlogger.TraceID(ctx); traceID != "" {
		header.Set("X-Trace-ID", traceID)
	}

	l := ctxlogger.FromContext(ctx)
	l.Debug().Str("url", sttURL.String()).Msg("STT-Service'e WebSocket bağlantısı kuruluyor...")
	wsConn, resp, err := c.dialer.DialContext(ctx, sttURL.String(), header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &resilience.StatusError{Code: resp.StatusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("STT-Service'e bağlanılamadı: %w", err)
	}
	l.Info().Msg("STT-Service'e WebSocket bağlantısı başarılı.")

	out := make(chan service.Transcript, 16)
	streamCtx, cancel := context.WithCancel(streamCtx)
	go func() {
		<-streamCtx.Done()
		wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		wsConn.Close()
	}()
	go c.pumpAudio(streamCtx, cancel, wsConn, audio, l)
	go c.listen(streamCtx, cancel, wsConn, out, l)
	return out, nil
}

func (c *SttClient) pumpAudio(ctx context.Context, cancel context.CancelFunc, wsConn *websocket.Conn, audio <-chan []byte, l zerolog.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-audio:
			if err := wsConn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
					l.Warn().Err(err).Msg("WebSocket'e yazma hatası.")
				}
				return
			}
		}
	}
}

func (c *SttClient) listen(ctx context.Context, cancel context.CancelFunc, wsConn *websocket.Conn, out chan<- service.Transcript, l zerolog.Logger) {
	defer close(out)
	defer cancel()
	for {
		_, message, err := wsConn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.Debug().Err(err).Msg("STT dinleyicisi sonlandı.")
			}
			return
		}
		var msg sttMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			l.Warn().Err(err).Msg("STT mesajı çözümlenemedi, atlanıyor.")
			continue
		}

		var tr service.Transcript
		switch msg.Type {
		case "partial":
			tr = service.Transcript{Text: msg.Text, Confidence: msg.Confidence}
		case "final":
			tr = service.Transcript{Text: msg.Text, IsFinal: true, Confidence: msg.Confidence}
		case "no_speech_timeout":
			tr = service.Transcript{IsFinal: true, NoSpeechTimeout: true}
		default:
			continue
		}
		select {
		case out <- tr:
		case <-ctx.Done():
			return
		}
	}
}

func (c *SttClient) HealthCheck(ctx context.Context) bool {
	return httpHealth(ctx, c.httpClient, c.baseURL+"/health")
}
