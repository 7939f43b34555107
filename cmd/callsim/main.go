// sentiric-voice-orchestrator/cmd/callsim/main.go
//
// callsim, telefon tarafını taklit eder: call.started yayınlar, bir WAV
// dosyasını medya ağ geçidine gerçek zamanlı akıtır, gelen sesi dinler ve
// sonunda call.ended yayınlar.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/constants"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/handler"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/logger"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/media"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/queue"
)

const (
	frameDuration = 20 * time.Millisecond
	// Gelen ses bu kadar süre kesilirse oynatma bitmiş sayılır.
	playbackQuiet = 400 * time.Millisecond
)

type options struct {
	amqpURL  string
	mediaURL string
	wavPath  string
	from     string
	tenant   string
	language string
	hold     time.Duration
}

func main() {
	godotenv.Load()

	var opts options
	flag.StringVar(&opts.amqpURL, "amqp", os.Getenv("RABBITMQ_URL"), "RabbitMQ adresi")
	flag.StringVar(&opts.mediaURL, "media", "ws://localhost:8090", "medya ağ geçidi adresi")
	flag.StringVar(&opts.wavPath, "wav", "", "arayanın sesi (WAV)")
	flag.StringVar(&opts.from, "from", "sip:+905551234567@127.0.0.1", "arayan SIP URI")
	flag.StringVar(&opts.tenant, "tenant", "", "kiracı")
	flag.StringVar(&opts.language, "lang", "tr", "dil kodu")
	flag.DurationVar(&opts.hold, "hold", 10*time.Second, "ses bittikten sonra hatta kalma süresi")
	flag.Parse()

	log := logger.New("callsim", "development", "debug")
	if opts.amqpURL == "" || opts.wavPath == "" {
		log.Fatal().Msg("-amqp ve -wav zorunludur")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, log); err != nil {
		log.Fatal().Err(err).Msg("Simülasyon başarısız")
	}
}

func run(ctx context.Context, opts options, log zerolog.Logger) error {
	data, err := os.ReadFile(opts.wavPath)
	if err != nil {
		return fmt.Errorf("WAV okunamadı: %w", err)
	}
	pcm, format, err := media.PCMFromWAV(data)
	if err != nil {
		return err
	}

	ch, _, err := queue.Connect(ctx, opts.amqpURL, log)
	if err != nil {
		return err
	}
	defer ch.Close()
	pub := queue.NewPublisher(ch, log)

	callID := "sim-" + uuid.NewString()
	traceID := uuid.NewString()
	l := log.With().Str("call_id", callID).Logger()

	started := handler.LifecycleEvent{
		EventType:    string(constants.EventTypeCallStarted),
		CallID:       callID,
		TraceID:      traceID,
		From:         opts.from,
		TenantID:     opts.tenant,
		LanguageCode: opts.language,
		Channel:      "callsim",
		Timestamp:    time.Now().UTC(),
	}
	if err := pub.PublishJSON(ctx, string(constants.EventTypeCallStarted), started); err != nil {
		return err
	}
	l.Info().Msg("📞 call.started yayınlandı.")
	defer func() {
		ended := started
		ended.EventType = string(constants.EventTypeCallEnded)
		ended.Timestamp = time.Now().UTC()
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.PublishJSON(pubCtx, string(constants.EventTypeCallEnded), ended); err != nil {
			l.Error().Err(err).Msg("call.ended yayınlanamadı.")
			return
		}
		l.Info().Msg("call.ended yayınlandı.")
	}()

	wsURL, err := url.Parse(opts.mediaURL)
	if err != nil {
		return fmt.Errorf("medya adresi geçersiz: %w", err)
	}
	wsURL.Path = media.Path
	wsURL.RawQuery = url.Values{"callId": {callID}}.Encode()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("medya ağ geçidine bağlanılamadı: %w", err)
	}
	defer ws.Close()

	var wmu sync.Mutex
	write := func(msgType int, payload []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return ws.WriteMessage(msgType, payload)
	}

	var received atomic.Int64
	go listen(ws, write, &received, l)

	chunk := format.SampleRate * 2 * int(frameDuration/time.Millisecond) / 1000
	if chunk <= 0 {
		chunk = 320
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := write(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("ses gönderilemedi: %w", err)
		}
	}
	l.Info().Int("bytes", len(pcm)).Int("sample_rate", format.SampleRate).Msg("Arayan sesi gönderildi, yanıt bekleniyor...")

	select {
	case <-ctx.Done():
	case <-time.After(opts.hold):
	}
	l.Info().Int64("received_bytes", received.Load()).Msg("Simülasyon tamamlandı.")
	return nil
}

// listen, orkestratörden gelen sesi sayar ve ses kesildiğinde
// playback_finished bildirir.
func listen(ws *websocket.Conn, write func(int, []byte) error, received *atomic.Int64, l zerolog.Logger) {
	finished, _ := json.Marshal(media.ControlMessage{Event: media.EventPlaybackFinished})
	var quiet *time.Timer
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if received.Add(int64(len(data))) == int64(len(data)) {
				l.Info().Msg("🔊 Asistan konuşuyor...")
			}
			if quiet != nil {
				quiet.Stop()
			}
			quiet = time.AfterFunc(playbackQuiet, func() {
				if err := write(websocket.TextMessage, finished); err == nil {
					l.Info().Msg("Oynatma bitti bildirildi.")
				}
			})
		case websocket.TextMessage:
			var msg media.ControlMessage
			if json.Unmarshal(data, &msg) == nil && msg.Event == media.EventClear {
				l.Info().Msg("✋ Araya girme: oynatma kesildi.")
			}
		}
	}
}
