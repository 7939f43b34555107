// sentiric-voice-orchestrator/internal/app/app.go
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/client"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/config"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/constants"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/database"
	igrpc "github.com/sentiric/sentiric-voice-orchestrator/internal/grpc"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/handler"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/media"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/metrics"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/queue"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/report"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/service"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

const (
	shutdownTimeout  = 15 * time.Second
	reportBuffer     = 1024
	reportWorkers    = 2
	reportTimeout    = 5 * time.Second
	mediaReadTimeout = 10 * time.Second
)

type App struct {
	Cfg *config.Config
	Log zerolog.Logger
}

func NewApp(cfg *config.Config, log zerolog.Logger) *App {
	return &App{Cfg: cfg, Log: log}
}

func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Altyapı Bağlantıları
	db, rdb, rabbitCh, closeChan, err := a.initInfra(ctx)
	if err != nil {
		a.Log.Fatal().Err(err).Msg("Altyapı başlatılamadı")
	}
	defer db.Close()
	defer rdb.Close()
	defer rabbitCh.Close()

	if err := database.EnsureCallSummarySchema(ctx, db); err != nil {
		a.Log.Fatal().Err(err).Msg("Veritabanı şeması hazırlanamadı")
	}

	// 2. Raporlama ve dayanıklılık katmanı
	publisher := queue.NewPublisher(rabbitCh, a.Log)
	dispatcher := report.NewDispatcher(reportBuffer, reportWorkers, reportTimeout, a.Log,
		report.NewPublisherSink(publisher), report.NewPostgresSink(db))
	reportCtx, stopReports := context.WithCancel(context.Background())
	defer stopReports()
	dispatcher.Start(reportCtx)

	registry, err := a.newRegistry(ctx, dispatcher)
	if err != nil {
		a.Log.Fatal().Err(err).Msg("Dayanıklılık politikaları yüklenemedi")
	}

	// 3. Upstream istemcileri
	ttsConn, err := client.NewGrpcConn(a.Cfg, a.Cfg.TtsGatewayURL)
	if err != nil {
		a.Log.Fatal().Err(err).Msg("TTS Gateway istemcisi başlatılamadı")
	}
	defer ttsConn.Close()
	llm := client.NewLlmClient(a.Cfg.LlmServiceURL, a.Cfg.PromptReservedTokens, a.Log)
	stt := client.NewSttClient(a.Cfg.SttServiceURL, a.Cfg.SttLogprobThreshold, a.Cfg.SttNoSpeechThreshold, a.Cfg.SttVadLevel, a.Log)
	tts := client.NewTtsClient(ttsConn, a.Cfg.TtsVoiceID, a.Cfg.TtsSampleRate, a.Log)

	// 4. Orkestratör
	gateway := media.NewGateway(a.Log)
	stateMgr := state.NewManager(rdb)
	orchestrator := service.NewCallOrchestrator(service.Dependencies{
		Transcriber: stt,
		Completer:   llm,
		Synthesizer: tts,
		Telephony:   gateway,
		Resilience:  registry,
		Reporter:    dispatcher,
		Snapshots:   stateMgr,
		Prompts:     service.NewTemplateProvider(db, a.Cfg.DefaultLanguage, a.Cfg.DefaultTenant, a.Cfg.FallbackUtterance, a.Log),
		Log:         a.Log,
	}, service.Options{
		MaxConcurrentCalls: a.Cfg.MaxConcurrentCalls,
		Budget: conversation.Budget{
			MaxTokens:           a.Cfg.PromptMaxTokens,
			ReservedForResponse: a.Cfg.PromptReservedTokens,
		},
		MaxHistoryTurns:      a.Cfg.MaxHistoryTurns,
		TransitionHistoryCap: a.Cfg.TransitionHistoryCap,
		GreetingEnabled:      a.Cfg.GreetingEnabled,
		FallbackAudio:        a.loadFallbackAudio(ctx, db),
		PlaybackTimeout:      a.Cfg.PlaybackTimeout,
		SummaryTimeout:       a.Cfg.SummaryTimeout,
	})
	gateway.Attach(orchestrator)
	eventHandler := handler.NewEventHandler(orchestrator, stateMgr, a.Cfg.DefaultLanguage, a.Cfg.DefaultTenant,
		a.Log, metrics.EventsProcessed, metrics.EventsFailed)

	// 5. Sunucular
	healthSrv := health.NewServer()
	poller := igrpc.NewHealthPoller(healthSrv, metrics.DependencyHealthy, a.Cfg.HealthCheckInterval, a.Log)
	poller.Register(constants.DependencyTranscription, stt)
	poller.Register(constants.DependencyCompletion, llm)
	poller.Register(constants.DependencySynthesis, tts)
	go poller.Run(ctx)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	go a.startGRPC(grpcServer)
	go metrics.StartServer(a.Cfg.MetricsPort, a.Log)

	mediaSrv := a.newMediaServer(gateway)
	go a.startMedia(mediaSrv)

	// 6. RabbitMQ Worker
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()
	var wg sync.WaitGroup
	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- queue.StartConsumer(consumeCtx, rabbitCh, constants.LifecycleRoutingKeys, eventHandler.HandleRabbitMQMessage, a.Log, &wg)
	}()

	// 7. Shutdown
	a.waitForShutdown(closeChan, consumerErr)

	stopConsuming()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn().Err(err).Msg("Aktif çağrılar zamanında kapatılamadı.")
	}
	if err := mediaSrv.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn().Err(err).Msg("Medya sunucusu kapatılamadı.")
	}
	gateway.Close()
	dispatcher.Stop(shutdownCtx)
	cancel()
	grpcServer.GracefulStop()

	st := dispatcher.Stats()
	a.Log.Info().
		Uint64("reports_delivered", st.Delivered).
		Uint64("reports_dropped", st.Dropped).
		Msg("Servis başarıyla durduruldu.")
}

func (a *App) initInfra(ctx context.Context) (*sql.DB, *redis.Client, *amqp091.Channel, <-chan *amqp091.Error, error) {
	db, err := database.Connect(ctx, a.Cfg.PostgresURL, a.Log)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rdb, err := database.ConnectRedis(ctx, a.Cfg.RedisURL, a.Log)
	if err != nil {
		db.Close()
		return nil, nil, nil, nil, err
	}
	ch, closeCh, err := queue.Connect(ctx, a.Cfg.RabbitMQURL, a.Log)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, nil, nil, nil, err
	}
	return db, rdb, ch, closeCh, nil
}

// newRegistry, devre kesici kayıt defterini metrik ve rapor gözlemcileriyle
// kurar. Politika dosyası tanımlıysa yüklenir ve değişiklikler izlenir.
func (a *App) newRegistry(ctx context.Context, dispatcher *report.Dispatcher) (*resilience.Registry, error) {
	opts := []resilience.Option{
		resilience.WithAttemptObserver(func(dependency string, kind resilience.Kind) {
			metrics.UpstreamAttempts.WithLabelValues(dependency, kind.String()).Inc()
		}),
		resilience.WithOutcomeObserver(func(o resilience.Outcome) {
			metrics.UpstreamOutcomes.WithLabelValues(o.Dependency, o.Kind).Inc()
			dispatcher.ReportOutcome(o)
		}),
		resilience.WithStateObserver(func(name string, from, to resilience.CircuitState) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		}),
	}

	path := a.Cfg.ResiliencePolicyPath
	if path != "" {
		pf, err := resilience.LoadPolicyFile(path)
		if err != nil {
			return nil, fmt.Errorf("politika dosyası okunamadı (%s): %w", path, err)
		}
		opts = append(opts, resilience.WithPolicies(pf))
	}
	registry := resilience.NewRegistry(a.Log, opts...)
	for _, name := range []string{constants.DependencyTranscription, constants.DependencyCompletion, constants.DependencySynthesis} {
		registry.Executor(name)
		metrics.CircuitState.WithLabelValues(name).Set(float64(resilience.StateClosed))
	}

	if path != "" {
		if err := registry.WatchPolicyFile(ctx, path); err != nil {
			a.Log.Warn().Err(err).Str("path", path).Msg("Politika dosyası izlenemiyor, değişiklikler yeniden başlatmada uygulanacak.")
		} else {
			a.Log.Info().Str("path", path).Msg("Dayanıklılık politikaları yüklendi ve izleniyor.")
		}
	}
	return registry, nil
}

// loadFallbackAudio, yedek sesi önce FALLBACK_AUDIO_PATH'ten, yoksa
// veritabanındaki sistem hatası anonsundan yükler. Bulunamazsa nil döner.
func (a *App) loadFallbackAudio(ctx context.Context, db *sql.DB) []byte {
	path := a.Cfg.FallbackAudioPath
	if path == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		p, err := database.GetAnnouncementPathFromDB(lookupCtx, db, string(constants.AnnounceSystemError), a.Cfg.DefaultTenant, a.Cfg.DefaultLanguage)
		if err != nil {
			a.Log.Warn().Err(err).Msg("Yedek anons bulunamadı, hazır ses olmadan devam ediliyor.")
			return nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		a.Log.Warn().Err(err).Str("path", path).Msg("Yedek ses dosyası okunamadı.")
		return nil
	}
	pcm, format, err := media.PCMFromWAV(data)
	if err != nil {
		a.Log.Warn().Err(err).Str("path", path).Msg("Yedek ses dosyası çözümlenemedi.")
		return nil
	}
	a.Log.Info().Str("path", path).Int("sample_rate", format.SampleRate).Int("bytes", len(pcm)).Msg("Yedek ses yüklendi.")
	return pcm
}

func (a *App) newMediaServer(gateway *media.Gateway) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(media.Path, gateway)
	return &http.Server{
		Addr:              a.Cfg.MediaListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: mediaReadTimeout,
	}
}

func (a *App) startMedia(srv *http.Server) {
	a.Log.Info().Str("addr", srv.Addr).Str("path", media.Path).Msg("🎧 Medya ağ geçidi dinleniyor")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Log.Fatal().Err(err).Msg("Medya sunucusu hatası")
	}
}

func (a *App) startGRPC(srv *grpc.Server) {
	addr := fmt.Sprintf(":%s", a.Cfg.GrpcPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		a.Log.Fatal().Err(err).Msg("gRPC dinleme hatası")
	}
	a.Log.Info().Str("addr", addr).Msg("🚀 gRPC Sunucusu (Health) dinleniyor")
	if err := srv.Serve(lis); err != nil {
		a.Log.Fatal().Err(err).Msg("gRPC sunucu hatası")
	}
}

func (a *App) waitForShutdown(closeChan <-chan *amqp091.Error, consumerErr <-chan error) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		a.Log.Info().Msg("Kapatma sinyali alındı.")
	case err := <-closeChan:
		a.Log.Error().Err(err).Msg("RabbitMQ bağlantısı koptu.")
	case err := <-consumerErr:
		if err != nil {
			a.Log.Error().Err(err).Msg("RabbitMQ tüketicisi başlatılamadı.")
		} else {
			a.Log.Warn().Msg("RabbitMQ tüketicisi durdu.")
		}
	}
}
