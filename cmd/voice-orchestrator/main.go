// sentiric-voice-orchestrator/cmd/voice-orchestrator/main.go
package main

import (
	"io"
	"log"

	"google.golang.org/grpc/grpclog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/app"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/config"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/logger"
)

var (
	ServiceVersion string
	GitCommit      string
	BuildDate      string
)

const serviceName = "voice-orchestrator"

// initGrpcLogger, LOG_LEVEL debug değilse gRPC'nin kendi loglarını susturur.
func initGrpcLogger(logLevel string) {
	if logLevel != "debug" {
		grpclog.SetLoggerV2(grpclog.NewLoggerV2(io.Discard, io.Discard, io.Discard))
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Konfigürasyon yüklenemedi: %v", err)
	}

	appLog := logger.New(serviceName, cfg.Env, cfg.LogLevel)
	initGrpcLogger(cfg.LogLevel)

	appLog.Info().
		Str("version", ServiceVersion).
		Str("commit", GitCommit).
		Str("build_date", BuildDate).
		Str("profile", cfg.Env).
		Int("max_concurrent_calls", cfg.MaxConcurrentCalls).
		Msg("🚀 voice-orchestrator başlatılıyor...")

	application := app.NewApp(cfg, appLog)
	application.Run()
}
