// ========== FILE: sentiric-voice-orchestrator/internal/config/config.go ==========
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config, uygulamanın ihtiyaç duyduğu tüm yapılandırma değerlerini içerir.
type Config struct {
	Env      string
	LogLevel string

	PostgresURL string
	RedisURL    string
	RabbitMQURL string

	LlmServiceURL string
	SttServiceURL string
	TtsGatewayURL string

	AgentServiceCertPath string
	AgentServiceKeyPath  string
	GrpcTlsCaPath        string

	MetricsPort     string
	GrpcPort        string
	MediaListenAddr string

	MaxConcurrentCalls   int
	PromptMaxTokens      int
	PromptReservedTokens int
	MaxHistoryTurns      int
	TransitionHistoryCap int
	ResiliencePolicyPath string

	DefaultLanguage   string
	DefaultTenant     string
	FallbackUtterance string
	FallbackAudioPath string
	PlaybackTimeout   time.Duration
	SummaryTimeout    time.Duration
	GreetingEnabled   bool

	SttLogprobThreshold  float64
	SttNoSpeechThreshold float64
	SttVadLevel          string
	TtsVoiceID           string
	TtsSampleRate        int32
	HealthCheckInterval  time.Duration
}

// Load, .env dosyasından ve ortam değişkenlerinden yapılandırmayı yükler.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Env:      getEnvWithDefault("ENV", "production"),
		LogLevel: getEnvWithDefault("LOG_LEVEL", "info"),

		PostgresURL: getEnv("POSTGRES_URL"),
		RedisURL:    getEnv("REDIS_URL"),
		RabbitMQURL: getEnv("RABBITMQ_URL"),

		LlmServiceURL: getEnv("LLM_SERVICE_URL"),
		SttServiceURL: getEnv("STT_SERVICE_URL"),
		TtsGatewayURL: getEnv("TTS_GATEWAY_URL"),

		AgentServiceCertPath: getEnv("AGENT_SERVICE_CERT_PATH"),
		AgentServiceKeyPath:  getEnv("AGENT_SERVICE_KEY_PATH"),
		GrpcTlsCaPath:        getEnv("GRPC_TLS_CA_PATH"),

		MetricsPort:     getEnvWithDefault("METRICS_PORT", "9091"),
		GrpcPort:        getEnvWithDefault("GRPC_PORT", "12031"),
		MediaListenAddr: getEnvWithDefault("MEDIA_LISTEN_ADDR", ":8090"),

		ResiliencePolicyPath: getEnv("RESILIENCE_POLICY_PATH"),
		DefaultLanguage:      getEnvWithDefault("DEFAULT_LANGUAGE", "tr"),
		DefaultTenant:        getEnvWithDefault("DEFAULT_TENANT", "system"),
		FallbackUtterance:    getEnv("FALLBACK_UTTERANCE"),
		FallbackAudioPath:    getEnv("FALLBACK_AUDIO_PATH"),
		SttVadLevel:          getEnvWithDefault("STT_VAD_LEVEL", "1"),
		TtsVoiceID:           getEnvWithDefault("TTS_VOICE_ID", "default"),
	}

	var err error
	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"MAX_CONCURRENT_CALLS", 50, &cfg.MaxConcurrentCalls},
		{"PROMPT_MAX_TOKENS", 4096, &cfg.PromptMaxTokens},
		{"PROMPT_RESERVED_TOKENS", 512, &cfg.PromptReservedTokens},
		{"MAX_HISTORY_TURNS", 64, &cfg.MaxHistoryTurns},
		{"TRANSITION_HISTORY_CAP", 100, &cfg.TransitionHistoryCap},
	}
	for _, v := range ints {
		if *v.dst, err = getIntEnv(v.key, v.def); err != nil {
			return nil, err
		}
	}
	sampleRate, err := getIntEnv("TTS_SAMPLE_RATE", 8000)
	if err != nil {
		return nil, err
	}
	cfg.TtsSampleRate = int32(sampleRate)

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"PLAYBACK_TIMEOUT", 30 * time.Second, &cfg.PlaybackTimeout},
		{"SUMMARY_TIMEOUT", 3 * time.Second, &cfg.SummaryTimeout},
		{"HEALTH_CHECK_INTERVAL", 10 * time.Second, &cfg.HealthCheckInterval},
	}
	for _, v := range durations {
		if *v.dst, err = getDurationEnv(v.key, v.def); err != nil {
			return nil, err
		}
	}

	if cfg.GreetingEnabled, err = getBoolEnv("GREETING_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.SttLogprobThreshold, err = getFloatEnv("STT_LOGPROB_THRESHOLD", -1.0); err != nil {
		return nil, err
	}
	if cfg.SttNoSpeechThreshold, err = getFloatEnv("STT_NO_SPEECH_THRESHOLD", 0.75); err != nil {
		return nil, err
	}

	// Kritik yapılandırma değerlerinin varlığını kontrol et
	if cfg.PostgresURL == "" || cfg.RedisURL == "" || cfg.RabbitMQURL == "" || cfg.LlmServiceURL == "" || cfg.SttServiceURL == "" || cfg.TtsGatewayURL == "" {
		return nil, fmt.Errorf("kritik altyapı URL'leri eksik (Postgres, Redis, RabbitMQ, LLM, STT, TTS Gateway)")
	}
	if cfg.PromptReservedTokens >= cfg.PromptMaxTokens {
		return nil, fmt.Errorf("PROMPT_RESERVED_TOKENS (%d), PROMPT_MAX_TOKENS (%d) değerinden küçük olmalı", cfg.PromptReservedTokens, cfg.PromptMaxTokens)
	}
	if cfg.MaxConcurrentCalls <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_CALLS pozitif olmalı: %d", cfg.MaxConcurrentCalls)
	}

	return cfg, nil
}

// MTLSEnabled, gRPC istemcileri için sertifika yolları verilmiş mi söyler.
func (c *Config) MTLSEnabled() bool {
	return c.AgentServiceCertPath != "" && c.AgentServiceKeyPath != "" && c.GrpcTlsCaPath != ""
}

func getEnv(key string) string {
	return os.Getenv(key)
}

func getEnvWithDefault(key, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getIntEnv(key string, def int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s geçerli bir tam sayı değil: %w", key, err)
	}
	return n, nil
}

func getFloatEnv(key string, def float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s geçerli bir sayı değil: %w", key, err)
	}
	return f, nil
}

func getBoolEnv(key string, def bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s geçerli bir bool değil: %w", key, err)
	}
	return b, nil
}

func getDurationEnv(key string, def time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s geçerli bir süre değil (ör. 30s): %w", key, err)
	}
	return d, nil
}
