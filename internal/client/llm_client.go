// File: sentiric-voice-orchestrator/internal/client/llm_client.go

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/ctxlogger"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/service"
)

type LlmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type LlmGenerateRequest struct {
	Prompt    string       `json:"prompt"`
	Messages  []LlmMessage `json:"messages,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type LlmUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type LlmGenerateResponse struct {
	Text  string   `json:"text"`
	Usage LlmUsage `json:"usage"`
}

// LlmClient, dil modeli servisinin HTTP/JSON adaptörüdür. Zaman aşımı ve
// yeniden deneme dışarıdaki resilience zarfına aittir.
type LlmClient struct {
	httpClient *http.Client
	baseURL    string
	maxTokens  int
	log        zerolog.Logger
}

func NewLlmClient(rawBaseURL string, maxTokens int, log zerolog.Logger) *LlmClient {
	return &LlmClient{
		httpClient: &http.Client{},
		baseURL:    normalizeBaseURL(rawBaseURL),
		maxTokens:  maxTokens,
		log:        log.With().Str("client", "llm").Logger(),
	}
}

// RenderPrompt, turları eski servislerin beklediği düz metin prompt'a çevirir.
func RenderPrompt(turns []conversation.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleSystem:
			b.WriteString(t.Text)
			b.WriteString("\n\n")
		case conversation.RoleUser:
			fmt.Fprintf(&b, "Kullanıcı: %s\n", t.Text)
		case conversation.RoleAssistant:
			fmt.Fprintf(&b, "Asistan: %s\n", t.Text)
		}
	}
	b.WriteString("Asistan:")
	return b.String()
}

func (c *LlmClient) Complete(ctx context.Context, turns []conversation.Turn) (service.Completion, error) {
	url := fmt.Sprintf("%s/generate", c.baseURL)

	payload := LlmGenerateRequest{Prompt: RenderPrompt(turns), MaxTokens: c.maxTokens}
	for _, t := range turns {
		payload.Messages = append(payload.Messages, LlmMessage{Role: string(t.Role), Content: t.Text})
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return service.Completion{}, resilience.Permanent(fmt.Errorf("LLM isteği kodlanamadı: %w", err))
	}

	c.log.Debug().Str("url", url).Int("turns", len(turns)).Int("prompt_size", len(payload.Prompt)).Msg("LLM'e istek gönderiliyor...")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return service.Completion{}, resilience.Permanent(fmt.Errorf("LLM isteği oluşturulamadı: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := ctxlogger.TraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return service.Completion{}, fmt.Errorf("LLM isteği başarısız oldu: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Error().Int("status_code", resp.StatusCode).Bytes("body", bodyBytes).Msg("LLM servisi hata döndürdü")
		return service.Completion{}, &resilience.StatusError{Code: resp.StatusCode, Body: string(bodyBytes)}
	}

	var llmResp LlmGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&llmResp); err != nil {
		return service.Completion{}, fmt.Errorf("LLM yanıtı çözümlenemedi: %w", err)
	}

	cleanedText := strings.Trim(llmResp.Text, "\" \n\r")
	c.log.Debug().Int("response_size", len(cleanedText)).Msg("LLM'den yanıt başarıyla alındı.")

	return service.Completion{
		Text: cleanedText,
		Usage: service.TokenUsage{
			Prompt:     llmResp.Usage.PromptTokens,
			Completion: llmResp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *LlmClient) HealthCheck(ctx context.Context) bool {
	return httpHealth(ctx, c.httpClient, c.baseURL+"/health")
}

func httpHealth(ctx context.Context, hc *http.Client, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
