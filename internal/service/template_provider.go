package service

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/constants"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/database"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

const (
	defaultSystemInstruction  = "Sen bir telefon asistanısın. Aşağıdaki diyaloğa devam et. Cevapların kısa ve konuşma diline uygun olsun."
	defaultGreeting           = "Merhaba, hoş geldiniz. Size nasıl yardımcı olabilirim?"
	DefaultFallbackUtterance  = "Üzgünüm, şu anda size yanıt veremiyorum. Lütfen kısa bir süre sonra tekrar deneyin."
	defaultSummaryInstruction = "Aşağıdaki telefon görüşmesini iki cümleyi geçmeyecek şekilde özetle."
)

// TemplateSource, bir şablonu kimlik, dil ve kiracıya göre getirir.
type TemplateSource func(ctx context.Context, templateID, languageCode, tenantID string) (string, error)

// TemplateProvider, prompt şablonlarını veritabanından okur; şablon yoksa
// ya da sorgu başarısızsa yerleşik metne düşer.
type TemplateProvider struct {
	source          TemplateSource
	defaultLanguage string
	defaultTenant   string
	fallback        string
	log             zerolog.Logger
}

func NewTemplateProvider(db *sql.DB, defaultLanguage, defaultTenant, fallbackUtterance string, log zerolog.Logger) *TemplateProvider {
	var src TemplateSource
	if db != nil {
		src = func(ctx context.Context, id, lang, tenant string) (string, error) {
			return database.GetTemplateFromDB(ctx, db, id, lang, tenant)
		}
	}
	return NewTemplateProviderFromSource(src, defaultLanguage, defaultTenant, fallbackUtterance, log)
}

func NewTemplateProviderFromSource(src TemplateSource, defaultLanguage, defaultTenant, fallbackUtterance string, log zerolog.Logger) *TemplateProvider {
	if defaultLanguage == "" {
		defaultLanguage = "tr"
	}
	if defaultTenant == "" {
		defaultTenant = "system"
	}
	if strings.TrimSpace(fallbackUtterance) == "" {
		fallbackUtterance = DefaultFallbackUtterance
	}
	return &TemplateProvider{
		source:          src,
		defaultLanguage: defaultLanguage,
		defaultTenant:   defaultTenant,
		fallback:        fallbackUtterance,
		log:             log,
	}
}

func (tp *TemplateProvider) SystemInstruction(ctx context.Context, sess state.CallSession) string {
	return tp.lookup(ctx, sess, constants.PromptSystemDefault, defaultSystemInstruction)
}

// Greeting, karşılama metnini döner. {caller} yer tutucusu arayan adresiyle
// doldurulur.
func (tp *TemplateProvider) Greeting(ctx context.Context, sess state.CallSession) string {
	text := tp.lookup(ctx, sess, constants.PromptWelcomeGuest, defaultGreeting)
	return strings.ReplaceAll(text, "{caller}", sess.CallerAddress)
}

func (tp *TemplateProvider) FallbackUtterance(ctx context.Context, sess state.CallSession) string {
	return tp.lookup(ctx, sess, constants.PromptFallbackApology, tp.fallback)
}

func (tp *TemplateProvider) SummaryInstruction(ctx context.Context, sess state.CallSession) string {
	return tp.lookup(ctx, sess, constants.PromptCallSummary, defaultSummaryInstruction)
}

func (tp *TemplateProvider) lookup(ctx context.Context, sess state.CallSession, id constants.TemplateID, def string) string {
	if tp.source == nil {
		return def
	}
	lang, tenant := tp.localeOf(sess)
	content, err := tp.source(ctx, string(id), lang, tenant)
	if err != nil || strings.TrimSpace(content) == "" {
		tp.log.Debug().Err(err).Str("template_id", string(id)).Str("lang", lang).Str("tenant", tenant).Msg("Şablon bulunamadı, yerleşik metin kullanılıyor.")
		return def
	}
	return content
}

func (tp *TemplateProvider) localeOf(sess state.CallSession) (string, string) {
	lang, tenant := sess.LanguageCode, sess.TenantID
	if lang == "" {
		lang = tp.defaultLanguage
	}
	if tenant == "" {
		tenant = tp.defaultTenant
	}
	return lang, tenant
}
